// Package binsrc provides a uniform random-access reader over a binary,
// backed by either a fully-loaded in-memory blob or a seekable file handle.
package binsrc

import (
	"fmt"
	"io"
	"os"
)

// Source is a random-access byte source. ReadAt never returns more than n
// bytes and never returns an error for reads that fall past the end of the
// source; it returns a short (possibly empty) slice instead.
type Source interface {
	// ReadAt returns up to n bytes starting at offset. Reads past the end
	// of the source return fewer bytes (possibly zero) and a nil error.
	ReadAt(offset int64, n int) ([]byte, error)
	// Size returns the total size of the source in bytes.
	Size() int64
	// Bytes returns a contiguous view of the whole source when the backend
	// is memory-resident, and ok=false otherwise.
	Bytes() (data []byte, ok bool)
	// Close releases any resources held by the source.
	Close() error
}

// memSource is the in-memory-blob backend.
type memSource struct {
	data []byte
}

// FromBytes wraps an immutable in-memory byte buffer as a Source.
func FromBytes(data []byte) Source {
	return &memSource{data: data}
}

func (m *memSource) ReadAt(offset int64, n int) ([]byte, error) {
	if offset < 0 || n < 0 {
		return nil, fmt.Errorf("binsrc: negative offset or length")
	}
	if offset >= int64(len(m.data)) {
		return nil, nil
	}
	end := offset + int64(n)
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	return m.data[offset:end], nil
}

func (m *memSource) Size() int64 { return int64(len(m.data)) }

func (m *memSource) Bytes() ([]byte, bool) { return m.data, true }

func (m *memSource) Close() error { return nil }

// fileSource is the seekable-file-handle backend.
type fileSource struct {
	f    *os.File
	size int64
}

// FromFile opens path and wraps it as a Source. The caller owns the
// returned Source and must Close it.
func FromFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("binsrc: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("binsrc: stat %s: %w", path, err)
	}
	return &fileSource{f: f, size: info.Size()}, nil
}

func (fs *fileSource) ReadAt(offset int64, n int) ([]byte, error) {
	if offset < 0 || n < 0 {
		return nil, fmt.Errorf("binsrc: negative offset or length")
	}
	if offset >= fs.size {
		return nil, nil
	}
	if offset+int64(n) > fs.size {
		n = int(fs.size - offset)
	}
	buf := make([]byte, n)
	read, err := fs.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("binsrc: read at %d: %w", offset, err)
	}
	return buf[:read], nil
}

func (fs *fileSource) Size() int64 { return fs.size }

func (fs *fileSource) Bytes() ([]byte, bool) { return nil, false }

func (fs *fileSource) Close() error { return fs.f.Close() }
