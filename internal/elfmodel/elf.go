// Package elfmodel decodes ELF32 and ELF64 executables into a typed
// in-memory representation sufficient to drive disassembly and the ptrace
// debugger: the file header, program headers, section headers, and symbol
// tables. It is a pure decoder: it never mutates the source and never
// returns a partially populated image on error.
package elfmodel

import (
	"encoding/binary"
	"fmt"

	"github.com/thxa/baseer/internal/binsrc"
)

// Class identifies the ELF word size.
type Class int

const (
	ClassNone Class = iota
	ELF32
	ELF64
)

// DataEncoding identifies the byte order of multi-byte fields.
type DataEncoding int

const (
	EncodingNone DataEncoding = iota
	LittleEndian
	BigEndian
)

// FileType is the ELF e_type field.
type FileType uint16

const (
	TypeNone         FileType = 0
	TypeRelocatable  FileType = 1
	TypeExecutable   FileType = 2
	TypeSharedObject FileType = 3
	TypeCore         FileType = 4
)

func (t FileType) String() string {
	switch t {
	case TypeNone:
		return "NONE"
	case TypeRelocatable:
		return "REL"
	case TypeExecutable:
		return "EXEC"
	case TypeSharedObject:
		return "DYN"
	case TypeCore:
		return "CORE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// Machine is the ELF e_machine field. Only the x86 family is given a
// name; everything else renders as unknown.
type Machine uint16

const (
	MachineNone  Machine = 0
	Machine386   Machine = 3
	MachineAMD64 Machine = 62
)

func (m Machine) String() string {
	switch m {
	case Machine386:
		return "EM_386"
	case MachineAMD64:
		return "EM_X86_64"
	default:
		return fmt.Sprintf("EM_UNKNOWN(%d)", uint16(m))
	}
}

// ProgType is a program header's p_type.
type ProgType uint32

const (
	PTNull     ProgType = 0
	PTLoad     ProgType = 1
	PTDynamic  ProgType = 2
	PTInterp   ProgType = 3
	PTNote     ProgType = 4
	PTShlib    ProgType = 5
	PTPhdr     ProgType = 6
	PTTLS      ProgType = 7
	PTGNUStack ProgType = 0x6474e551
)

// ProgFlags is a program header's p_flags bitmask.
type ProgFlags uint32

const (
	PFExec  ProgFlags = 1 << 0
	PFWrite ProgFlags = 1 << 1
	PFRead  ProgFlags = 1 << 2
)

func (f ProgFlags) String() string {
	s := []byte("---")
	if f&PFRead != 0 {
		s[0] = 'R'
	}
	if f&PFWrite != 0 {
		s[1] = 'W'
	}
	if f&PFExec != 0 {
		s[2] = 'X'
	}
	return string(s)
}

// ProgramHeader describes one loadable or auxiliary segment.
type ProgramHeader struct {
	Type   ProgType
	Flags  ProgFlags
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// SectionType is a section header's sh_type.
type SectionType uint32

const (
	SHTNull     SectionType = 0
	SHTProgBits SectionType = 1
	SHTSymTab   SectionType = 2
	SHTStrTab   SectionType = 3
	SHTRela     SectionType = 4
	SHTHash     SectionType = 5
	SHTDynamic  SectionType = 6
	SHTNote     SectionType = 7
	SHTNoBits   SectionType = 8
	SHTRel      SectionType = 9
	SHTDynSym   SectionType = 11
)

// SectionFlags is a section header's sh_flags bitmask.
type SectionFlags uint64

const (
	SHFWrite     SectionFlags = 1 << 0
	SHFAlloc     SectionFlags = 1 << 1
	SHFExecInstr SectionFlags = 1 << 2
)

// SectionHeader describes one section.
type SectionHeader struct {
	Name      string
	nameIndex uint32
	Type      SectionType
	Flags     SectionFlags
	VAddr     uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Align     uint64
	EntSize   uint64
}

// SymbolBinding is the binding component of a symbol's st_info.
type SymbolBinding uint8

const (
	BindLocal  SymbolBinding = 0
	BindGlobal SymbolBinding = 1
	BindWeak   SymbolBinding = 2
)

// SymbolType is the type component of a symbol's st_info.
type SymbolType uint8

const (
	SymNoType  SymbolType = 0
	SymObject  SymbolType = 1
	SymFunc    SymbolType = 2
	SymSection SymbolType = 3
	SymFile    SymbolType = 4
)

// ShnUndef is the reserved "undefined section" index.
const ShnUndef = 0

// Symbol is one entry of a symbol table.
type Symbol struct {
	Name         string
	Value        uint64
	Size         uint64
	Binding      SymbolBinding
	Type         SymbolType
	SectionIndex uint16
}

// ElfImage is the decoded view of a parsed ELF binary.
type ElfImage struct {
	Class          Class
	DataEncoding   DataEncoding
	Type           FileType
	Machine        Machine
	EntryVA        uint64
	ProgramHeaders []ProgramHeader
	SectionHeaders []SectionHeader
	Symbols        []Symbol
	shstrndx       uint16
}

// IsPIE reports whether the image is a position-independent executable:
// either a genuine shared object, or an executable whose entry point is not
// an absolute, already-mapped address (heuristically: an ET_DYN file used
// as an executable, the modern default for -pie-linked binaries).
func (img *ElfImage) IsPIE() bool {
	return img.Type == TypeSharedObject
}

// Parse error categories. All are recoverable: parse never returns a
// partially populated image, and the caller decides how to surface them.
var (
	ErrTruncated        = fmt.Errorf("elfmodel: truncated file")
	ErrBadMagic         = fmt.Errorf("elfmodel: bad ELF magic")
	ErrUnsupportedClass = fmt.Errorf("elfmodel: unsupported ELF class")
	ErrBadStringIndex   = fmt.Errorf("elfmodel: string table index out of range")
	ErrBadSymbolName    = fmt.Errorf("elfmodel: symbol name index past string table end")
)

const (
	identSize = 16
	magic0    = 0x7f
	magic1    = 'E'
	magic2    = 'L'
	magic3    = 'F'
	eiClass   = 4
	eiData    = 5
)

// Parse decodes source into an ElfImage. On any error, no partial image is
// returned.
func Parse(source binsrc.Source) (*ElfImage, error) {
	ident, err := source.ReadAt(0, identSize)
	if err != nil {
		return nil, fmt.Errorf("elfmodel: read identification: %w", err)
	}
	if len(ident) < identSize {
		return nil, fmt.Errorf("%w: identification block", ErrTruncated)
	}
	if ident[0] != magic0 || ident[1] != magic1 || ident[2] != magic2 || ident[3] != magic3 {
		return nil, ErrBadMagic
	}

	var class Class
	switch ident[eiClass] {
	case 1:
		class = ELF32
	case 2:
		class = ELF64
	default:
		return nil, fmt.Errorf("%w: EI_CLASS=%d", ErrUnsupportedClass, ident[eiClass])
	}

	var enc DataEncoding
	var bo binary.ByteOrder
	switch ident[eiData] {
	case 1:
		enc = LittleEndian
		bo = binary.LittleEndian
	case 2:
		enc = BigEndian
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: EI_DATA=%d", ErrUnsupportedClass, ident[eiData])
	}

	d := &decoder{source: source, bo: bo, class: class}

	var hdr fileHeader
	if err := d.readFileHeader(&hdr); err != nil {
		return nil, err
	}

	img := &ElfImage{
		Class:        class,
		DataEncoding: enc,
		Type:         FileType(hdr.etype),
		Machine:      Machine(hdr.machine),
		EntryVA:      hdr.entry,
		shstrndx:     hdr.shstrndx,
	}

	phdrs, err := d.readProgramHeaders(hdr)
	if err != nil {
		return nil, err
	}
	img.ProgramHeaders = phdrs

	shdrs, err := d.readSectionHeaders(hdr)
	if err != nil {
		return nil, err
	}

	if err := d.resolveSectionNames(shdrs, hdr.shstrndx); err != nil {
		return nil, err
	}
	img.SectionHeaders = shdrs

	syms, err := d.readSymbols(shdrs)
	if err != nil {
		return nil, err
	}
	img.Symbols = syms

	return img, nil
}

// fileHeader is the class-independent subset of the ELF header this
// decoder needs.
type fileHeader struct {
	etype     uint16
	machine   uint16
	entry     uint64
	phoff     uint64
	shoff     uint64
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

type decoder struct {
	source binsrc.Source
	bo     binary.ByteOrder
	class  Class
}

func (d *decoder) readFileHeader(hdr *fileHeader) error {
	// Layout past the 16-byte e_ident differs between ELF32 and ELF64 only
	// in the width of the address/offset fields.
	var need int
	if d.class == ELF64 {
		need = 64
	} else {
		need = 52
	}
	buf, err := d.source.ReadAt(0, need)
	if err != nil {
		return fmt.Errorf("elfmodel: read file header: %w", err)
	}
	if len(buf) < need {
		return fmt.Errorf("%w: file header", ErrTruncated)
	}

	hdr.etype = d.bo.Uint16(buf[16:18])
	hdr.machine = d.bo.Uint16(buf[18:20])

	if d.class == ELF64 {
		hdr.entry = d.bo.Uint64(buf[24:32])
		hdr.phoff = d.bo.Uint64(buf[32:40])
		hdr.shoff = d.bo.Uint64(buf[40:48])
		hdr.phentsize = d.bo.Uint16(buf[54:56])
		hdr.phnum = d.bo.Uint16(buf[56:58])
		hdr.shentsize = d.bo.Uint16(buf[58:60])
		hdr.shnum = d.bo.Uint16(buf[60:62])
		hdr.shstrndx = d.bo.Uint16(buf[62:64])
	} else {
		hdr.entry = uint64(d.bo.Uint32(buf[24:28]))
		hdr.phoff = uint64(d.bo.Uint32(buf[28:32]))
		hdr.shoff = uint64(d.bo.Uint32(buf[32:36]))
		hdr.phentsize = d.bo.Uint16(buf[42:44])
		hdr.phnum = d.bo.Uint16(buf[44:46])
		hdr.shentsize = d.bo.Uint16(buf[46:48])
		hdr.shnum = d.bo.Uint16(buf[48:50])
		hdr.shstrndx = d.bo.Uint16(buf[50:52])
	}
	return nil
}

func (d *decoder) readProgramHeaders(hdr fileHeader) ([]ProgramHeader, error) {
	out := make([]ProgramHeader, 0, hdr.phnum)
	for i := uint16(0); i < hdr.phnum; i++ {
		off := int64(hdr.phoff) + int64(i)*int64(hdr.phentsize)
		ph, err := d.readOneProgramHeader(off)
		if err != nil {
			return nil, fmt.Errorf("elfmodel: program header %d: %w", i, err)
		}
		out = append(out, ph)
	}
	return out, nil
}

func (d *decoder) readOneProgramHeader(off int64) (ProgramHeader, error) {
	var ph ProgramHeader
	if d.class == ELF64 {
		buf, err := d.source.ReadAt(off, 56)
		if err != nil {
			return ph, err
		}
		if len(buf) < 56 {
			return ph, ErrTruncated
		}
		ph.Type = ProgType(d.bo.Uint32(buf[0:4]))
		ph.Flags = ProgFlags(d.bo.Uint32(buf[4:8]))
		ph.Offset = d.bo.Uint64(buf[8:16])
		ph.VAddr = d.bo.Uint64(buf[16:24])
		ph.PAddr = d.bo.Uint64(buf[24:32])
		ph.FileSz = d.bo.Uint64(buf[32:40])
		ph.MemSz = d.bo.Uint64(buf[40:48])
		ph.Align = d.bo.Uint64(buf[48:56])
	} else {
		buf, err := d.source.ReadAt(off, 32)
		if err != nil {
			return ph, err
		}
		if len(buf) < 32 {
			return ph, ErrTruncated
		}
		ph.Type = ProgType(d.bo.Uint32(buf[0:4]))
		ph.Offset = uint64(d.bo.Uint32(buf[4:8]))
		ph.VAddr = uint64(d.bo.Uint32(buf[8:12]))
		ph.PAddr = uint64(d.bo.Uint32(buf[12:16]))
		ph.FileSz = uint64(d.bo.Uint32(buf[16:20]))
		ph.MemSz = uint64(d.bo.Uint32(buf[20:24]))
		ph.Flags = ProgFlags(d.bo.Uint32(buf[24:28]))
		ph.Align = uint64(d.bo.Uint32(buf[28:32]))
	}
	if ph.FileSz > ph.MemSz {
		return ph, fmt.Errorf("elfmodel: p_filesz (%d) exceeds p_memsz (%d)", ph.FileSz, ph.MemSz)
	}
	return ph, nil
}

func (d *decoder) readSectionHeaders(hdr fileHeader) ([]SectionHeader, error) {
	out := make([]SectionHeader, 0, hdr.shnum)
	for i := uint16(0); i < hdr.shnum; i++ {
		off := int64(hdr.shoff) + int64(i)*int64(hdr.shentsize)
		sh, err := d.readOneSectionHeader(off)
		if err != nil {
			return nil, fmt.Errorf("elfmodel: section header %d: %w", i, err)
		}
		out = append(out, sh)
	}
	return out, nil
}

func (d *decoder) readOneSectionHeader(off int64) (SectionHeader, error) {
	var sh SectionHeader
	if d.class == ELF64 {
		buf, err := d.source.ReadAt(off, 64)
		if err != nil {
			return sh, err
		}
		if len(buf) < 64 {
			return sh, ErrTruncated
		}
		sh.nameIndex = d.bo.Uint32(buf[0:4])
		sh.Type = SectionType(d.bo.Uint32(buf[4:8]))
		sh.Flags = SectionFlags(d.bo.Uint64(buf[8:16]))
		sh.VAddr = d.bo.Uint64(buf[16:24])
		sh.Offset = d.bo.Uint64(buf[24:32])
		sh.Size = d.bo.Uint64(buf[32:40])
		sh.Link = d.bo.Uint32(buf[40:44])
		sh.Info = d.bo.Uint32(buf[44:48])
		sh.Align = d.bo.Uint64(buf[48:56])
		sh.EntSize = d.bo.Uint64(buf[56:64])
	} else {
		buf, err := d.source.ReadAt(off, 40)
		if err != nil {
			return sh, err
		}
		if len(buf) < 40 {
			return sh, ErrTruncated
		}
		sh.nameIndex = d.bo.Uint32(buf[0:4])
		sh.Type = SectionType(d.bo.Uint32(buf[4:8]))
		sh.Flags = SectionFlags(d.bo.Uint32(buf[8:12]))
		sh.VAddr = uint64(d.bo.Uint32(buf[12:16]))
		sh.Offset = uint64(d.bo.Uint32(buf[16:20]))
		sh.Size = uint64(d.bo.Uint32(buf[20:24]))
		sh.Link = d.bo.Uint32(buf[24:28])
		sh.Info = d.bo.Uint32(buf[28:32])
		sh.Align = uint64(d.bo.Uint32(buf[32:36]))
		sh.EntSize = uint64(d.bo.Uint32(buf[36:40]))
	}
	return sh, nil
}

// resolveSectionNames requires the section at e_shstrndx to exist and be a
// string table, then resolves every section's name through it.
func (d *decoder) resolveSectionNames(shdrs []SectionHeader, shstrndx uint16) error {
	if int(shstrndx) >= len(shdrs) {
		return fmt.Errorf("%w: e_shstrndx=%d, have %d sections", ErrBadStringIndex, shstrndx, len(shdrs))
	}
	strtab := shdrs[shstrndx]
	if strtab.Type != SHTStrTab {
		return fmt.Errorf("%w: e_shstrndx=%d is not a string table", ErrBadStringIndex, shstrndx)
	}
	for i := range shdrs {
		name, err := d.readString(strtab, shdrs[i].nameIndex)
		if err != nil {
			return fmt.Errorf("section %d name: %w", i, err)
		}
		shdrs[i].Name = name
	}
	return nil
}

// readString reads a NUL-terminated string at index within the section's
// data, failing if the index is out of range.
func (d *decoder) readString(strtab SectionHeader, index uint32) (string, error) {
	if uint64(index) >= strtab.Size {
		return "", fmt.Errorf("%w: index %d, table size %d", ErrBadStringIndex, index, strtab.Size)
	}
	// Strings are short; read a bounded chunk and scan for NUL, growing if
	// needed, never reading past the table's declared size.
	const chunk = 256
	remaining := strtab.Size - uint64(index)
	readLen := remaining
	if readLen > chunk {
		readLen = chunk
	}
	for {
		buf, err := d.source.ReadAt(int64(strtab.Offset)+int64(index), int(readLen))
		if err != nil {
			return "", err
		}
		if nul := indexByte(buf, 0); nul >= 0 {
			return string(buf[:nul]), nil
		}
		if readLen >= remaining {
			// No terminator within the table: return what we have.
			return string(buf), nil
		}
		readLen *= 2
		if readLen > remaining {
			readLen = remaining
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// readSymbols decodes every SHT_SYMTAB/SHT_DYNSYM section's symbol table,
// using the section pointed to by its Link field as the string table.
func (d *decoder) readSymbols(shdrs []SectionHeader) ([]Symbol, error) {
	var out []Symbol
	for _, sh := range shdrs {
		if sh.Type != SHTSymTab && sh.Type != SHTDynSym {
			continue
		}
		if int(sh.Link) >= len(shdrs) {
			return nil, fmt.Errorf("%w: symtab link=%d, have %d sections", ErrBadStringIndex, sh.Link, len(shdrs))
		}
		strtab := shdrs[sh.Link]

		entSize := sh.EntSize
		if entSize == 0 {
			if d.class == ELF64 {
				entSize = 24
			} else {
				entSize = 16
			}
		}
		count := sh.Size / entSize
		for i := uint64(0); i < count; i++ {
			sym, err := d.readOneSymbol(int64(sh.Offset)+int64(i*entSize), strtab)
			if err != nil {
				return nil, fmt.Errorf("symbol %d in %s: %w", i, sh.Name, err)
			}
			out = append(out, sym)
		}
	}
	return out, nil
}

func (d *decoder) readOneSymbol(off int64, strtab SectionHeader) (Symbol, error) {
	var sym Symbol
	var nameIdx uint32
	var info uint8
	if d.class == ELF64 {
		buf, err := d.source.ReadAt(off, 24)
		if err != nil {
			return sym, err
		}
		if len(buf) < 24 {
			return sym, ErrTruncated
		}
		nameIdx = d.bo.Uint32(buf[0:4])
		info = buf[4]
		sym.SectionIndex = d.bo.Uint16(buf[6:8])
		sym.Value = d.bo.Uint64(buf[8:16])
		sym.Size = d.bo.Uint64(buf[16:24])
	} else {
		buf, err := d.source.ReadAt(off, 16)
		if err != nil {
			return sym, err
		}
		if len(buf) < 16 {
			return sym, ErrTruncated
		}
		nameIdx = d.bo.Uint32(buf[0:4])
		sym.Value = uint64(d.bo.Uint32(buf[4:8]))
		sym.Size = uint64(d.bo.Uint32(buf[8:12]))
		info = buf[12]
		sym.SectionIndex = d.bo.Uint16(buf[14:16])
	}
	sym.Binding = SymbolBinding(info >> 4)
	sym.Type = SymbolType(info & 0xf)

	if nameIdx != 0 {
		name, err := d.readString(strtab, nameIdx)
		if err != nil {
			return sym, fmt.Errorf("%w: %v", ErrBadSymbolName, err)
		}
		sym.Name = name
	}
	return sym, nil
}

// ResolveSymbol returns the runtime address of name. A fully-linked
// (non-PIE) image uses the symbol's value directly; a PIE image adds base.
// Only function-typed symbols with a non-empty name and a defined section
// index are considered.
func ResolveSymbol(img *ElfImage, name string, base uint64) (uint64, bool) {
	for _, sym := range img.Symbols {
		if sym.Type != SymFunc || sym.Name == "" || sym.Name != name || sym.SectionIndex == ShnUndef {
			continue
		}
		if img.IsPIE() {
			return base + sym.Value, true
		}
		return sym.Value, true
	}
	return 0, false
}
