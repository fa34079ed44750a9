// Package decompiler invokes an external decompiler binary against an
// in-memory ELF image and returns its textual output.
package decompiler

import (
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/thxa/baseer/internal/log"
)

// Run writes blob to a unique temporary file, invokes tool with that path
// as input and a second temporary path as output, waits for it to exit,
// reads the output file back, and unlinks both temp files regardless of
// outcome. A non-zero exit code is returned as an error.
func Run(tool string, blob []byte) (string, error) {
	in, err := os.CreateTemp("", "baseer-decompile-in-*")
	if err != nil {
		return "", fmt.Errorf("decompiler: create input temp file: %w", err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)

	if _, err := in.Write(blob); err != nil {
		in.Close()
		return "", fmt.Errorf("decompiler: write input temp file: %w", err)
	}
	if err := in.Close(); err != nil {
		return "", fmt.Errorf("decompiler: close input temp file: %w", err)
	}

	out, err := os.CreateTemp("", "baseer-decompile-out-*")
	if err != nil {
		return "", fmt.Errorf("decompiler: create output temp file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	cmd := exec.Command(tool, inPath, outPath)
	if log.L != nil {
		log.L.Debug("invoking decompiler", zap.String("tool", tool))
	}
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("decompiler: %s exited with error: %w", tool, err)
	}

	result, err := os.ReadFile(outPath)
	if err != nil {
		return "", fmt.Errorf("decompiler: read output temp file: %w", err)
	}
	return string(result), nil
}
