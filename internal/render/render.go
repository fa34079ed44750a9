// Package render colorizes disassembly, register, and memory-dump text
// for terminal display.
package render

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// getAssemblyLexer returns an x86 assembly lexer with fallbacks; decoded
// instructions use Intel syntax, so "nasm" is tried first.
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"nasm", "NASM", "Nasm", "gas"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func getDisasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled reports whether color output is disabled via environment.
func IsDisabled() bool {
	return os.Getenv("BASEER_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes one decoded instruction line.
func Instruction(line string) string {
	if IsDisabled() {
		return line
	}
	lexer := getAssemblyLexer()
	if lexer == nil {
		return line
	}
	style := getDisasmStyle()
	formatter := getTerminalFormatter()

	iterator, err := lexer.Tokenise(nil, line)
	if err != nil {
		return line
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return line
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats a virtual address in yellow.
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("0x%016x", addr)
	}
	return fmt.Sprintf("\033[38;2;255;200;0m0x%016x\033[0m", addr)
}

// RegisterName formats a register name in light blue.
func RegisterName(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;135;206;235m%s\033[0m", name)
}

// FlagSet formats a set condition-code flag in red.
func FlagSet(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;80;80m%s\033[0m", name)
}

// SymbolName formats a resolved symbol name in yellow.
func SymbolName(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%s\033[0m", name)
}

// Error formats an error message in pink.
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}

// HexBytes formats a raw byte dump in light gray.
func HexBytes(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", s)
}

// Header formats a section header in blue.
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;86;156;214m%s\033[0m", s)
}
