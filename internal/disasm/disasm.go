// Package disasm adapts golang.org/x/arch/x86/x86asm into a linear
// instruction sequence over a byte window, the shape the debugger core and
// the CLI's disassembly dump both need: decode one instruction, format it,
// advance by its length, and stop cleanly the moment the bytes stop looking
// like code. The sequence is not lazy: Sequence decodes up front into a
// slice of at most a caller-given count.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Mode selects the instruction-set width to decode against.
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// Instruction is one decoded instruction, annotated with its runtime
// address.
type Instruction struct {
	Address  uint64
	Length   int
	Mnemonic string
	Operands string
	IsReturn bool
	IsCall   bool
	IsJump   bool
}

// String renders the instruction the way a disassembly listing does:
// "<mnemonic> <operands>", trimmed when there are no operands.
func (in Instruction) String() string {
	if in.Operands == "" {
		return in.Mnemonic
	}
	return in.Mnemonic + " " + in.Operands
}

// Decode decodes a single instruction from the head of code, which must
// begin at address addr. A decode failure is reported as an error; callers
// that want a best-effort sequence should use Sequence instead, which
// treats decode failure as the end of the run rather than a hard error.
func Decode(code []byte, addr uint64, mode Mode) (Instruction, error) {
	inst, err := x86asm.Decode(code, int(mode))
	if err != nil {
		return Instruction{}, fmt.Errorf("disasm: decode at %#x: %w", addr, err)
	}
	if inst.Op == 0 {
		// x86asm reports a truncated or unintelligible byte sequence as a
		// bare prefix byte with no opcode instead of returning an error.
		return Instruction{}, fmt.Errorf("disasm: decode at %#x: no recognizable instruction", addr)
	}
	syntax := x86asm.IntelSyntax(inst, addr, nil)
	mnemonic, operands := splitSyntax(syntax)
	return Instruction{
		Address:  addr,
		Length:   inst.Len,
		Mnemonic: mnemonic,
		Operands: operands,
		IsReturn: inst.Op == x86asm.RET,
		IsCall:   inst.Op == x86asm.CALL,
		IsJump:   isJump(inst.Op),
	}, nil
}

// splitSyntax separates the rendered instruction text into a mnemonic and
// its operand string; an instruction with no operands (e.g. "ret") renders
// with no space and comes back whole as the mnemonic.
func splitSyntax(syntax string) (mnemonic, operands string) {
	for i := 0; i < len(syntax); i++ {
		if syntax[i] == ' ' {
			return syntax[:i], syntax[i+1:]
		}
	}
	return syntax, ""
}

func isJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// Sequence decodes as many instructions as it can starting at addr, walking
// forward through code until either count instructions have been decoded,
// the bytes run out, or decoding fails. A decode failure silently ends the
// sequence rather than propagating: the tail of a code section routinely
// runs into padding or data, and the debugger core only ever wants "as much
// as could be understood", never a hard failure mid-listing.
func Sequence(code []byte, addr uint64, mode Mode, count int) []Instruction {
	out := make([]Instruction, 0, count)
	offset := 0
	for len(out) < count && offset < len(code) {
		inst, err := Decode(code[offset:], addr+uint64(offset), mode)
		if err != nil || inst.Length == 0 {
			break
		}
		out = append(out, inst)
		offset += inst.Length
	}
	return out
}
