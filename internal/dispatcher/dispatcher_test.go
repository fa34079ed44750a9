//go:build linux

package dispatcher

import (
	"errors"
	"strings"
	"testing"

	"github.com/thxa/baseer/internal/breakpoint"
	"github.com/thxa/baseer/internal/debugger"
)

func TestParseSetBreakpointByHex(t *testing.T) {
	cmd, err := Parse("bp 0x401136")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != KindSetBreakpoint || cmd.Token != "0x401136" {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestParseSetBreakpointBySymbol(t *testing.T) {
	cmd, err := Parse("bp main")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != KindSetBreakpoint || cmd.Token != "main" {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestParseDeleteBreakpoint(t *testing.T) {
	cmd, err := Parse("dp 3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != KindDeleteBreakpoint || cmd.ID != 3 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestParseDeleteBreakpointRejectsNonDecimal(t *testing.T) {
	if _, err := Parse("dp abc"); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestParseNoArgVerbs(t *testing.T) {
	tests := map[string]Kind{
		"lp":    KindListBreakpoints,
		"si":    KindSingleStep,
		"so":    KindStepOver,
		"c":     KindContinue,
		"i":     KindListSymbols,
		"vmmap": KindVMMap,
		"h":     KindHelp,
		"q":     KindQuit,
	}
	for line, want := range tests {
		cmd, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		if cmd.Kind != want {
			t.Errorf("Parse(%q).Kind = %v, want %v", line, cmd.Kind, want)
		}
	}
}

func TestParseExamineDefaultsCountToOne(t *testing.T) {
	cmd, err := Parse("x 0x1000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != KindExamine || cmd.Addr != 0x1000 || cmd.Count != 1 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestParseExamineWithCount(t *testing.T) {
	cmd, err := Parse("x 0x1000 4")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Count != 4 {
		t.Errorf("Count = %d, want 4", cmd.Count)
	}
}

func TestParseSetRegister(t *testing.T) {
	cmd, err := Parse("set $rax=0x42")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != KindSetRegister || cmd.RegisterName != "rax" || cmd.Value != 0x42 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestParseSetMemory(t *testing.T) {
	cmd, err := Parse("set 0x2000=99")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd.Kind != KindSetMemory || cmd.Addr != 0x2000 || cmd.Value != 99 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestParseSetRequiresAssignment(t *testing.T) {
	if _, err := Parse("set rax"); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestParseUnknownVerb(t *testing.T) {
	if _, err := Parse("frobnicate"); !errors.Is(err, ErrUnknownVerb) {
		t.Errorf("err = %v, want ErrUnknownVerb", err)
	}
}

func TestParseEmptyLine(t *testing.T) {
	if _, err := Parse("   "); !errors.Is(err, ErrUnknownVerb) {
		t.Errorf("err = %v, want ErrUnknownVerb", err)
	}
}

func TestApplyHelpListsEveryVerb(t *testing.T) {
	res, err := Apply(&debugger.Core{}, Command{Kind: KindHelp})
	if err != nil {
		t.Fatalf("Apply(h): %v", err)
	}
	joined := strings.Join(res.Lines, "\n")
	for _, verb := range []string{"bp", "dp", "lp", "si", "so", "c", "x", "set", "i", "vmmap", "h", "q"} {
		if !strings.Contains(joined, verb) {
			t.Errorf("help output missing verb %q", verb)
		}
	}
	if res.Quit {
		t.Errorf("Quit = true for help, want false")
	}
}

func TestApplyListBreakpointsEmpty(t *testing.T) {
	core := &debugger.Core{Store: breakpoint.NewStore()}
	res, err := Apply(core, Command{Kind: KindListBreakpoints})
	if err != nil {
		t.Fatalf("Apply(lp): %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "no breakpoints" {
		t.Errorf("Lines = %v, want [no breakpoints]", res.Lines)
	}
}

func TestApplyListSymbolsSorted(t *testing.T) {
	t.Setenv("BASEER_NO_COLOR", "1")
	core := &debugger.Core{Symbols: map[string]uint64{
		"zeta": 0x2000,
		"main": 0x1000,
	}}
	res, err := Apply(core, Command{Kind: KindListSymbols})
	if err != nil {
		t.Fatalf("Apply(i): %v", err)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("len(Lines) = %d, want 2", len(res.Lines))
	}
	if !strings.Contains(res.Lines[0], "main") || !strings.Contains(res.Lines[1], "zeta") {
		t.Errorf("Lines = %v, want main before zeta", res.Lines)
	}
	if !strings.Contains(res.Lines[0], "0x1000") {
		t.Errorf("Lines[0] = %q, want the resolved address", res.Lines[0])
	}
}

func TestParseValueAcceptsHexAndDecimal(t *testing.T) {
	v, err := parseValue("0xff")
	if err != nil || v != 0xff {
		t.Errorf("parseValue(0xff) = %d, %v", v, err)
	}
	v, err = parseValue("255")
	if err != nil || v != 255 {
		t.Errorf("parseValue(255) = %d, %v", v, err)
	}
}
