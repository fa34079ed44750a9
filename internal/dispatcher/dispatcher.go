//go:build linux

// Package dispatcher turns a line of user text into a tagged, validated
// command and applies it to a debugger core. Decoding arguments up front
// means every handler receives a well-shaped request or never runs.
package dispatcher

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/thxa/baseer/internal/debugger"
	"github.com/thxa/baseer/internal/render"
	"github.com/thxa/baseer/internal/tracee"
)

// Kind tags which of the twelve recognized verbs a Command represents.
type Kind int

const (
	KindUnknown Kind = iota
	KindSetBreakpoint
	KindDeleteBreakpoint
	KindListBreakpoints
	KindSingleStep
	KindStepOver
	KindContinue
	KindExamine
	KindSetRegister
	KindSetMemory
	KindListSymbols
	KindVMMap
	KindHelp
	KindQuit
)

// Command is a parsed, fully-validated request ready to apply to a
// debugger core. Only the fields relevant to Kind are populated.
type Command struct {
	Kind Kind

	Token        string // bp: hex address or symbol name
	ID           int    // dp: breakpoint id
	Addr         uint64 // x, set(mem): address
	Count        int    // x: word count, defaults to 1
	RegisterName string // set(reg): register name
	Value        uint64 // set: right-hand side
}

// ErrMalformed reports a recognized verb used with the wrong argument
// shape; the caller should print help and leave state unchanged, per
// ErrUnknownVerb below for the unrecognized-verb case.
var (
	ErrMalformed   = errors.New("dispatcher: malformed arguments")
	ErrUnknownVerb = errors.New("dispatcher: unknown verb")
)

// Parse tokenizes a line into a Command. Unknown verbs and malformed
// arguments return an error; the caller is expected to print help and
// leave state unchanged rather than treat this as fatal.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{Kind: KindUnknown}, ErrUnknownVerb
	}
	verb := fields[0]
	args := fields[1:]

	switch verb {
	case "bp":
		if len(args) != 1 {
			return Command{}, fmt.Errorf("%w: bp takes one hex-addr or symbol-name argument", ErrMalformed)
		}
		return Command{Kind: KindSetBreakpoint, Token: args[0]}, nil

	case "dp":
		if len(args) != 1 {
			return Command{}, fmt.Errorf("%w: dp takes one decimal id argument", ErrMalformed)
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return Command{}, fmt.Errorf("%w: dp id must be decimal: %v", ErrMalformed, err)
		}
		return Command{Kind: KindDeleteBreakpoint, ID: id}, nil

	case "lp":
		return Command{Kind: KindListBreakpoints}, nil

	case "si":
		return Command{Kind: KindSingleStep}, nil

	case "so":
		return Command{Kind: KindStepOver}, nil

	case "c":
		return Command{Kind: KindContinue}, nil

	case "x":
		if len(args) < 1 || len(args) > 2 {
			return Command{}, fmt.Errorf("%w: x takes hex-addr [decimal count]", ErrMalformed)
		}
		addr, err := parseValue(args[0])
		if err != nil {
			return Command{}, fmt.Errorf("%w: x address: %v", ErrMalformed, err)
		}
		count := 1
		if len(args) == 2 {
			count, err = strconv.Atoi(args[1])
			if err != nil {
				return Command{}, fmt.Errorf("%w: x count must be decimal: %v", ErrMalformed, err)
			}
			if count < 0 {
				return Command{}, fmt.Errorf("%w: x count must not be negative", ErrMalformed)
			}
		}
		return Command{Kind: KindExamine, Addr: addr, Count: count}, nil

	case "set":
		if len(args) != 1 {
			return Command{}, fmt.Errorf("%w: set takes one $reg=val or hexaddr=val argument", ErrMalformed)
		}
		lhs, rhs, ok := strings.Cut(args[0], "=")
		if !ok {
			return Command{}, fmt.Errorf("%w: set requires an '=' assignment", ErrMalformed)
		}
		value, err := parseValue(rhs)
		if err != nil {
			return Command{}, fmt.Errorf("%w: set value: %v", ErrMalformed, err)
		}
		if strings.HasPrefix(lhs, "$") {
			return Command{Kind: KindSetRegister, RegisterName: strings.TrimPrefix(lhs, "$"), Value: value}, nil
		}
		addr, err := parseValue(lhs)
		if err != nil {
			return Command{}, fmt.Errorf("%w: set address: %v", ErrMalformed, err)
		}
		return Command{Kind: KindSetMemory, Addr: addr, Value: value}, nil

	case "i":
		return Command{Kind: KindListSymbols}, nil

	case "vmmap":
		return Command{Kind: KindVMMap}, nil

	case "h":
		return Command{Kind: KindHelp}, nil

	case "q":
		return Command{Kind: KindQuit}, nil

	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}
}

// parseValue accepts a 0x-prefixed hex literal or a decimal literal.
func parseValue(token string) (uint64, error) {
	if hex, ok := strings.CutPrefix(token, "0x"); ok {
		return strconv.ParseUint(hex, 16, 64)
	}
	if v, err := strconv.ParseUint(token, 10, 64); err == nil {
		return v, nil
	}
	return strconv.ParseUint(token, 16, 64)
}

// Result is the text produced by applying one Command, plus whether the
// REPL driving the dispatcher should exit.
type Result struct {
	Lines []string
	Quit  bool
}

func oneLine(s string) Result { return Result{Lines: []string{s}} }

// Apply executes cmd against core and returns the text to display. Every
// per-command failure is returned as an error but never leaves core in an
// inconsistent state; the caller decides whether to print it and continue.
func Apply(core *debugger.Core, cmd Command) (Result, error) {
	switch cmd.Kind {
	case KindSetBreakpoint:
		bp, err := core.SetBreakpoint(cmd.Token)
		if err != nil {
			return Result{}, err
		}
		return oneLine(fmt.Sprintf("breakpoint %d set at 0x%x", bp.ID, bp.Address)), nil

	case KindDeleteBreakpoint:
		if err := core.DeleteBreakpoint(cmd.ID); err != nil {
			return Result{}, err
		}
		return oneLine(fmt.Sprintf("breakpoint %d deleted", cmd.ID)), nil

	case KindListBreakpoints:
		bps := core.ListBreakpoints()
		if len(bps) == 0 {
			return oneLine("no breakpoints"), nil
		}
		lines := make([]string, 0, len(bps))
		for _, bp := range bps {
			lines = append(lines, fmt.Sprintf("%d: 0x%x", bp.ID, bp.Address))
		}
		return Result{Lines: lines}, nil

	case KindSingleStep:
		return applyAndShow(core, core.SingleStep)

	case KindStepOver:
		return applyAndShow(core, core.StepOver)

	case KindContinue:
		return applyAndShow(core, core.Continue)

	case KindExamine:
		words, err := core.Examine(cmd.Addr, cmd.Count)
		if err != nil {
			return Result{}, err
		}
		wordSize := uint64(core.Arch.WordSize())
		perLine := 4
		if core.Arch == tracee.Arch32 {
			perLine = 8
		}
		var lines []string
		for i := 0; i < len(words); i += perLine {
			vals := ""
			for j := i; j < len(words) && j < i+perLine; j++ {
				vals += fmt.Sprintf(" 0x%0*x", int(wordSize)*2, words[j])
			}
			lines = append(lines, fmt.Sprintf("0x%x:%s", cmd.Addr+uint64(i)*wordSize, render.HexBytes(vals)))
		}
		return Result{Lines: lines}, nil

	case KindSetRegister:
		if err := core.SetRegister(cmd.RegisterName, cmd.Value); err != nil {
			return Result{}, err
		}
		return oneLine(fmt.Sprintf("$%s = 0x%x", cmd.RegisterName, cmd.Value)), nil

	case KindSetMemory:
		if err := core.SetMemory(cmd.Addr, cmd.Value); err != nil {
			return Result{}, err
		}
		return oneLine(fmt.Sprintf("0x%x = 0x%x", cmd.Addr, cmd.Value)), nil

	case KindListSymbols:
		syms := core.ListSymbols()
		names := make([]string, 0, len(syms))
		for name := range syms {
			names = append(names, name)
		}
		sort.Strings(names)
		lines := make([]string, 0, len(names))
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("0x%x  %s", syms[name], render.SymbolName(name)))
		}
		return Result{Lines: lines}, nil

	case KindVMMap:
		maps, err := core.VMMap()
		if err != nil {
			return Result{}, err
		}
		return Result{Lines: strings.Split(strings.TrimRight(maps, "\n"), "\n")}, nil

	case KindHelp:
		return Result{Lines: helpText()}, nil

	case KindQuit:
		if err := core.Quit(); err != nil {
			return Result{}, err
		}
		return Result{Lines: []string{"goodbye"}, Quit: true}, nil

	default:
		return Result{Lines: helpText()}, nil
	}
}

// applyAndShow runs a resume operation (continue/single-step/step-over)
// and, if the tracee is still attached afterward, appends the resulting
// execution context to the output.
func applyAndShow(core *debugger.Core, resume func() (tracee.Event, error)) (Result, error) {
	ev, err := resume()
	if err != nil {
		return Result{}, err
	}
	lines := []string{describeEvent(ev)}
	if core.Detached {
		return Result{Lines: lines}, nil
	}
	ctx, err := core.Context()
	if err != nil {
		return Result{Lines: lines}, err
	}
	lines = append(lines, formatContext(ctx)...)
	return Result{Lines: lines}, nil
}

func describeEvent(ev tracee.Event) string {
	switch ev.Reason {
	case tracee.StopExited:
		return fmt.Sprintf("tracee exited with code %d", ev.ExitCode)
	case tracee.StopSignaled:
		return fmt.Sprintf("tracee killed by signal %d", ev.Signal)
	case tracee.StopSignal:
		return fmt.Sprintf("stopped, signal %d", ev.Signal)
	default:
		return "stopped"
	}
}

func formatContext(ctx debugger.Context) []string {
	var lines []string

	regLine := ""
	for i, r := range ctx.Registers {
		if i > 0 && i%4 == 0 {
			lines = append(lines, regLine)
			regLine = ""
		}
		regLine += fmt.Sprintf("%-6s 0x%016x  ", r.Name, r.Value)
	}
	if regLine != "" {
		lines = append(lines, regLine)
	}

	flagLine := "flags: "
	for _, f := range ctx.Flags {
		if f.Set {
			flagLine += f.Name + " "
		}
	}
	lines = append(lines, flagLine)

	for _, inst := range ctx.Code {
		lines = append(lines, fmt.Sprintf("0x%x: %s", inst.Address, inst.String()))
	}

	for i, w := range ctx.Stack {
		lines = append(lines, fmt.Sprintf("stack[%d]: 0x%x", i, w))
	}

	return lines
}

func helpText() []string {
	return []string{
		"bp <addr|symbol>   set a breakpoint",
		"dp <id>            delete a breakpoint",
		"lp                 list breakpoints",
		"si                 single-step",
		"so                 step over",
		"c                  continue",
		"x <addr> [count]   examine memory",
		"set $reg=val       set a register",
		"set addr=val       set a memory word",
		"i                  list symbols",
		"vmmap              print the memory map",
		"h                  print this help",
		"q                  kill the tracee and exit",
	}
}
