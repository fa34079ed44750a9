//go:build linux

// Package debugger implements the state machine that owns a parsed ELF
// image, a breakpoint store, a symbol index, and a traced child process: it
// is the core a command dispatcher or interactive shell drives.
package debugger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/thxa/baseer/internal/binsrc"
	"github.com/thxa/baseer/internal/breakpoint"
	"github.com/thxa/baseer/internal/disasm"
	"github.com/thxa/baseer/internal/elfmodel"
	"github.com/thxa/baseer/internal/log"
	"github.com/thxa/baseer/internal/tracee"
)

// Errors recoverable at the dispatcher boundary; never a panic.
var (
	ErrDetached     = errors.New("debugger: session is detached")
	ErrInvalidInput = errors.New("debugger: invalid input")
)

// Controller is the slice of the tracee controller the core drives. It is
// satisfied by *tracee.Session; tests substitute a scripted fake so the
// breakpoint arming, hit-rewind, and step-over logic can be exercised
// without a live child process.
type Controller interface {
	ReadWord(addr uint64) (uint64, error)
	WriteWord(addr, word uint64) error
	ReadBytes(addr uint64, n int) ([]byte, error)
	GetRegs() (tracee.Registers, error)
	PC() (uint64, error)
	SetPC(pc uint64) error
	SP() (uint64, error)
	Continue(sig int) error
	SingleStep() error
	Wait() (tracee.Event, error)
	Maps() (string, error)
	Kill() error
	SetRegisterByName(name string, value uint64) error
	AllRegisters() ([]tracee.RegisterValue, error)
	FlagStates() ([]tracee.FlagState, error)
}

// Disassembler is the decode capability step-over and context display
// depend on; the default implementation delegates to package disasm, and
// tests substitute canned instruction lengths.
type Disassembler interface {
	Decode(code []byte, addr uint64, mode disasm.Mode) (disasm.Instruction, error)
	Sequence(code []byte, addr uint64, mode disasm.Mode, count int) []disasm.Instruction
}

type stdDisasm struct{}

func (stdDisasm) Decode(code []byte, addr uint64, mode disasm.Mode) (disasm.Instruction, error) {
	return disasm.Decode(code, addr, mode)
}

func (stdDisasm) Sequence(code []byte, addr uint64, mode disasm.Mode, count int) []disasm.Instruction {
	return disasm.Sequence(code, addr, mode, count)
}

// Context is a snapshot of the tracee's current execution state:
// registers, flags, a disassembly window starting at the program counter,
// and the leading stack words. This is the bundle a shell displays after
// every stop.
type Context struct {
	Registers []tracee.RegisterValue
	Flags     []tracee.FlagState
	Code      []disasm.Instruction
	Stack     []uint64
}

// Core aggregates the parsed image, the breakpoint store, the symbol
// index, and the tracee session for one debugging session. It owns all of
// them exclusively for the session's duration.
type Core struct {
	Image    *elfmodel.ElfImage
	Store    *breakpoint.Store
	Tracee   Controller
	Arch     tracee.Arch
	PID      int
	Symbols  map[string]uint64
	LoadBase uint64
	EntryVA  uint64

	// Detached is true once the tracee has exited or been killed by a
	// signal; only Quit and read-only introspection remain valid.
	Detached bool

	disasm Disassembler
}

// Start parses blob as an ELF image, spawns it under ptrace with argv, and
// runs the startup sequence: determine the load base, compute the entry
// address, build the symbol index, and trap-and-restore the entry point so
// the session begins stopped at the image's first instruction.
func Start(blob []byte, arch tracee.Arch, argv []string) (*Core, error) {
	img, err := elfmodel.Parse(binsrc.FromBytes(blob))
	if err != nil {
		return nil, fmt.Errorf("debugger: parse elf: %w", err)
	}

	sess, err := tracee.Spawn(blob, arch, argv)
	if err != nil {
		return nil, fmt.Errorf("debugger: spawn: %w", err)
	}

	base, err := sess.LoadBase()
	if err != nil {
		sess.Kill()
		return nil, fmt.Errorf("debugger: read load base: %w", err)
	}

	entry := img.EntryVA
	if img.Type != elfmodel.TypeExecutable {
		entry = base + img.EntryVA
	}
	if arch == tracee.Arch32 {
		entry &= 0xffffffff
	}

	core := &Core{
		Image:    img,
		Store:    breakpoint.NewStore(),
		Tracee:   sess,
		Arch:     arch,
		PID:      sess.PID,
		Symbols:  buildSymbolIndex(img, base),
		LoadBase: base,
		EntryVA:  entry,
		disasm:   stdDisasm{},
	}

	if log.L != nil {
		log.L.Info("spawned tracee", log.PID(sess.PID), log.Addr(entry), log.Size(base))
	}

	if err := core.armEntryTrap(); err != nil {
		sess.Kill()
		return nil, fmt.Errorf("debugger: entry trap: %w", err)
	}

	return core, nil
}

// buildSymbolIndex resolves every function symbol to its runtime address,
// relative to base for a PIE image.
func buildSymbolIndex(img *elfmodel.ElfImage, base uint64) map[string]uint64 {
	out := make(map[string]uint64)
	for _, sym := range img.Symbols {
		if sym.Type != elfmodel.SymFunc || sym.Name == "" || sym.SectionIndex == elfmodel.ShnUndef {
			continue
		}
		if img.IsPIE() {
			out[sym.Name] = base + sym.Value
		} else {
			out[sym.Name] = sym.Value
		}
	}
	return out
}

// armEntryTrap plants a one-shot breakpoint at the entry point, continues
// past the loader, and restores the original word and PC so the session
// presents as stopped at the image's very first instruction.
func (c *Core) armEntryTrap() error {
	orig, err := c.Tracee.ReadWord(c.EntryVA)
	if err != nil {
		return err
	}
	if err := c.Tracee.WriteWord(c.EntryVA, tracee.WithTrap(orig)); err != nil {
		return err
	}
	if err := c.Tracee.Continue(0); err != nil {
		return err
	}
	ev, err := c.Tracee.Wait()
	if err != nil {
		return err
	}
	if ev.Reason != tracee.StopSignal || ev.Signal != int(unix.SIGTRAP) {
		return fmt.Errorf("debugger: unexpected event reaching entry: %+v", ev)
	}
	if err := c.Tracee.WriteWord(c.EntryVA, orig); err != nil {
		return err
	}
	return c.Tracee.SetPC(c.EntryVA)
}

func (c *Core) mode() disasm.Mode {
	if c.Arch == tracee.Arch32 {
		return disasm.Mode32
	}
	return disasm.Mode64
}

// resolveAddress accepts either a known symbol name or a hex address
// (with or without a "0x" prefix), the dual grammar "bp" exposes.
func (c *Core) resolveAddress(token string) (uint64, error) {
	if addr, ok := c.Symbols[token]; ok {
		return addr, nil
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(token, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is neither a known symbol nor a hex address", ErrInvalidInput, token)
	}
	return addr, nil
}

// rearmExceptPC re-traps every live breakpoint except one sitting at
// exceptPC, so continuing from a just-hit breakpoint doesn't immediately
// retrap on the very instruction the tracee is about to execute.
func (c *Core) rearmExceptPC(exceptPC uint64) error {
	for _, bp := range c.Store.All() {
		if !bp.Enabled || bp.Address == exceptPC {
			continue
		}
		if err := c.Tracee.WriteWord(bp.Address, tracee.WithTrap(bp.OriginalWord)); err != nil {
			return err
		}
	}
	return nil
}

// handleHit resolves a SIGTRAP stop against the breakpoint store. x86
// delivers control at break_addr+1; if a breakpoint matches PC-1 and the
// stop did not come from a single-step, the saved instruction word is
// restored and PC is rewound to the breakpoint address.
func (c *Core) handleHit(wasSingleStep bool) (*breakpoint.Breakpoint, error) {
	regs, err := c.Tracee.GetRegs()
	if err != nil {
		return nil, err
	}
	bp, ok := c.Store.FindByAddress(regs.Rip - 1)
	if !ok || wasSingleStep {
		return nil, nil
	}
	if err := c.Tracee.WriteWord(bp.Address, bp.OriginalWord); err != nil {
		return nil, err
	}
	if err := c.Tracee.SetPC(bp.Address); err != nil {
		return nil, err
	}
	return bp, nil
}

// afterStop classifies a wait() result: a tracee exit or fatal signal
// transitions the core to detached; a SIGTRAP runs breakpoint hit
// resolution; any other stop signal is left for the caller to surface.
func (c *Core) afterStop(ev tracee.Event, wasSingleStep bool) (tracee.Event, error) {
	switch ev.Reason {
	case tracee.StopExited, tracee.StopSignaled:
		c.Detached = true
		if log.L != nil {
			log.L.Info("tracee gone", log.PID(c.PID))
		}
		return ev, nil
	case tracee.StopSignal:
		if ev.Signal == int(unix.SIGTRAP) {
			if _, err := c.handleHit(wasSingleStep); err != nil {
				return ev, err
			}
		}
		return ev, nil
	default:
		return ev, nil
	}
}

// Continue re-arms every breakpoint except the one at the current PC and
// resumes the tracee until the next stop.
func (c *Core) Continue() (tracee.Event, error) {
	if c.Detached {
		return tracee.Event{}, ErrDetached
	}
	pc, err := c.Tracee.PC()
	if err != nil {
		return tracee.Event{}, err
	}
	if err := c.rearmExceptPC(pc); err != nil {
		return tracee.Event{}, err
	}
	if err := c.Tracee.Continue(0); err != nil {
		return tracee.Event{}, err
	}
	ev, err := c.Tracee.Wait()
	if err != nil {
		return ev, err
	}
	return c.afterStop(ev, false)
}

// SingleStep executes exactly one instruction.
func (c *Core) SingleStep() (tracee.Event, error) {
	if c.Detached {
		return tracee.Event{}, ErrDetached
	}
	if err := c.Tracee.SingleStep(); err != nil {
		return tracee.Event{}, err
	}
	ev, err := c.Tracee.Wait()
	if err != nil {
		return ev, err
	}
	return c.afterStop(ev, true)
}

// StepOver disassembles the instruction at the current PC, plants a
// scratch breakpoint immediately after it, and continues, skipping over a
// call instead of stepping into it. The scratch breakpoint never enters
// the user-visible store.
func (c *Core) StepOver() (tracee.Event, error) {
	if c.Detached {
		return tracee.Event{}, ErrDetached
	}
	pc, err := c.Tracee.PC()
	if err != nil {
		return tracee.Event{}, err
	}
	window, err := c.Tracee.ReadBytes(pc, 16)
	if err != nil {
		return tracee.Event{}, err
	}
	inst, err := c.disasm.Decode(window, pc, c.mode())
	if err != nil {
		return tracee.Event{}, fmt.Errorf("debugger: step-over: decode at %#x: %w", pc, err)
	}

	scratchAddr := pc + uint64(inst.Length)
	scratchOrig, err := c.Tracee.ReadWord(scratchAddr)
	if err != nil {
		return tracee.Event{}, err
	}
	if err := c.Tracee.WriteWord(scratchAddr, tracee.WithTrap(scratchOrig)); err != nil {
		return tracee.Event{}, err
	}

	if err := c.Tracee.Continue(0); err != nil {
		return tracee.Event{}, err
	}
	ev, err := c.Tracee.Wait()
	if err != nil {
		return ev, err
	}
	if ev.Reason != tracee.StopSignal {
		c.Detached = true
		return ev, nil
	}

	if err := c.Tracee.WriteWord(scratchAddr, scratchOrig); err != nil {
		return ev, err
	}
	if err := c.Tracee.SetPC(scratchAddr); err != nil {
		return ev, err
	}
	return ev, nil
}

// SetBreakpoint plants a breakpoint at a hex address or a known symbol
// name, recording the pre-trap word so it can be restored later.
func (c *Core) SetBreakpoint(addrOrName string) (*breakpoint.Breakpoint, error) {
	if c.Detached {
		return nil, ErrDetached
	}
	addr, err := c.resolveAddress(addrOrName)
	if err != nil {
		return nil, err
	}
	orig, err := c.Tracee.ReadWord(addr)
	if err != nil {
		return nil, err
	}
	bp, err := c.Store.Insert(addr, orig)
	if err != nil {
		return nil, err
	}
	if err := c.Tracee.WriteWord(addr, tracee.WithTrap(orig)); err != nil {
		c.Store.Delete(bp.ID)
		return nil, err
	}
	if log.L != nil {
		log.L.Debug("breakpoint set", log.BPID(bp.ID), log.Addr(addr))
	}
	return bp, nil
}

// DeleteBreakpoint removes a breakpoint by id, restoring the original word
// if the tracee is still alive.
func (c *Core) DeleteBreakpoint(id int) error {
	bp, err := c.Store.Get(id)
	if err != nil {
		return err
	}
	if !c.Detached {
		if err := c.Tracee.WriteWord(bp.Address, bp.OriginalWord); err != nil {
			return err
		}
	}
	return c.Store.Delete(id)
}

// ListBreakpoints returns every live breakpoint in insertion order.
func (c *Core) ListBreakpoints() []*breakpoint.Breakpoint {
	return c.Store.All()
}

// Examine reads count consecutive machine words starting at addr.
func (c *Core) Examine(addr uint64, count int) ([]uint64, error) {
	if c.Detached {
		return nil, ErrDetached
	}
	wordSize := uint64(c.Arch.WordSize())
	out := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		w, err := c.Tracee.ReadWord(addr + uint64(i)*wordSize)
		if err != nil {
			return out, err
		}
		out = append(out, w)
	}
	return out, nil
}

// SetRegister writes a named register.
func (c *Core) SetRegister(name string, value uint64) error {
	if c.Detached {
		return ErrDetached
	}
	return c.Tracee.SetRegisterByName(name, value)
}

// SetMemory writes one machine word at addr.
func (c *Core) SetMemory(addr, value uint64) error {
	if c.Detached {
		return ErrDetached
	}
	return c.Tracee.WriteWord(addr, value)
}

// VMMap re-reads the tracee's memory map.
func (c *Core) VMMap() (string, error) {
	if c.Detached {
		return "", ErrDetached
	}
	return c.Tracee.Maps()
}

// ListSymbols returns the resolved symbol index.
func (c *Core) ListSymbols() map[string]uint64 {
	return c.Symbols
}

// Context snapshots registers, flags, a disassembly window at the current
// PC, and the leading stack words.
func (c *Core) Context() (Context, error) {
	if c.Detached {
		return Context{}, ErrDetached
	}
	regs, err := c.Tracee.AllRegisters()
	if err != nil {
		return Context{}, err
	}
	flags, err := c.Tracee.FlagStates()
	if err != nil {
		return Context{}, err
	}
	pc, err := c.Tracee.PC()
	if err != nil {
		return Context{}, err
	}
	window, err := c.Tracee.ReadBytes(pc, 160)
	if err != nil {
		return Context{}, err
	}
	code := c.disasm.Sequence(window, pc, c.mode(), 20)

	sp, err := c.Tracee.SP()
	if err != nil {
		return Context{}, err
	}
	wordSize := uint64(c.Arch.WordSize())
	stack := make([]uint64, 0, 10)
	for i := 0; i < 10; i++ {
		w, err := c.Tracee.ReadWord(sp + uint64(i)*wordSize)
		if err != nil {
			break
		}
		stack = append(stack, w)
	}
	return Context{Registers: regs, Flags: flags, Code: code, Stack: stack}, nil
}

// Quit kills the tracee. Safe to call on an already-detached session.
func (c *Core) Quit() error {
	if c.Detached {
		return nil
	}
	return c.Tracee.Kill()
}
