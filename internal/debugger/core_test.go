//go:build linux

package debugger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/thxa/baseer/internal/breakpoint"
	"github.com/thxa/baseer/internal/disasm"
	"github.com/thxa/baseer/internal/elfmodel"
	"github.com/thxa/baseer/internal/tracee"
)

// fakeTracee is a scripted Controller: word-granular memory in a map,
// a register file, and a queue of canned Wait results.
type fakeTracee struct {
	mem    map[uint64]uint64
	regs   tracee.Registers
	events []tracee.Event
	named  map[string]uint64
	maps   string
	killed bool
}

func newFakeTracee() *fakeTracee {
	return &fakeTracee{
		mem:   make(map[uint64]uint64),
		named: make(map[string]uint64),
	}
}

func (f *fakeTracee) ReadWord(addr uint64) (uint64, error) {
	w, ok := f.mem[addr]
	if !ok {
		return 0, fmt.Errorf("%w: peek at %#x", tracee.ErrMemoryFault, addr)
	}
	return w, nil
}

func (f *fakeTracee) WriteWord(addr, word uint64) error {
	if _, ok := f.mem[addr]; !ok {
		return fmt.Errorf("%w: poke at %#x", tracee.ErrMemoryFault, addr)
	}
	f.mem[addr] = word
	return nil
}

func (f *fakeTracee) ReadBytes(addr uint64, n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (f *fakeTracee) GetRegs() (tracee.Registers, error) { return f.regs, nil }
func (f *fakeTracee) PC() (uint64, error)                { return f.regs.Rip, nil }
func (f *fakeTracee) SetPC(pc uint64) error              { f.regs.Rip = pc; return nil }
func (f *fakeTracee) SP() (uint64, error)                { return f.regs.Rsp, nil }
func (f *fakeTracee) Continue(sig int) error             { return nil }
func (f *fakeTracee) SingleStep() error                  { return nil }

func (f *fakeTracee) Wait() (tracee.Event, error) {
	if len(f.events) == 0 {
		return tracee.Event{}, errors.New("fakeTracee: no scripted events left")
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeTracee) Maps() (string, error) { return f.maps, nil }
func (f *fakeTracee) Kill() error           { f.killed = true; return nil }

func (f *fakeTracee) SetRegisterByName(name string, value uint64) error {
	f.named[name] = value
	return nil
}

func (f *fakeTracee) AllRegisters() ([]tracee.RegisterValue, error) {
	return []tracee.RegisterValue{{Name: "rip", Value: f.regs.Rip}}, nil
}

func (f *fakeTracee) FlagStates() ([]tracee.FlagState, error) { return nil, nil }

// fakeDisasm yields instructions of one fixed length, enough for the
// step-over logic which only ever looks at Length.
type fakeDisasm struct{ length int }

func (f fakeDisasm) Decode(code []byte, addr uint64, mode disasm.Mode) (disasm.Instruction, error) {
	return disasm.Instruction{Address: addr, Length: f.length, Mnemonic: "call"}, nil
}

func (f fakeDisasm) Sequence(code []byte, addr uint64, mode disasm.Mode, count int) []disasm.Instruction {
	return nil
}

func trapEvent() tracee.Event {
	return tracee.Event{Reason: tracee.StopSignal, Signal: 5} // SIGTRAP
}

func newTestCore(ft *fakeTracee) *Core {
	return &Core{
		Store:   breakpoint.NewStore(),
		Tracee:  ft,
		Arch:    tracee.Arch64,
		Symbols: map[string]uint64{"main": 0x401120},
		disasm:  fakeDisasm{length: 5},
	}
}

func TestSetBreakpointArmsTrapWord(t *testing.T) {
	ft := newFakeTracee()
	const orig = uint64(0x1122334455667788)
	ft.mem[0x401120] = orig

	c := newTestCore(ft)
	bp, err := c.SetBreakpoint("main")
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if bp.Address != 0x401120 {
		t.Errorf("Address = %#x, want 0x401120 (the symbol index's address)", bp.Address)
	}
	if bp.OriginalWord != orig {
		t.Errorf("OriginalWord = %#x, want %#x", bp.OriginalWord, orig)
	}
	got := ft.mem[0x401120]
	if got&0xff != tracee.TrapByte {
		t.Errorf("low byte = %#x, want 0xCC", got&0xff)
	}
	if got>>8 != orig>>8 {
		t.Errorf("upper bytes = %#x, want %#x preserved", got>>8, orig>>8)
	}
}

func TestSetBreakpointDuplicateRejected(t *testing.T) {
	ft := newFakeTracee()
	ft.mem[0x401120] = 0xabcd

	c := newTestCore(ft)
	if _, err := c.SetBreakpoint("0x401120"); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	armed := ft.mem[0x401120]

	_, err := c.SetBreakpoint("main") // same address via the symbol index
	if !errors.Is(err, breakpoint.ErrDuplicateAddress) {
		t.Fatalf("err = %v, want ErrDuplicateAddress", err)
	}
	if c.Store.Len() != 1 {
		t.Errorf("store len = %d, want 1", c.Store.Len())
	}
	if ft.mem[0x401120] != armed {
		t.Errorf("memory changed on rejected insert: %#x, want %#x", ft.mem[0x401120], armed)
	}
}

func TestDeleteBreakpointRestoresMemory(t *testing.T) {
	ft := newFakeTracee()
	const orig = uint64(0xdeadbeefcafef00d)
	ft.mem[0x401120] = orig

	c := newTestCore(ft)
	bp, err := c.SetBreakpoint("main")
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if err := c.DeleteBreakpoint(bp.ID); err != nil {
		t.Fatalf("DeleteBreakpoint: %v", err)
	}
	if ft.mem[0x401120] != orig {
		t.Errorf("memory = %#x, want %#x restored byte for byte", ft.mem[0x401120], orig)
	}
	if c.Store.Len() != 0 {
		t.Errorf("store len = %d, want 0", c.Store.Len())
	}
}

func TestContinueRewindsPCOnHit(t *testing.T) {
	ft := newFakeTracee()
	const addr = uint64(0x401120)
	const orig = uint64(0x55667788)
	ft.mem[addr] = orig

	c := newTestCore(ft)
	if _, err := c.SetBreakpoint("main"); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	// The trap exception delivers control at break_addr+1.
	ft.regs.Rip = addr + 1
	ft.events = []tracee.Event{trapEvent()}

	ev, err := c.Continue()
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Reason != tracee.StopSignal {
		t.Fatalf("Reason = %v, want StopSignal", ev.Reason)
	}
	if ft.regs.Rip != addr {
		t.Errorf("rip = %#x, want %#x (rewound to the breakpoint)", ft.regs.Rip, addr)
	}
	if ft.mem[addr] != orig {
		t.Errorf("memory = %#x, want original word %#x restored", ft.mem[addr], orig)
	}
	if bp, ok := c.Store.FindByAddress(addr); !ok || bp.ID != 1 {
		t.Errorf("breakpoint missing from store after hit")
	}
}

func TestSingleStepDoesNotRestoreBreakpoint(t *testing.T) {
	ft := newFakeTracee()
	const addr = uint64(0x401120)
	ft.mem[addr] = 0x1234

	c := newTestCore(ft)
	if _, err := c.SetBreakpoint("main"); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	armed := ft.mem[addr]

	// A single-step trap lands at addr+1 too, but must not be treated as a
	// breakpoint hit.
	ft.regs.Rip = addr + 1
	ft.events = []tracee.Event{trapEvent()}

	if _, err := c.SingleStep(); err != nil {
		t.Fatalf("SingleStep: %v", err)
	}
	if ft.regs.Rip != addr+1 {
		t.Errorf("rip = %#x, want %#x unchanged", ft.regs.Rip, addr+1)
	}
	if ft.mem[addr] != armed {
		t.Errorf("memory = %#x, want trap word left in place", ft.mem[addr])
	}
	if c.Store.Len() != 1 {
		t.Errorf("store len = %d, want 1 unchanged", c.Store.Len())
	}
}

func TestStepOverScratchBreakpointInvisible(t *testing.T) {
	ft := newFakeTracee()
	const pc = uint64(0x40115a)
	const after = pc + 5 // fakeDisasm reports a 5-byte call
	const scratchOrig = uint64(0x9090909090909090)
	ft.mem[after] = scratchOrig
	ft.regs.Rip = pc
	ft.events = []tracee.Event{trapEvent()}

	c := newTestCore(ft)
	if _, err := c.StepOver(); err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	if ft.regs.Rip != after {
		t.Errorf("rip = %#x, want %#x", ft.regs.Rip, after)
	}
	if ft.mem[after] != scratchOrig {
		t.Errorf("memory = %#x, want scratch word %#x restored", ft.mem[after], scratchOrig)
	}
	if c.Store.Len() != 0 {
		t.Errorf("store len = %d, want 0: the scratch breakpoint must stay invisible", c.Store.Len())
	}
}

func TestExamineMatchesWordwiseReads(t *testing.T) {
	ft := newFakeTracee()
	const base = uint64(0x7fff0000)
	want := []uint64{0x11, 0x22, 0x33, 0x44}
	for i, w := range want {
		ft.mem[base+uint64(i)*8] = w
	}

	c := newTestCore(ft)
	got, err := c.Examine(base, len(want))
	if err != nil {
		t.Fatalf("Examine: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %#x, want %#x", i, got[i], want[i])
		}
		one, err := c.Examine(base+uint64(i)*8, 1)
		if err != nil {
			t.Fatalf("Examine single word %d: %v", i, err)
		}
		if one[0] != want[i] {
			t.Errorf("single read %d = %#x, want %#x", i, one[0], want[i])
		}
	}
}

func TestExamineUnmappedKeepsSessionAlive(t *testing.T) {
	ft := newFakeTracee()
	c := newTestCore(ft)

	_, err := c.Examine(0xdeadbeef, 1)
	if !errors.Is(err, tracee.ErrMemoryFault) {
		t.Fatalf("err = %v, want ErrMemoryFault", err)
	}
	if c.Detached {
		t.Errorf("Detached = true after a memory fault, want session still alive")
	}
	if got := c.ListBreakpoints(); len(got) != 0 {
		t.Errorf("ListBreakpoints = %v, want empty but functional", got)
	}
}

func TestSetRegisterReachesTracee(t *testing.T) {
	ft := newFakeTracee()
	c := newTestCore(ft)

	if err := c.SetRegister("rax", 0x41); err != nil {
		t.Fatalf("SetRegister: %v", err)
	}
	if ft.named["rax"] != 0x41 {
		t.Errorf("rax = %#x, want 0x41", ft.named["rax"])
	}
}

func TestTraceeExitDetaches(t *testing.T) {
	ft := newFakeTracee()
	ft.events = []tracee.Event{{Reason: tracee.StopExited, ExitCode: 0}}

	c := newTestCore(ft)
	ev, err := c.Continue()
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if ev.Reason != tracee.StopExited {
		t.Fatalf("Reason = %v, want StopExited", ev.Reason)
	}
	if !c.Detached {
		t.Fatalf("Detached = false after exit, want true")
	}

	if _, err := c.Continue(); !errors.Is(err, ErrDetached) {
		t.Errorf("Continue after exit: err = %v, want ErrDetached", err)
	}
	if _, err := c.Examine(0x1000, 1); !errors.Is(err, ErrDetached) {
		t.Errorf("Examine after exit: err = %v, want ErrDetached", err)
	}
	if err := c.Quit(); err != nil {
		t.Errorf("Quit after exit: %v, want nil", err)
	}
	if ft.killed {
		t.Errorf("Kill issued on an already-exited tracee")
	}
}

func TestVMMapReturnsMapsText(t *testing.T) {
	ft := newFakeTracee()
	ft.maps = "401000-402000 r-xp 00000000 00:00 0\n"
	c := newTestCore(ft)
	got, err := c.VMMap()
	if err != nil {
		t.Fatalf("VMMap: %v", err)
	}
	if got != ft.maps {
		t.Errorf("VMMap = %q, want %q", got, ft.maps)
	}
}

func TestResolveAddressBySymbol(t *testing.T) {
	c := &Core{Symbols: map[string]uint64{"main": 0x401136}}
	addr, err := c.resolveAddress("main")
	if err != nil {
		t.Fatalf("resolveAddress: %v", err)
	}
	if addr != 0x401136 {
		t.Errorf("addr = %#x, want 0x401136", addr)
	}
}

func TestResolveAddressByHex(t *testing.T) {
	c := &Core{Symbols: map[string]uint64{}}
	for _, token := range []string{"0x401136", "401136"} {
		addr, err := c.resolveAddress(token)
		if err != nil {
			t.Fatalf("resolveAddress(%q): %v", token, err)
		}
		if addr != 0x401136 {
			t.Errorf("resolveAddress(%q) = %#x, want 0x401136", token, addr)
		}
	}
}

func TestResolveAddressUnknown(t *testing.T) {
	c := &Core{Symbols: map[string]uint64{}}
	_, err := c.resolveAddress("not_a_symbol_or_hex")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestBuildSymbolIndexSkipsNonFunctions(t *testing.T) {
	img := &elfmodel.ElfImage{
		Type: elfmodel.TypeExecutable,
		Symbols: []elfmodel.Symbol{
			{Name: "main", Type: elfmodel.SymFunc, Value: 0x1000, SectionIndex: 1},
			{Name: "undefined_fn", Type: elfmodel.SymFunc, Value: 0, SectionIndex: elfmodel.ShnUndef},
			{Name: "a_variable", Type: 1, Value: 0x2000, SectionIndex: 1},
			{Name: "", Type: elfmodel.SymFunc, Value: 0x3000, SectionIndex: 1},
		},
	}
	got := buildSymbolIndex(img, 0)
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1: %+v", len(got), got)
	}
	if got["main"] != 0x1000 {
		t.Errorf("main = %#x, want 0x1000", got["main"])
	}
}

func TestModeFollowsArch(t *testing.T) {
	c := &Core{Arch: tracee.Arch32}
	if got := c.mode(); got != disasm.Mode32 {
		t.Errorf("mode() = %v, want Mode32", got)
	}
	c.Arch = tracee.Arch64
	if got := c.mode(); got != disasm.Mode64 {
		t.Errorf("mode() = %v, want Mode64", got)
	}
}
