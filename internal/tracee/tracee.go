//go:build linux

// Package tracee implements ptrace-based control of a single traced child
// process: spawning it from an in-memory ELF blob via memfd_create (no
// temporary file ever touches the filesystem), reading and writing the
// natural machine word at an address, reading and writing the full
// register set, and driving execution with continue/single-step/wait.
//
// Linux only: ptrace's wire format and the memfd-exec trick are both
// Linux-specific, matching the scope of the debugger core this package
// backs.
package tracee

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Arch selects the natural machine word width of the tracee.
type Arch int

const (
	Arch32 Arch = 32
	Arch64 Arch = 64
)

// WordSize returns the natural machine word size in bytes.
func (a Arch) WordSize() int {
	if a == Arch32 {
		return 4
	}
	return 8
}

// Registers is the full general-purpose register set, as read by
// PTRACE_GETREGS.
type Registers = unix.PtraceRegs

// Errors recoverable by the debugger core and dispatcher; never a panic.
var (
	ErrTraceeGone  = errors.New("tracee: process is gone")
	ErrSpawnFailed = errors.New("tracee: spawn failed")
	ErrMemoryFault = errors.New("tracee: memory fault")
)

// TrapByte is the INT3 software-breakpoint opcode.
const TrapByte = 0xCC

// WithTrap returns word with its low byte replaced by the INT3 opcode,
// preserving every other byte.
func WithTrap(word uint64) uint64 {
	return (word &^ 0xff) | TrapByte
}

// StopReason classifies a Wait result.
type StopReason int

const (
	StopUnknown StopReason = iota
	StopSignal             // stopped by a signal (SIGTRAP on a breakpoint, typically)
	StopExited             // the tracee called _exit
	StopSignaled           // the tracee was killed by a signal
)

// Event is one wait() outcome.
type Event struct {
	Reason   StopReason
	Signal   int // valid for StopSignal and StopSignaled
	ExitCode int // valid for StopExited
}

// Session owns one traced child process.
type Session struct {
	PID    int
	Arch   Arch
	proc   *os.Process
	exited bool
}

// Spawn writes blob to an anonymous memfd and execs it under ptrace; the
// blob never touches the filesystem. Go's runtime forbids running
// arbitrary code between fork and exec (goroutines and the scheduler make
// that unsafe), so the memfd is created and populated here, in the parent,
// before the child exists; the child inherits the descriptor across fork
// and execs "/proc/self/fd/<n>", which resolves against its own inherited
// descriptor table.
func Spawn(blob []byte, arch Arch, extraArgs []string) (*Session, error) {
	fd, err := unix.MemfdCreate("baseer-tracee", 0)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd_create: %v", ErrSpawnFailed, err)
	}
	memfd := os.NewFile(uintptr(fd), "baseer-tracee")
	defer memfd.Close()

	if _, err := memfd.Write(blob); err != nil {
		return nil, fmt.Errorf("%w: write blob: %v", ErrSpawnFailed, err)
	}

	path := fmt.Sprintf("/proc/self/fd/%d", fd)
	argv := append([]string{"tracee"}, extraArgs...)

	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Pdeathsig: syscall.SIGKILL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start process: %v", ErrSpawnFailed, err)
	}

	s := &Session{PID: proc.Pid, Arch: arch, proc: proc}

	if ev, err := s.Wait(); err != nil {
		return nil, fmt.Errorf("%w: initial stop: %v", ErrSpawnFailed, err)
	} else if ev.Reason != StopSignal {
		return nil, fmt.Errorf("%w: unexpected initial event %+v", ErrSpawnFailed, ev)
	}
	if err := unix.PtraceSetOptions(s.PID, unix.PTRACE_O_EXITKILL); err != nil {
		return nil, fmt.Errorf("%w: set options: %v", ErrSpawnFailed, err)
	}

	return s, nil
}

func (s *Session) checkAlive() error {
	if s.exited {
		return ErrTraceeGone
	}
	return nil
}

// Wait blocks until the tracee changes state and classifies the result.
// Once it reports StopExited or StopSignaled, the session is marked dead:
// every further resume, register, and memory operation returns
// ErrTraceeGone, and Kill and Detach return nil without acting.
func (s *Session) Wait() (Event, error) {
	var status unix.WaitStatus
	if _, err := unix.Wait4(s.PID, &status, 0, nil); err != nil {
		return Event{}, fmt.Errorf("tracee: wait4: %w", err)
	}
	switch {
	case status.Exited():
		s.exited = true
		return Event{Reason: StopExited, ExitCode: status.ExitStatus()}, nil
	case status.Signaled():
		s.exited = true
		return Event{Reason: StopSignaled, Signal: int(status.Signal())}, nil
	case status.Stopped():
		return Event{Reason: StopSignal, Signal: int(status.StopSignal())}, nil
	default:
		return Event{}, fmt.Errorf("tracee: unrecognized wait status %#x", status)
	}
}

// Continue resumes execution, delivering sig (0 for none) on resume.
func (s *Session) Continue(sig int) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if err := unix.PtraceCont(s.PID, sig); err != nil {
		return fmt.Errorf("tracee: cont: %w", err)
	}
	return nil
}

// SingleStep executes exactly one instruction.
func (s *Session) SingleStep() error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if err := unix.PtraceSingleStep(s.PID); err != nil {
		return fmt.Errorf("tracee: singlestep: %w", err)
	}
	return nil
}

// Kill forcibly terminates the tracee.
func (s *Session) Kill() error {
	if s.exited {
		return nil
	}
	return unix.Kill(s.PID, unix.SIGKILL)
}

// Detach stops tracing, letting the tracee continue running unsupervised.
func (s *Session) Detach() error {
	if s.exited {
		return nil
	}
	return unix.PtraceDetach(s.PID)
}

// GetRegs reads the full register set.
func (s *Session) GetRegs() (Registers, error) {
	var regs Registers
	if err := s.checkAlive(); err != nil {
		return regs, err
	}
	if err := unix.PtraceGetRegs(s.PID, &regs); err != nil {
		return regs, fmt.Errorf("tracee: getregs: %w", err)
	}
	return regs, nil
}

// SetRegs writes the full register set.
func (s *Session) SetRegs(regs *Registers) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if err := unix.PtraceSetRegs(s.PID, regs); err != nil {
		return fmt.Errorf("tracee: setregs: %w", err)
	}
	return nil
}

// PC returns the current instruction pointer, masked to 32 bits for a
// 32-bit tracee.
func (s *Session) PC() (uint64, error) {
	regs, err := s.GetRegs()
	if err != nil {
		return 0, err
	}
	pc := regs.Rip
	if s.Arch == Arch32 {
		pc &= 0xffffffff
	}
	return pc, nil
}

// SetPC sets the instruction pointer.
func (s *Session) SetPC(pc uint64) error {
	regs, err := s.GetRegs()
	if err != nil {
		return err
	}
	regs.Rip = pc
	return s.SetRegs(&regs)
}

// SP returns the current stack pointer.
func (s *Session) SP() (uint64, error) {
	regs, err := s.GetRegs()
	if err != nil {
		return 0, err
	}
	return regs.Rsp, nil
}

// ReadWord reads one natural machine word (4 bytes for a 32-bit tracee, 8
// for 64-bit) at addr.
func (s *Session) ReadWord(addr uint64) (uint64, error) {
	if err := s.checkAlive(); err != nil {
		return 0, err
	}
	buf := make([]byte, s.Arch.WordSize())
	n, err := unix.PtracePeekText(s.PID, uintptr(addr), buf)
	if err != nil {
		return 0, fmt.Errorf("%w: peek at %#x: %v", ErrMemoryFault, addr, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("%w: short peek at %#x: got %d bytes, want %d", ErrMemoryFault, addr, n, len(buf))
	}
	return decodeWord(buf), nil
}

// WriteWord writes one natural machine word at addr.
func (s *Session) WriteWord(addr, word uint64) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	buf := encodeWord(word, s.Arch.WordSize())
	n, err := unix.PtracePokeText(s.PID, uintptr(addr), buf)
	if err != nil {
		return fmt.Errorf("%w: poke at %#x: %v", ErrMemoryFault, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: short poke at %#x", ErrMemoryFault, addr)
	}
	return nil
}

// ReadBytes reads an arbitrary-length span of tracee memory, used by the
// disassembler to fetch a decode window ahead of the program counter.
func (s *Session) ReadBytes(addr uint64, n int) ([]byte, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := unix.PtracePeekText(s.PID, uintptr(addr), buf)
	if err != nil {
		return nil, fmt.Errorf("%w: peek at %#x: %v", ErrMemoryFault, addr, err)
	}
	return buf[:got], nil
}

func decodeWord(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}

func encodeWord(word uint64, size int) []byte {
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(word >> (8 * uint(i)))
	}
	return buf
}

// Maps returns the raw contents of /proc/<pid>/maps.
func (s *Session) Maps() (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", s.PID))
	if err != nil {
		return "", fmt.Errorf("tracee: read maps: %w", err)
	}
	return string(data), nil
}

// LoadBase returns the first mapped address in /proc/<pid>/maps, which is
// the relocation base the loader chose for a PIE image.
func (s *Session) LoadBase() (uint64, error) {
	maps, err := s.Maps()
	if err != nil {
		return 0, err
	}
	return parseLoadBase(maps)
}

func parseLoadBase(maps string) (uint64, error) {
	line := maps
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	dash := strings.IndexByte(line, '-')
	if dash < 0 {
		return 0, fmt.Errorf("tracee: malformed maps line %q", line)
	}
	base, err := strconv.ParseUint(line[:dash], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("tracee: parse load base: %w", err)
	}
	return base, nil
}

// RegisterValue pairs a register name with its value, in the fixed order a
// register dump displays them.
type RegisterValue struct {
	Name  string
	Value uint64
}

// AllRegisters returns the general-purpose registers in display order.
func (s *Session) AllRegisters() ([]RegisterValue, error) {
	regs, err := s.GetRegs()
	if err != nil {
		return nil, err
	}
	return []RegisterValue{
		{"rax", regs.Rax}, {"rbx", regs.Rbx}, {"rcx", regs.Rcx}, {"rdx", regs.Rdx},
		{"rsi", regs.Rsi}, {"rdi", regs.Rdi}, {"rbp", regs.Rbp}, {"rsp", regs.Rsp},
		{"rip", regs.Rip},
		{"r8", regs.R8}, {"r9", regs.R9}, {"r10", regs.R10}, {"r11", regs.R11},
		{"r12", regs.R12}, {"r13", regs.R13}, {"r14", regs.R14}, {"r15", regs.R15},
		{"eflags", regs.Eflags},
	}, nil
}

// flagBits pairs an x86 EFLAGS mnemonic with its bit position, in display
// order.
var flagBits = []struct {
	Name string
	Bit  uint
}{
	{"CF", 0}, {"PF", 2}, {"AF", 4}, {"ZF", 6}, {"SF", 7},
	{"TF", 8}, {"IF", 9}, {"DF", 10}, {"OF", 11},
}

// FlagState is one EFLAGS bit's display state.
type FlagState struct {
	Name string
	Set  bool
}

// FlagStates reports every tracked EFLAGS bit, in fixed display order.
func (s *Session) FlagStates() ([]FlagState, error) {
	regs, err := s.GetRegs()
	if err != nil {
		return nil, err
	}
	out := make([]FlagState, len(flagBits))
	for i, f := range flagBits {
		out[i] = FlagState{Name: f.Name, Set: regs.Eflags&(1<<f.Bit) != 0}
	}
	return out, nil
}

// RegisterByName returns the value of a named general-purpose register,
// case-insensitive, accepting both the 64-bit names and their 32-bit
// aliases.
func (s *Session) RegisterByName(name string) (uint64, error) {
	regs, err := s.GetRegs()
	if err != nil {
		return 0, err
	}
	v, ok := registerField(&regs, name)
	if !ok {
		return 0, fmt.Errorf("tracee: unknown register %q", name)
	}
	return v, nil
}

// SetRegisterByName sets a named general-purpose register.
func (s *Session) SetRegisterByName(name string, value uint64) error {
	regs, err := s.GetRegs()
	if err != nil {
		return err
	}
	if !setRegisterField(&regs, name, value) {
		return fmt.Errorf("tracee: unknown register %q", name)
	}
	return s.SetRegs(&regs)
}

func registerField(regs *Registers, name string) (uint64, bool) {
	switch strings.ToLower(name) {
	case "rax", "eax":
		return regs.Rax, true
	case "rbx", "ebx":
		return regs.Rbx, true
	case "rcx", "ecx":
		return regs.Rcx, true
	case "rdx", "edx":
		return regs.Rdx, true
	case "rsi", "esi":
		return regs.Rsi, true
	case "rdi", "edi":
		return regs.Rdi, true
	case "rbp", "ebp":
		return regs.Rbp, true
	case "rsp", "esp":
		return regs.Rsp, true
	case "rip", "eip", "pc":
		return regs.Rip, true
	case "r8":
		return regs.R8, true
	case "r9":
		return regs.R9, true
	case "r10":
		return regs.R10, true
	case "r11":
		return regs.R11, true
	case "r12":
		return regs.R12, true
	case "r13":
		return regs.R13, true
	case "r14":
		return regs.R14, true
	case "r15":
		return regs.R15, true
	case "eflags", "rflags":
		return regs.Eflags, true
	}
	return 0, false
}

func setRegisterField(regs *Registers, name string, value uint64) bool {
	switch strings.ToLower(name) {
	case "rax", "eax":
		regs.Rax = value
	case "rbx", "ebx":
		regs.Rbx = value
	case "rcx", "ecx":
		regs.Rcx = value
	case "rdx", "edx":
		regs.Rdx = value
	case "rsi", "esi":
		regs.Rsi = value
	case "rdi", "edi":
		regs.Rdi = value
	case "rbp", "ebp":
		regs.Rbp = value
	case "rsp", "esp":
		regs.Rsp = value
	case "rip", "eip", "pc":
		regs.Rip = value
	case "r8":
		regs.R8 = value
	case "r9":
		regs.R9 = value
	case "r10":
		regs.R10 = value
	case "r11":
		regs.R11 = value
	case "r12":
		regs.R12 = value
	case "r13":
		regs.R13 = value
	case "r14":
		regs.R14 = value
	case "r15":
		regs.R15 = value
	case "eflags", "rflags":
		regs.Eflags = value
	default:
		return false
	}
	return true
}
