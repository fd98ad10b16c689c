// Package osdbg isolates every OS-specific primitive the core needs
// behind one facade, per the platform-binding design note in spec §9:
// "All platform-specific struct layouts belong in that facade, not in
// the core." Backend is consumed by target, ctxgate, breakpoint and
// eventloop; none of those packages import syscalls directly.
package osdbg

import "fmt"

// Arch identifies the bitness the core sizes contexts and addresses for.
type Arch int

const (
	Arch32 Arch = iota
	Arch64
)

// Protection mirrors the page-protection classes spec §4.A groups
// readable regions by: {R, RW, RX, RWX, WRITECOPY}, plus NoAccess for
// everything else.
type Protection int

const (
	NoAccess Protection = iota
	R
	RW
	RX
	RWX
	WriteCopy
)

// Readable reports whether a region with this protection is one of the
// readable classes spec §4.A names.
func (p Protection) Readable() bool {
	switch p {
	case R, RW, RX, RWX, WriteCopy:
		return true
	default:
		return false
	}
}

func (p Protection) String() string {
	switch p {
	case R:
		return "R"
	case RW:
		return "RW"
	case RX:
		return "RX"
	case RWX:
		return "RWX"
	case WriteCopy:
		return "WRITECOPY"
	default:
		return "NOACCESS"
	}
}

// RegionType distinguishes mapped (file-backed, not MEM_IMAGE/MEM_PRIVATE)
// memory from everything else; spec §4.A excludes MAPPED from "readable".
type RegionType int

const (
	TypePrivate RegionType = iota
	TypeImage
	TypeMapped
)

// MemoryRegion is one VirtualQueryEx-style region.
type MemoryRegion struct {
	BaseAddress uint64
	Size        uint64
	Protect     Protection
	Type        RegionType
}

// Readable reports whether this region counts as readable per spec §4.A:
// protection in the readable set AND type is not Mapped.
func (r MemoryRegion) Readable() bool {
	return r.Protect.Readable() && r.Type != TypeMapped
}

// ModuleInfo describes one loaded module.
type ModuleInfo struct {
	Name string
	Path string
	Base uint64
	Size uint64
}

// ProcessInfo describes one running process, as returned by a
// toolhelp-snapshot-style process enumeration.
type ProcessInfo struct {
	PID  uint32
	PPID uint32
	Name string
}

// ProcessHandle and ThreadHandle are opaque OS handles: an internal
// backend-assigned ID plus the native word a real backend would have
// received from OpenProcess/OpenThread. The core never interprets
// Native; it exists so a Backend can round-trip the real handle
// without the core importing syscall types.
type ProcessHandle struct {
	ID     uint32
	Native uintptr
}

type ThreadHandle struct {
	ID     uint32
	Native uintptr
}

// Context is the full register snapshot of one thread: general-purpose
// registers widened to uint64, the flags register, and the debug
// control registers (DR0-DR3 address slots, DR6 status, DR7 control)
// spec §4.D programs directly.
type Context struct {
	Arch Arch

	PC    uint64
	SP    uint64
	BP    uint64
	Flags uint64

	// General purpose, keyed by canonical name ("RAX", "RCX", ... or
	// "EAX", "ECX", ... for 32-bit). Named access avoids a platform
	// struct leaking past this package.
	GP map[string]uint64

	Dr0, Dr1, Dr2, Dr3 uint64
	Dr6, Dr7           uint64
}

// Clone returns a deep copy so callers can mutate a Context they
// obtained from GetThreadContext without aliasing the gate's buffer.
func (c *Context) Clone() *Context {
	cp := *c
	cp.GP = make(map[string]uint64, len(c.GP))
	for k, v := range c.GP {
		cp.GP[k] = v
	}
	return &cp
}

// TrapFlagBit is the x86 EFLAGS bit that arms single-step.
const TrapFlagBit = 1 << 8

// SetTrapFlag sets the trap flag in Flags, causing one single-step
// exception after the next instruction retires (spec Glossary).
func (c *Context) SetTrapFlag() { c.Flags |= TrapFlagBit }

// TrapFlagSet reports whether the trap flag is currently set.
func (c *Context) TrapFlagSet() bool { return c.Flags&TrapFlagBit != 0 }

// ClearTrapFlag clears the trap flag in Flags.
func (c *Context) ClearTrapFlag() { c.Flags &^= TrapFlagBit }

// DebugEventKind enumerates the platform debug-event classes spec §4.E
// dispatches on.
type DebugEventKind int

const (
	EventException DebugEventKind = iota
	EventCreateProcess
	EventExitProcess
	EventCreateThread
	EventExitThread
	EventLoadDLL
	EventUnloadDLL
	EventOutputDebugString
	EventRIP
)

func (k DebugEventKind) String() string {
	switch k {
	case EventException:
		return "Exception"
	case EventCreateProcess:
		return "CreateProcess"
	case EventExitProcess:
		return "ExitProcess"
	case EventCreateThread:
		return "CreateThread"
	case EventExitThread:
		return "ExitThread"
	case EventLoadDLL:
		return "LoadDLL"
	case EventUnloadDLL:
		return "UnloadDLL"
	case EventOutputDebugString:
		return "OutputDebugString"
	case EventRIP:
		return "RIP"
	default:
		return fmt.Sprintf("DebugEventKind(%d)", int(k))
	}
}

// ExceptionClass is the exception-subtype table spec §4.5 keys
// Settings' "pause on" switches by.
type ExceptionClass int

const (
	ExceptionBreakpoint ExceptionClass = iota
	ExceptionSingleStep
	ExceptionAccessViolation
	ExceptionGuardPage
	ExceptionIllegalInstruction
	ExceptionOther
)

// DebugEvent is one platform debug event.
type DebugEvent struct {
	Kind      DebugEventKind
	ProcessID uint32
	ThreadID  uint32

	// Populated when Kind == EventException.
	ExceptionClass   ExceptionClass
	ExceptionCode    uint32
	ExceptionAddress uint64
	FirstChance      bool

	// Populated when Kind is a load/unload-DLL or create-process event.
	ModuleBase uint64
	ModulePath string

	// Populated when Kind == EventExitProcess or EventExitThread.
	ExitCode uint32
}

// ContinueStatus is passed to ContinueDebugEvent: whether the hook
// consumed the exception or wants the target's own handlers to run.
type ContinueStatus int

const (
	StatusContinue ContinueStatus = iota
	StatusExceptionNotHandled
)

// Backend is every OS primitive the core consumes (spec §6). A
// concrete implementation lives in osdbg/windows (real Windows
// syscalls, build-tagged) or osdbg/simulated (scripted, used by tests
// and by this repo's own test suite).
type Backend interface {
	// Process
	EnumerateProcesses() ([]ProcessInfo, error)
	OpenProcess(pid uint32) (ProcessHandle, error)
	CreateProcessDebug(path string, args []string) (pid uint32, mainThreadID uint32, err error)
	CloseHandle(h ProcessHandle) error
	DebugActiveProcess(pid uint32) error
	DebugActiveProcessStop(pid uint32) error
	DebugSetProcessKillOnExit(kill bool) error
	DebugBreakProcess(h ProcessHandle) error
	IsWow64(h ProcessHandle) (bool, error)

	// Thread
	OpenThread(tid uint32) (ThreadHandle, error)
	CloseThreadHandle(h ThreadHandle) error
	SuspendThread(h ThreadHandle) error
	ResumeThread(h ThreadHandle) error
	GetThreadContext(h ThreadHandle) (*Context, error)
	SetThreadContext(h ThreadHandle, ctx *Context) error

	// Memory
	ReadProcessMemory(h ProcessHandle, addr uint64, size int) ([]byte, error)
	WriteProcessMemory(h ProcessHandle, addr uint64, data []byte) (int, error)
	VirtualAllocEx(h ProcessHandle, size int) (uint64, error)
	VirtualQueryEx(h ProcessHandle, addr uint64) (MemoryRegion, bool, error)

	// Debug loop
	WaitForDebugEvent(timeoutMS int) (*DebugEvent, bool, error)
	ContinueDebugEvent(pid, tid uint32, status ContinueStatus) error

	// Module/loader
	EnumerateModules(h ProcessHandle) ([]ModuleInfo, error)
	GetModuleFileName(h ProcessHandle, base uint64) (string, error)
	GetProcAddress(h ProcessHandle, module, proc string) (uint64, error)
	CreateRemoteThread(h ProcessHandle, startAddr, param uint64) (uint32, error)
}
