//go:build windows

// Package windows implements osdbg.Backend against the real Win32
// debugging API, the platform-binding layer spec §9 asks to be kept
// out of the core. Only this package ever imports a syscall package;
// osdbg/simulated stands in for it in tests.
package windows

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/coredbg/coredbg/dbglog"
	"github.com/coredbg/coredbg/osdbg"
)

// The handful of debug primitives x/sys/windows does not wrap are
// resolved lazily from kernel32, the same pattern the delve-family
// Windows backends use for DebugActiveProcess/WaitForDebugEvent.
var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procDebugActiveProcess        = modkernel32.NewProc("DebugActiveProcess")
	procDebugActiveProcessStop    = modkernel32.NewProc("DebugActiveProcessStop")
	procDebugSetProcessKillOnExit = modkernel32.NewProc("DebugSetProcessKillOnExit")
	procDebugBreakProcess         = modkernel32.NewProc("DebugBreakProcess")
	procWaitForDebugEvent         = modkernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent        = modkernel32.NewProc("ContinueDebugEvent")
	procIsWow64Process            = modkernel32.NewProc("IsWow64Process")
)

const (
	debugProcess       = 0x00000001
	debugOnlyThisProc  = 0x00000002
	createSuspended    = 0x00000004
	dbgContinue        = 0x00010002
	dbgExceptionNotHdl = 0x80010001

	exceptionDebugEvent     = 1
	createThreadDebugEvent  = 2
	createProcessDebugEvent = 3
	exitThreadDebugEvent    = 4
	exitProcessDebugEvent   = 5
	loadDllDebugEvent       = 6
	unloadDllDebugEvent     = 7
	outputDebugStringEvent  = 8
	ripEvent                = 9

	exceptionBreakpoint = 0x80000003
	exceptionSingleStep = 0x80000004
	exceptionAccessVio  = 0xC0000005
	exceptionGuardPage  = 0x80000001
	exceptionIllegalOp  = 0xC000001D

	contextAmd64        = 0x00100000
	contextControl      = contextAmd64 | 0x1
	contextInteger      = contextAmd64 | 0x2
	contextSegments     = contextAmd64 | 0x4
	contextFull         = contextControl | contextInteger | contextSegments
	contextDebugRegs    = contextAmd64 | 0x10
	contextAll          = contextFull | contextDebugRegs

	pageNoAccess  = 0x01
	pageReadonly  = 0x02
	pageReadwrite = 0x04
	pageExecute   = 0x10
	pageExecRead  = 0x20
	pageExecRW    = 0x40
	pageWriteCopy = 0x08

	memImage   = 0x1000000
	memMapped  = 0x40000
	memPrivate = 0x20000
)

// rawDebugEvent mirrors Win32's DEBUG_EVENT union, sized generously
// for the largest variant (EXCEPTION_DEBUG_INFO).
type rawDebugEvent struct {
	DebugEventCode uint32
	ProcessID      uint32
	ThreadID       uint32
	// Union payload, large enough for every DEBUG_EVENT variant.
	union [160]byte
}

// Backend is the Windows-syscall-backed osdbg.Backend.
type Backend struct {
	log dbglog.Logger

	mu      sync.Mutex
	threads map[uint32]windows.Handle
}

// New constructs a Backend. log may be nil.
func New(log dbglog.Logger) *Backend {
	return &Backend{log: dbglog.OrDiscard(log), threads: map[uint32]windows.Handle{}}
}

var _ osdbg.Backend = (*Backend)(nil)

func (b *Backend) EnumerateProcesses() ([]osdbg.ProcessInfo, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("windows: create-toolhelp32-snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var out []osdbg.ProcessInfo
	if err := windows.Process32First(snap, &entry); err != nil {
		if err == windows.ERROR_NO_MORE_FILES {
			return out, nil
		}
		return nil, fmt.Errorf("windows: process32-first: %w", err)
	}
	for {
		out = append(out, osdbg.ProcessInfo{
			PID:  entry.ProcessID,
			PPID: entry.ParentProcessID,
			Name: windows.UTF16ToString(entry.ExeFile[:]),
		})
		if err := windows.Process32Next(snap, &entry); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				break
			}
			return out, fmt.Errorf("windows: process32-next: %w", err)
		}
	}
	return out, nil
}

func (b *Backend) OpenProcess(pid uint32) (osdbg.ProcessHandle, error) {
	access := uint32(windows.PROCESS_ALL_ACCESS)
	h, err := windows.OpenProcess(access, false, pid)
	if err != nil {
		return osdbg.ProcessHandle{}, fmt.Errorf("windows: open-process %d: %w", pid, err)
	}
	return osdbg.ProcessHandle{ID: pid, Native: uintptr(h)}, nil
}

func (b *Backend) CreateProcessDebug(path string, args []string) (uint32, uint32, error) {
	cmdLine := path
	for _, a := range args {
		cmdLine += " " + a
	}

	var si windows.StartupInfo
	var pi windows.ProcessInformation
	si.Cb = uint32(unsafe.Sizeof(si))

	cmdLinePtr, err := windows.UTF16PtrFromString(cmdLine)
	if err != nil {
		return 0, 0, fmt.Errorf("windows: encode command line: %w", err)
	}

	err = windows.CreateProcess(nil, cmdLinePtr, nil, nil, false,
		debugProcess|debugOnlyThisProc|createSuspended, nil, nil, &si, &pi)
	if err != nil {
		return 0, 0, fmt.Errorf("windows: create-process %q: %w", path, err)
	}
	_ = windows.ResumeThread(pi.Thread)
	return pi.ProcessId, pi.ThreadId, nil
}

func (b *Backend) CloseHandle(h osdbg.ProcessHandle) error {
	return windows.CloseHandle(windows.Handle(h.Native))
}

func (b *Backend) DebugActiveProcess(pid uint32) error {
	ok, _, err := procDebugActiveProcess.Call(uintptr(pid))
	if ok == 0 {
		return fmt.Errorf("windows: debug-active-process %d: %w", pid, err)
	}
	return nil
}

func (b *Backend) DebugActiveProcessStop(pid uint32) error {
	ok, _, err := procDebugActiveProcessStop.Call(uintptr(pid))
	if ok == 0 {
		return fmt.Errorf("windows: debug-active-process-stop %d: %w", pid, err)
	}
	return nil
}

func (b *Backend) DebugSetProcessKillOnExit(kill bool) error {
	v := uintptr(0)
	if kill {
		v = 1
	}
	ok, _, err := procDebugSetProcessKillOnExit.Call(v)
	if ok == 0 {
		return fmt.Errorf("windows: debug-set-process-kill-on-exit: %w", err)
	}
	return nil
}

func (b *Backend) DebugBreakProcess(h osdbg.ProcessHandle) error {
	ok, _, err := procDebugBreakProcess.Call(h.Native)
	if ok == 0 {
		return fmt.Errorf("windows: debug-break-process: %w", err)
	}
	return nil
}

func (b *Backend) IsWow64(h osdbg.ProcessHandle) (bool, error) {
	var wow32 uint32
	ok, _, err := procIsWow64Process.Call(h.Native, uintptr(unsafe.Pointer(&wow32)))
	if ok == 0 {
		return false, fmt.Errorf("windows: is-wow64-process: %w", err)
	}
	return wow32 != 0, nil
}

func (b *Backend) OpenThread(tid uint32) (osdbg.ThreadHandle, error) {
	access := uint32(windows.THREAD_ALL_ACCESS)
	h, err := windows.OpenThread(access, false, tid)
	if err != nil {
		return osdbg.ThreadHandle{}, fmt.Errorf("windows: open-thread %d: %w", tid, err)
	}
	b.mu.Lock()
	b.threads[tid] = h
	b.mu.Unlock()
	return osdbg.ThreadHandle{ID: tid, Native: uintptr(h)}, nil
}

func (b *Backend) CloseThreadHandle(h osdbg.ThreadHandle) error {
	b.mu.Lock()
	delete(b.threads, h.ID)
	b.mu.Unlock()
	return windows.CloseHandle(windows.Handle(h.Native))
}

func (b *Backend) SuspendThread(h osdbg.ThreadHandle) error {
	_, err := windows.SuspendThread(windows.Handle(h.Native))
	return err
}

func (b *Backend) ResumeThread(h osdbg.ThreadHandle) error {
	_, err := windows.ResumeThread(windows.Handle(h.Native))
	return err
}

func (b *Backend) GetThreadContext(h osdbg.ThreadHandle) (*osdbg.Context, error) {
	var wc windows.Context
	wc.ContextFlags = contextAll
	if err := windows.GetThreadContext(windows.Handle(h.Native), &wc); err != nil {
		return nil, fmt.Errorf("windows: get-thread-context: %w", err)
	}
	return fromWinContext(&wc), nil
}

func (b *Backend) SetThreadContext(h osdbg.ThreadHandle, ctx *osdbg.Context) error {
	wc := toWinContext(ctx)
	if err := windows.SetThreadContext(windows.Handle(h.Native), wc); err != nil {
		return fmt.Errorf("windows: set-thread-context: %w", err)
	}
	return nil
}

func (b *Backend) ReadProcessMemory(h osdbg.ProcessHandle, addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	var n uintptr
	err := windows.ReadProcessMemory(windows.Handle(h.Native), uintptr(addr), &buf[0], uintptr(size), &n)
	if err != nil {
		if n > 0 {
			return buf[:n], fmt.Errorf("windows: partial read-process-memory at 0x%x: %w", addr, err)
		}
		return nil, fmt.Errorf("windows: read-process-memory at 0x%x: %w", addr, err)
	}
	return buf[:n], nil
}

func (b *Backend) WriteProcessMemory(h osdbg.ProcessHandle, addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var n uintptr
	err := windows.WriteProcessMemory(windows.Handle(h.Native), uintptr(addr), &data[0], uintptr(len(data)), &n)
	if err != nil {
		return int(n), fmt.Errorf("windows: write-process-memory at 0x%x: %w", addr, err)
	}
	return int(n), nil
}

func (b *Backend) VirtualAllocEx(h osdbg.ProcessHandle, size int) (uint64, error) {
	addr, err := windows.VirtualAllocEx(windows.Handle(h.Native), nil, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, fmt.Errorf("windows: virtual-alloc-ex: %w", err)
	}
	return uint64(addr), nil
}

func (b *Backend) VirtualQueryEx(h osdbg.ProcessHandle, addr uint64) (osdbg.MemoryRegion, bool, error) {
	var mbi windows.MemoryBasicInformation
	err := windows.VirtualQueryEx(windows.Handle(h.Native), uintptr(addr), &mbi, unsafe.Sizeof(mbi))
	if err != nil {
		return osdbg.MemoryRegion{}, false, fmt.Errorf("windows: virtual-query-ex at 0x%x: %w", addr, err)
	}
	if mbi.RegionSize == 0 {
		return osdbg.MemoryRegion{}, false, nil
	}
	return osdbg.MemoryRegion{
		BaseAddress: uint64(mbi.BaseAddress),
		Size:        uint64(mbi.RegionSize),
		Protect:     protectionFromWin(mbi.Protect),
		Type:        regionTypeFromWin(mbi.Type),
	}, true, nil
}

func (b *Backend) WaitForDebugEvent(timeoutMS int) (*osdbg.DebugEvent, bool, error) {
	var raw rawDebugEvent
	ret, _, err := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(&raw)), uintptr(uint32(timeoutMS)))
	if ret == 0 {
		if err == syscall.Errno(121) || err == syscall.Errno(0x102) {
			// ERROR_SEM_TIMEOUT / WAIT_TIMEOUT: no event this poll.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("windows: wait-for-debug-event: %w", err)
	}
	return decodeDebugEvent(&raw), true, nil
}

func (b *Backend) ContinueDebugEvent(pid, tid uint32, status osdbg.ContinueStatus) error {
	code := uint32(dbgContinue)
	if status == osdbg.StatusExceptionNotHandled {
		code = dbgExceptionNotHdl
	}
	ok, _, err := procContinueDebugEvent.Call(uintptr(pid), uintptr(tid), uintptr(code))
	if ok == 0 {
		return fmt.Errorf("windows: continue-debug-event: %w", err)
	}
	return nil
}

func (b *Backend) EnumerateModules(h osdbg.ProcessHandle) ([]osdbg.ModuleInfo, error) {
	proc := windows.Handle(h.Native)
	var mods [1024]windows.Handle
	var needed uint32
	if err := windows.EnumProcessModules(proc, &mods[0], uint32(len(mods)*int(unsafe.Sizeof(mods[0]))), &needed); err != nil {
		return nil, fmt.Errorf("windows: enum-process-modules: %w", err)
	}
	count := int(needed) / int(unsafe.Sizeof(mods[0]))

	out := make([]osdbg.ModuleInfo, 0, count)
	for i := 0; i < count; i++ {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(proc, mods[i], &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}
		var nameBuf [windows.MAX_PATH]uint16
		n, err := windows.GetModuleFileNameEx(proc, mods[i], &nameBuf[0], uint32(len(nameBuf)))
		path := ""
		if err == nil {
			path = windows.UTF16ToString(nameBuf[:n])
		}
		out = append(out, osdbg.ModuleInfo{
			Name: baseName(path),
			Path: path,
			Base: uint64(info.BaseOfDll),
			Size: uint64(info.SizeOfImage),
		})
	}
	return out, nil
}

func (b *Backend) GetModuleFileName(h osdbg.ProcessHandle, base uint64) (string, error) {
	mods, err := b.EnumerateModules(h)
	if err != nil {
		return "", err
	}
	for _, m := range mods {
		if m.Base == base {
			return m.Path, nil
		}
	}
	return "", fmt.Errorf("windows: no module at base 0x%x", base)
}

func (b *Backend) GetProcAddress(h osdbg.ProcessHandle, module, proc string) (uint64, error) {
	mod, err := windows.LoadLibrary(module)
	if err != nil {
		return 0, fmt.Errorf("windows: load-library %q: %w", module, err)
	}
	defer windows.FreeLibrary(mod)

	addr, err := windows.GetProcAddress(mod, proc)
	if err != nil {
		return 0, fmt.Errorf("windows: get-proc-address %q!%q: %w", module, proc, err)
	}
	// GetProcAddress resolves against our own mapping of module, not
	// the target's; callers rebase this against the target's module
	// base themselves (loader injection is out of scope, spec §1).
	return uint64(addr), nil
}

func (b *Backend) CreateRemoteThread(h osdbg.ProcessHandle, startAddr, param uint64) (uint32, error) {
	handle, tid, err := windows.CreateRemoteThread(windows.Handle(h.Native), nil, 0,
		startAddr, param, 0)
	if err != nil {
		return 0, fmt.Errorf("windows: create-remote-thread: %w", err)
	}
	_ = windows.CloseHandle(handle)
	return tid, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func protectionFromWin(protect uint32) osdbg.Protection {
	switch protect &^ 0x100 { // mask PAGE_GUARD
	case pageReadonly:
		return osdbg.R
	case pageReadwrite, pageWriteCopy:
		return osdbg.RW
	case pageExecute, pageExecRead:
		return osdbg.RX
	case pageExecRW:
		return osdbg.RWX
	default:
		return osdbg.NoAccess
	}
}

func regionTypeFromWin(t uint32) osdbg.RegionType {
	switch t {
	case memImage:
		return osdbg.TypeImage
	case memMapped:
		return osdbg.TypeMapped
	default:
		return osdbg.TypePrivate
	}
}

func decodeDebugEvent(raw *rawDebugEvent) *osdbg.DebugEvent {
	ev := &osdbg.DebugEvent{ProcessID: raw.ProcessID, ThreadID: raw.ThreadID}

	switch raw.DebugEventCode {
	case exceptionDebugEvent:
		ev.Kind = osdbg.EventException
		code := le32(raw.union[0:4])
		addr := le64(raw.union[8:16])
		firstChance := le32(raw.union[4:8]) // aligned after ExceptionRecord union slot
		ev.ExceptionCode = code
		ev.ExceptionAddress = addr
		ev.FirstChance = firstChance != 0
		ev.ExceptionClass = classifyException(code)
	case createThreadDebugEvent:
		ev.Kind = osdbg.EventCreateThread
	case createProcessDebugEvent:
		ev.Kind = osdbg.EventCreateProcess
	case exitThreadDebugEvent:
		ev.Kind = osdbg.EventExitThread
		ev.ExitCode = le32(raw.union[0:4])
	case exitProcessDebugEvent:
		ev.Kind = osdbg.EventExitProcess
		ev.ExitCode = le32(raw.union[0:4])
	case loadDllDebugEvent:
		ev.Kind = osdbg.EventLoadDLL
		ev.ModuleBase = le64(raw.union[0:8])
	case unloadDllDebugEvent:
		ev.Kind = osdbg.EventUnloadDLL
		ev.ModuleBase = le64(raw.union[0:8])
	case outputDebugStringEvent:
		ev.Kind = osdbg.EventOutputDebugString
	case ripEvent:
		ev.Kind = osdbg.EventRIP
	}
	return ev
}

func classifyException(code uint32) osdbg.ExceptionClass {
	switch code {
	case exceptionBreakpoint:
		return osdbg.ExceptionBreakpoint
	case exceptionSingleStep:
		return osdbg.ExceptionSingleStep
	case exceptionAccessVio:
		return osdbg.ExceptionAccessViolation
	case exceptionGuardPage:
		return osdbg.ExceptionGuardPage
	case exceptionIllegalOp:
		return osdbg.ExceptionIllegalInstruction
	default:
		return osdbg.ExceptionOther
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func fromWinContext(wc *windows.Context) *osdbg.Context {
	return &osdbg.Context{
		Arch:  osdbg.Arch64,
		PC:    wc.Rip,
		SP:    wc.Rsp,
		BP:    wc.Rbp,
		Flags: uint64(wc.EFlags),
		GP: map[string]uint64{
			"RAX": wc.Rax, "RBX": wc.Rbx, "RCX": wc.Rcx, "RDX": wc.Rdx,
			"RSI": wc.Rsi, "RDI": wc.Rdi, "RSP": wc.Rsp, "RBP": wc.Rbp,
			"R8": wc.R8, "R9": wc.R9, "R10": wc.R10, "R11": wc.R11,
			"R12": wc.R12, "R13": wc.R13, "R14": wc.R14, "R15": wc.R15,
		},
		Dr0: wc.Dr0, Dr1: wc.Dr1, Dr2: wc.Dr2, Dr3: wc.Dr3,
		Dr6: wc.Dr6, Dr7: wc.Dr7,
	}
}

func toWinContext(ctx *osdbg.Context) *windows.Context {
	wc := &windows.Context{ContextFlags: contextAll}
	wc.Rip = ctx.PC
	wc.Rsp = ctx.SP
	wc.Rbp = ctx.BP
	wc.EFlags = uint32(ctx.Flags)
	wc.Rax = ctx.GP["RAX"]
	wc.Rbx = ctx.GP["RBX"]
	wc.Rcx = ctx.GP["RCX"]
	wc.Rdx = ctx.GP["RDX"]
	wc.Rsi = ctx.GP["RSI"]
	wc.Rdi = ctx.GP["RDI"]
	wc.R8 = ctx.GP["R8"]
	wc.R9 = ctx.GP["R9"]
	wc.R10 = ctx.GP["R10"]
	wc.R11 = ctx.GP["R11"]
	wc.R12 = ctx.GP["R12"]
	wc.R13 = ctx.GP["R13"]
	wc.R14 = ctx.GP["R14"]
	wc.R15 = ctx.GP["R15"]
	wc.Dr0 = ctx.Dr0
	wc.Dr1 = ctx.Dr1
	wc.Dr2 = ctx.Dr2
	wc.Dr3 = ctx.Dr3
	wc.Dr6 = ctx.Dr6
	wc.Dr7 = ctx.Dr7
	return wc
}
