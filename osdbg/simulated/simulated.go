// Package simulated is a scripted osdbg.Backend used by the core
// packages' own tests: a byte-addressable memory model, a queue of
// canned debug events, and counters the tests assert against — the
// simulated-target pattern the platform facade design note calls for.
package simulated

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coredbg/coredbg/osdbg"
)

// Backend is a fake target: one process, any number of threads, a
// sparse byte-addressed memory space and a scripted event queue.
// Safe for concurrent use; tests typically drive it from one goroutine
// but the eventloop's dedicated goroutine calls it from outside the
// test body.
type Backend struct {
	mu sync.Mutex

	pid       uint32
	nextTID   uint32
	killOnEnd bool
	wow64     bool

	threads   map[uint32]*threadState
	mem       map[uint64]byte
	regions   []osdbg.MemoryRegion
	modules   []osdbg.ModuleInfo
	processes []osdbg.ProcessInfo

	events []*osdbg.DebugEvent

	// WriteFaultAddrs makes WriteProcessMemory fail for exactly these
	// addresses, used to script access-denied edge cases.
	WriteFaultAddrs map[uint64]bool
	// PartialTransferAt makes the next write covering this address stop
	// just before it, reporting the shortened count with no error, once.
	PartialTransferAt uint64

	ContinueCalls int
	WaitCalls     int
}

type threadState struct {
	ctx      *osdbg.Context
	suspends int
}

// New returns a Backend simulating a single process with one thread.
func New(pid, mainTID uint32, is64 bool) *Backend {
	arch := osdbg.Arch32
	if is64 {
		arch = osdbg.Arch64
	}
	b := &Backend{
		pid:     pid,
		nextTID: mainTID + 1,
		threads: map[uint32]*threadState{
			mainTID: {ctx: &osdbg.Context{Arch: arch, GP: map[string]uint64{}}},
		},
		mem:             map[uint64]byte{},
		WriteFaultAddrs: map[uint64]bool{},
	}
	return b
}

// QueueEvent appends a debug event to be returned by successive
// WaitForDebugEvent calls, in FIFO order.
func (b *Backend) QueueEvent(ev *osdbg.DebugEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

// SetMemory seeds the fake address space starting at addr.
func (b *Backend) SetMemory(addr uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range data {
		b.mem[addr+uint64(i)] = v
	}
}

// SetRegions installs the VirtualQueryEx table VirtualQueryEx scans
// linearly, lowest BaseAddress first.
func (b *Backend) SetRegions(regions []osdbg.MemoryRegion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regions = append([]osdbg.MemoryRegion(nil), regions...)
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].BaseAddress < b.regions[j].BaseAddress })
}

// SetModules installs the module table EnumerateModules returns.
func (b *Backend) SetModules(mods []osdbg.ModuleInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modules = append([]osdbg.ModuleInfo(nil), mods...)
}

// SetProcesses installs the snapshot table EnumerateProcesses returns,
// letting tests script a running-process list for name-based lookup.
func (b *Backend) SetProcesses(procs []osdbg.ProcessInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processes = append([]osdbg.ProcessInfo(nil), procs...)
}

// AddThread registers a new thread with a zeroed context, mirroring
// what a real CreateThread debug event would make available.
func (b *Backend) AddThread(arch osdbg.Arch) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	tid := b.nextTID
	b.nextTID++
	b.threads[tid] = &threadState{ctx: &osdbg.Context{Arch: arch, GP: map[string]uint64{}}}
	return tid
}

// SetContext lets a test seed a thread's register state directly,
// without going through SetThreadContext.
func (b *Backend) SetContext(tid uint32, ctx *osdbg.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.threads[tid]; ok {
		t.ctx = ctx.Clone()
	}
}

func (b *Backend) EnumerateProcesses() ([]osdbg.ProcessInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.processes) > 0 {
		return append([]osdbg.ProcessInfo(nil), b.processes...), nil
	}
	// With no scripted snapshot, the fake's own process is always
	// enumerable, mirroring a real snapshot that always includes the
	// caller's own process.
	return []osdbg.ProcessInfo{{PID: b.pid, Name: fmt.Sprintf("sim-%d.exe", b.pid)}}, nil
}

func (b *Backend) OpenProcess(pid uint32) (osdbg.ProcessHandle, error) {
	if pid != b.pid {
		return osdbg.ProcessHandle{}, fmt.Errorf("simulated: no such process %d", pid)
	}
	return osdbg.ProcessHandle{ID: pid}, nil
}

func (b *Backend) CreateProcessDebug(path string, args []string) (uint32, uint32, error) {
	return b.pid, b.nextTID - 1, nil
}

func (b *Backend) CloseHandle(osdbg.ProcessHandle) error { return nil }

func (b *Backend) DebugActiveProcess(pid uint32) error {
	if pid != b.pid {
		return fmt.Errorf("simulated: no such process %d", pid)
	}
	return nil
}

func (b *Backend) DebugActiveProcessStop(uint32) error { return nil }

func (b *Backend) DebugSetProcessKillOnExit(kill bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killOnEnd = kill
	return nil
}

func (b *Backend) DebugBreakProcess(osdbg.ProcessHandle) error {
	b.QueueEvent(&osdbg.DebugEvent{
		Kind: osdbg.EventException, ProcessID: b.pid,
		ExceptionClass: osdbg.ExceptionBreakpoint,
	})
	return nil
}

func (b *Backend) IsWow64(osdbg.ProcessHandle) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wow64, nil
}

// SetWow64 configures the IsWow64 answer.
func (b *Backend) SetWow64(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wow64 = v
}

func (b *Backend) OpenThread(tid uint32) (osdbg.ThreadHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.threads[tid]; !ok {
		return osdbg.ThreadHandle{}, fmt.Errorf("simulated: no such thread %d", tid)
	}
	return osdbg.ThreadHandle{ID: tid}, nil
}

func (b *Backend) CloseThreadHandle(osdbg.ThreadHandle) error { return nil }

func (b *Backend) SuspendThread(h osdbg.ThreadHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[h.ID]
	if !ok {
		return fmt.Errorf("simulated: no such thread %d", h.ID)
	}
	t.suspends++
	return nil
}

func (b *Backend) ResumeThread(h osdbg.ThreadHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[h.ID]
	if !ok {
		return fmt.Errorf("simulated: no such thread %d", h.ID)
	}
	if t.suspends > 0 {
		t.suspends--
	}
	return nil
}

// SuspendCount reports how many unmatched SuspendThread calls are
// outstanding for tid, letting tests assert the context gate always
// balances suspend/resume.
func (b *Backend) SuspendCount(tid uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.threads[tid]; ok {
		return t.suspends
	}
	return 0
}

func (b *Backend) GetThreadContext(h osdbg.ThreadHandle) (*osdbg.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[h.ID]
	if !ok {
		return nil, fmt.Errorf("simulated: no such thread %d", h.ID)
	}
	return t.ctx.Clone(), nil
}

func (b *Backend) SetThreadContext(h osdbg.ThreadHandle, ctx *osdbg.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[h.ID]
	if !ok {
		return fmt.Errorf("simulated: no such thread %d", h.ID)
	}
	t.ctx = ctx.Clone()
	return nil
}

func (b *Backend) ReadProcessMemory(h osdbg.ProcessHandle, addr uint64, size int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		v, ok := b.mem[addr+uint64(i)]
		if !ok {
			return out[:i], fmt.Errorf("simulated: unmapped address 0x%x", addr+uint64(i))
		}
		out[i] = v
	}
	return out, nil
}

func (b *Backend) WriteProcessMemory(h osdbg.ProcessHandle, addr uint64, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range data {
		if b.WriteFaultAddrs[addr+uint64(i)] {
			return i, fmt.Errorf("simulated: access denied at 0x%x", addr+uint64(i))
		}
	}
	n := len(data)
	if b.PartialTransferAt != 0 && addr <= b.PartialTransferAt && b.PartialTransferAt < addr+uint64(len(data)) {
		n = int(b.PartialTransferAt - addr)
		b.PartialTransferAt = 0
	}
	for i := 0; i < n; i++ {
		b.mem[addr+uint64(i)] = data[i]
	}
	return n, nil
}

func (b *Backend) VirtualAllocEx(h osdbg.ProcessHandle, size int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	base := uint64(0x10000000)
	for _, r := range b.regions {
		if r.BaseAddress+r.Size > base {
			base = r.BaseAddress + r.Size
		}
	}
	b.regions = append(b.regions, osdbg.MemoryRegion{BaseAddress: base, Size: uint64(size), Protect: osdbg.RWX, Type: osdbg.TypePrivate})
	return base, nil
}

func (b *Backend) VirtualQueryEx(h osdbg.ProcessHandle, addr uint64) (osdbg.MemoryRegion, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.regions {
		if addr >= r.BaseAddress && addr < r.BaseAddress+r.Size {
			return r, true, nil
		}
	}
	return osdbg.MemoryRegion{}, false, nil
}

func (b *Backend) WaitForDebugEvent(timeoutMS int) (*osdbg.DebugEvent, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.WaitCalls++
	if len(b.events) == 0 {
		return nil, false, nil
	}
	ev := b.events[0]
	b.events = b.events[1:]
	return ev, true, nil
}

func (b *Backend) ContinueDebugEvent(pid, tid uint32, status osdbg.ContinueStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ContinueCalls++
	return nil
}

func (b *Backend) EnumerateModules(osdbg.ProcessHandle) ([]osdbg.ModuleInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]osdbg.ModuleInfo(nil), b.modules...), nil
}

func (b *Backend) GetModuleFileName(h osdbg.ProcessHandle, base uint64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.modules {
		if m.Base == base {
			return m.Path, nil
		}
	}
	return "", fmt.Errorf("simulated: no module at 0x%x", base)
}

func (b *Backend) GetProcAddress(h osdbg.ProcessHandle, module, proc string) (uint64, error) {
	return 0, fmt.Errorf("simulated: GetProcAddress not scripted for %s!%s", module, proc)
}

func (b *Backend) CreateRemoteThread(h osdbg.ProcessHandle, startAddr, param uint64) (uint32, error) {
	return b.AddThread(osdbg.Arch64), nil
}

var _ osdbg.Backend = (*Backend)(nil)
