package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/coredbg/coredbg/breakpoint"
	"github.com/coredbg/coredbg/ctxgate"
	"github.com/coredbg/coredbg/osdbg"
	"github.com/coredbg/coredbg/osdbg/simulated"
	"github.com/coredbg/coredbg/target"
)

const (
	testPID = 1
	testTID = uint32(10)
)

func newTestLoop(t *testing.T, settings Settings) (*Loop, *simulated.Backend, *breakpoint.Engine, *target.Target) {
	t.Helper()
	be := simulated.New(testPID, testTID, true)
	tgt := target.New(be, nil)
	gate := ctxgate.New(be)
	bp := breakpoint.New(tgt, gate, nil)
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	settings.PollTimeoutMS = 1
	l := New(be, tgt, bp, gate, settings, DefaultHookSet(), nil)
	return l, be, bp, tgt
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPauseGateHandshake(t *testing.T) {
	l, be, _, tgt := newTestLoop(t, Settings{PauseOnCreateThread: true, PollTimeoutMS: 1})

	l.Start(context.Background(), func() error { return tgt.OpenByPID(testPID) })
	if err := l.WaitInit(); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	be.QueueEvent(&osdbg.DebugEvent{Kind: osdbg.EventCreateThread, ProcessID: testPID, ThreadID: testTID})

	waitUntil(t, 2*time.Second, l.IsPaused)
	tid, ok := l.PausedThreadID()
	if !ok || tid != testTID {
		t.Fatalf("PausedThreadID: got %d ok=%v, want %d", tid, ok, testTID)
	}

	l.Resume()
	waitUntil(t, 2*time.Second, func() bool { return !l.IsPaused() })

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestIgnoreFirstChanceExceptionsAfterInitialBreakpoint(t *testing.T) {
	l, be, _, tgt := newTestLoop(t, Settings{
		PauseOnBreakpoint:           true,
		PauseOnAccessViolation:      true,
		IgnoreFirstChanceExceptions: true,
	})

	l.Start(context.Background(), func() error { return tgt.OpenByPID(testPID) })
	if err := l.WaitInit(); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	// The attach-time OS-injected breakpoint: consumed transparently,
	// never parks.
	be.QueueEvent(&osdbg.DebugEvent{
		Kind: osdbg.EventException, ProcessID: testPID, ThreadID: testTID,
		ExceptionClass: osdbg.ExceptionBreakpoint, ExceptionAddress: 0x7C901230, FirstChance: true,
	})
	waitUntil(t, 2*time.Second, func() bool { return be.ContinueCalls >= 1 })
	if l.IsPaused() {
		t.Fatalf("initial breakpoint must not park the loop")
	}

	// A subsequent first-chance exception at an address with no
	// breakpoint record: with IgnoreFirstChanceExceptions set and the
	// initial breakpoint already observed, this must not park either.
	be.QueueEvent(&osdbg.DebugEvent{
		Kind: osdbg.EventException, ProcessID: testPID, ThreadID: testTID,
		ExceptionClass: osdbg.ExceptionAccessViolation, FirstChance: true,
	})
	waitUntil(t, 2*time.Second, func() bool { return be.ContinueCalls >= 2 })
	if l.IsPaused() {
		t.Fatalf("first-chance exception after initial breakpoint must not park when IgnoreFirstChanceExceptions is set")
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestStepOverBreakpointCleanup exercises the step-over park path: a
// temporary breakpoint planted past a call must be removed by the
// time the loop parks, and the context's trap flag must not carry the
// transparent-restore protocol's re-arm bit into the client's view.
func TestStepOverBreakpointCleanup(t *testing.T) {
	l, be, bp, tgt := newTestLoop(t, Settings{PauseOnBreakpoint: true})

	l.Start(context.Background(), func() error { return tgt.OpenByPID(testPID) })
	if err := l.WaitInit(); err != nil {
		t.Fatalf("WaitInit: %v", err)
	}

	// Consume the initial OS breakpoint first.
	be.SetMemory(0x7C901230, []byte{0xCC})
	be.QueueEvent(&osdbg.DebugEvent{
		Kind: osdbg.EventException, ProcessID: testPID, ThreadID: testTID,
		ExceptionClass: osdbg.ExceptionBreakpoint, ExceptionAddress: 0x7C901230, FirstChance: true,
	})
	waitUntil(t, 2*time.Second, func() bool { return be.ContinueCalls >= 1 })

	const stepOverAddr = 0x00401025
	be.SetMemory(stepOverAddr, []byte{0x90})
	if err := bp.SetSoft(stepOverAddr, nil); err != nil {
		t.Fatalf("SetSoft: %v", err)
	}
	l.ArmStepOver()

	be.QueueEvent(&osdbg.DebugEvent{
		Kind: osdbg.EventException, ProcessID: testPID, ThreadID: testTID,
		ExceptionClass: osdbg.ExceptionBreakpoint, ExceptionAddress: stepOverAddr, FirstChance: true,
	})

	waitUntil(t, 2*time.Second, l.IsPaused)

	if _, ok := bp.SoftAt(stepOverAddr); ok {
		t.Fatalf("step-over cleanup: want the temporary breakpoint at 0x%x removed", stepOverAddr)
	}
	if st := l.State(); st.Context == nil || st.Context.TrapFlagSet() {
		t.Fatalf("step-over cleanup: want the trap flag cleared in the published context")
	}

	l.Resume()
	waitUntil(t, 2*time.Second, func() bool { return !l.IsPaused() })

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
