package step

import (
	"errors"
	"testing"

	"github.com/coredbg/coredbg/breakpoint"
	"github.com/coredbg/coredbg/ctxgate"
	"github.com/coredbg/coredbg/disasm/x86"
	"github.com/coredbg/coredbg/errs"
	"github.com/coredbg/coredbg/osdbg"
	"github.com/coredbg/coredbg/osdbg/simulated"
	"github.com/coredbg/coredbg/target"
)

// fakeLoop is a minimal pausedLoop double that records what the
// controller asked of it, without needing a real event loop goroutine.
type fakeLoop struct {
	paused      bool
	tid         uint32
	pc          uint64
	ctx         *osdbg.Context
	resumed     bool
	stepOverSet bool
}

func (f *fakeLoop) IsPaused() bool                 { return f.paused }
func (f *fakeLoop) PausedThreadID() (uint32, bool) { return f.tid, f.paused }
func (f *fakeLoop) PausedPC() (uint64, bool)       { return f.pc, f.paused }
func (f *fakeLoop) MutateContext(fn func(ctx *osdbg.Context)) error {
	if !f.paused {
		return errs.NotPaused
	}
	fn(f.ctx)
	return nil
}
func (f *fakeLoop) ArmStepOver() { f.stepOverSet = true }
func (f *fakeLoop) Resume()      { f.resumed = true }

func newController(t *testing.T) (*Controller, *fakeLoop, *breakpoint.Engine, *target.Target) {
	t.Helper()
	be := simulated.New(1, 10, true)
	tgt := target.New(be, nil)
	if err := tgt.OpenByPID(1); err != nil {
		t.Fatalf("OpenByPID: %v", err)
	}
	gate := ctxgate.New(be)
	bp := breakpoint.New(tgt, gate, nil)
	loop := &fakeLoop{ctx: &osdbg.Context{Arch: osdbg.Arch64, GP: map[string]uint64{}}}
	ctrl := New(tgt, x86.New(), bp, loop, nil)
	return ctrl, loop, bp, tgt
}

func TestStepIntoArmsTrapFlagAndResumes(t *testing.T) {
	ctrl, loop, _, _ := newController(t)
	loop.paused = true
	loop.tid = 10
	loop.pc = 0x401000

	if err := ctrl.StepInto(); err != nil {
		t.Fatalf("StepInto: %v", err)
	}
	if !loop.ctx.TrapFlagSet() {
		t.Fatalf("StepInto: want trap flag set")
	}
	if !loop.resumed {
		t.Fatalf("StepInto: want loop resumed")
	}
}

func TestStepIntoRequiresPaused(t *testing.T) {
	ctrl, _, _, _ := newController(t)
	if err := ctrl.StepInto(); !errors.Is(err, errs.NotPaused) {
		t.Fatalf("StepInto while running: want errs.NotPaused, got %v", err)
	}
}

func TestStepOverCallPlantsBreakpointAtFallThrough(t *testing.T) {
	ctrl, loop, bp, tgt := newController(t)
	// call rel32 (E8 + 4-byte displacement) at 0x401000: 5-byte
	// instruction, fall-through at 0x401005.
	tgt.Backend().(*simulated.Backend).SetMemory(0x401000, []byte{0xE8, 0x00, 0x00, 0x00, 0x00})
	loop.paused = true
	loop.tid = 10
	loop.pc = 0x401000

	if err := ctrl.StepOver(); err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	if !loop.stepOverSet {
		t.Fatalf("StepOver over a call: want step-over armed")
	}
	if !loop.resumed {
		t.Fatalf("StepOver: want loop resumed")
	}
	if _, ok := bp.SoftAt(0x401005); !ok {
		t.Fatalf("StepOver: want a temporary breakpoint at the fall-through address 0x401005")
	}
}

func TestStepOverNonCallFallsBackToStepInto(t *testing.T) {
	ctrl, loop, _, tgt := newController(t)
	// push rbp (0x55) at 0x401000: not a call.
	tgt.Backend().(*simulated.Backend).SetMemory(0x401000, []byte{0x55})
	loop.paused = true
	loop.tid = 10
	loop.pc = 0x401000

	if err := ctrl.StepOver(); err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	if loop.stepOverSet {
		t.Fatalf("StepOver over a non-call: want no step-over breakpoint armed")
	}
	if !loop.ctx.TrapFlagSet() {
		t.Fatalf("StepOver over a non-call: want it to behave like StepInto (trap flag set)")
	}
}
