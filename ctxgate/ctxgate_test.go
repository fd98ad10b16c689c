package ctxgate

import (
	"testing"

	"github.com/coredbg/coredbg/osdbg"
	"github.com/coredbg/coredbg/osdbg/simulated"
)

func TestBeginEditSuspendsAndFetches(t *testing.T) {
	be := simulated.New(1, 7, true)
	be.SetContext(7, &osdbg.Context{Arch: osdbg.Arch64, PC: 0x401000, GP: map[string]uint64{}})
	g := New(be)

	h, ctx, err := g.BeginEdit(7)
	if err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	if ctx.PC != 0x401000 {
		t.Fatalf("BeginEdit: got PC 0x%x, want 0x401000", ctx.PC)
	}
	if be.SuspendCount(7) != 1 {
		t.Fatalf("BeginEdit: want thread suspended once, got count %d", be.SuspendCount(7))
	}
	if h.ThreadID() != 7 {
		t.Fatalf("ThreadID: got %d, want 7", h.ThreadID())
	}
}

func TestEndEditReleasesEveryTime(t *testing.T) {
	be := simulated.New(1, 7, true)
	be.SetContext(7, &osdbg.Context{Arch: osdbg.Arch64, GP: map[string]uint64{}})
	g := New(be)

	h, ctx, err := g.BeginEdit(7)
	if err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	ctx.PC = 0x402000
	if err := g.EndEdit(h, ctx); err != nil {
		t.Fatalf("EndEdit: %v", err)
	}
	if be.SuspendCount(7) != 0 {
		t.Fatalf("EndEdit: want suspend count balanced to 0, got %d", be.SuspendCount(7))
	}

	got, err := be.GetThreadContext(osdbg.ThreadHandle{ID: 7})
	if err != nil || got.PC != 0x402000 {
		t.Fatalf("EndEdit: context not written back, got %+v err %v", got, err)
	}
}

func TestEndEditOnReleasedHandleErrors(t *testing.T) {
	be := simulated.New(1, 7, true)
	be.SetContext(7, &osdbg.Context{Arch: osdbg.Arch64, GP: map[string]uint64{}})
	g := New(be)

	h, ctx, err := g.BeginEdit(7)
	if err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	if err := g.EndEdit(h, ctx); err != nil {
		t.Fatalf("first EndEdit: %v", err)
	}
	if err := g.EndEdit(h, ctx); err == nil {
		t.Fatalf("second EndEdit: want error on already-released handle, got nil")
	}
}

// TestEndEditRunsUnderDeferEvenAfterPanic exercises the documented
// recover-boundary usage: a panicking mutation still resumes the
// thread because EndEdit runs from a defer.
func TestEndEditRunsUnderDeferEvenAfterPanic(t *testing.T) {
	be := simulated.New(1, 7, true)
	be.SetContext(7, &osdbg.Context{Arch: osdbg.Arch64, GP: map[string]uint64{}})
	g := New(be)

	func() {
		h, ctx, err := g.BeginEdit(7)
		if err != nil {
			t.Fatalf("BeginEdit: %v", err)
		}
		defer func() {
			_ = g.EndEdit(h, ctx)
			recover()
		}()
		panic("mutation blew up")
	}()

	if be.SuspendCount(7) != 0 {
		t.Fatalf("want thread resumed despite panic, suspend count is %d", be.SuspendCount(7))
	}
}
