package breakpoint

import (
	"errors"
	"testing"

	"github.com/coredbg/coredbg/ctxgate"
	"github.com/coredbg/coredbg/errs"
	"github.com/coredbg/coredbg/osdbg"
	"github.com/coredbg/coredbg/osdbg/simulated"
	"github.com/coredbg/coredbg/target"
)

func newTestTarget(t *testing.T, pid, tid uint32) (*target.Target, *simulated.Backend) {
	t.Helper()
	be := simulated.New(pid, tid, true)
	tgt := target.New(be, nil)
	if err := tgt.OpenByPID(pid); err != nil {
		t.Fatalf("OpenByPID: %v", err)
	}
	return tgt, be
}

func TestSoftBreakpointRoundTrip(t *testing.T) {
	tgt, _ := newTestTarget(t, 1, 10)
	tgt.Backend().(*simulated.Backend).SetMemory(0x401025, []byte{0x55, 0x8B, 0xEC})

	gate := ctxgate.New(tgt.Backend())
	eng := New(tgt, gate, nil)

	if err := eng.SetSoft(0x401025, nil); err != nil {
		t.Fatalf("SetSoft: %v", err)
	}
	data, err := tgt.Read(0x401025, 1)
	if err != nil || data[0] != 0xCC {
		t.Fatalf("SetSoft: want 0xCC installed, got %x err %v", data, err)
	}
	rec, ok := eng.SoftAt(0x401025)
	if !ok || rec.OriginalByte != 0x55 {
		t.Fatalf("SoftAt: want original byte 0x55, got %+v ok=%v", rec, ok)
	}

	if err := eng.UnsetSoft(0x401025); err != nil {
		t.Fatalf("UnsetSoft: %v", err)
	}
	data, err = tgt.Read(0x401025, 1)
	if err != nil || data[0] != 0x55 {
		t.Fatalf("UnsetSoft: want original byte restored, got %x err %v", data, err)
	}
	if _, ok := eng.SoftAt(0x401025); ok {
		t.Fatalf("SoftAt after unset: want no record")
	}
}

func TestSetSoftIsIdempotent(t *testing.T) {
	tgt, _ := newTestTarget(t, 1, 10)
	tgt.Backend().(*simulated.Backend).SetMemory(0x401025, []byte{0x55})

	gate := ctxgate.New(tgt.Backend())
	eng := New(tgt, gate, nil)

	if err := eng.SetSoft(0x401025, nil); err != nil {
		t.Fatalf("first SetSoft: %v", err)
	}
	if err := eng.SetSoft(0x401025, nil); err != nil {
		t.Fatalf("second SetSoft: %v", err)
	}
	rec, ok := eng.SoftAt(0x401025)
	if !ok || rec.OriginalByte != 0x55 {
		t.Fatalf("SoftAt: original byte clobbered by re-arm, got %+v", rec)
	}
}

func TestInitialBreakpointNotRestored(t *testing.T) {
	tgt, _ := newTestTarget(t, 1, 10)
	tgt.Backend().(*simulated.Backend).SetMemory(0x7C901230, []byte{0xCC})

	gate := ctxgate.New(tgt.Backend())
	eng := New(tgt, gate, nil)

	ctx := &osdbg.Context{Arch: osdbg.Arch64, GP: map[string]uint64{}}
	wasInitial, conditionMet, err := eng.HandleBreakpointException(ctx, 0x7C901230)
	if err != nil {
		t.Fatalf("HandleBreakpointException: %v", err)
	}
	if !wasInitial {
		t.Fatalf("first-ever breakpoint exception: want wasInitial=true")
	}
	if conditionMet {
		t.Fatalf("first-ever breakpoint exception: want conditionMet=false")
	}
	if !eng.InitialBreakpointHit() {
		t.Fatalf("InitialBreakpointHit: want true after first exception")
	}

	data, err := tgt.Read(0x7C901230, 1)
	if err != nil || data[0] != 0xCC {
		t.Fatalf("initial breakpoint byte must be left untouched, got %x err %v", data, err)
	}
}

func TestTransparentRestoreAndRearmAfterInitial(t *testing.T) {
	tgt, _ := newTestTarget(t, 1, 10)
	tgt.Backend().(*simulated.Backend).SetMemory(0x7C901230, []byte{0xCC})
	tgt.Backend().(*simulated.Backend).SetMemory(0x401025, []byte{0x55})

	gate := ctxgate.New(tgt.Backend())
	eng := New(tgt, gate, nil)

	// Consume the initial OS breakpoint first.
	initCtx := &osdbg.Context{Arch: osdbg.Arch64, GP: map[string]uint64{}}
	if _, _, err := eng.HandleBreakpointException(initCtx, 0x7C901230); err != nil {
		t.Fatalf("initial HandleBreakpointException: %v", err)
	}

	if err := eng.SetSoft(0x401025, nil); err != nil {
		t.Fatalf("SetSoft: %v", err)
	}

	ctx := &osdbg.Context{Arch: osdbg.Arch64, PC: 0x401026, GP: map[string]uint64{}}
	wasInitial, conditionMet, err := eng.HandleBreakpointException(ctx, 0x401025)
	if err != nil {
		t.Fatalf("HandleBreakpointException: %v", err)
	}
	if wasInitial {
		t.Fatalf("want wasInitial=false on user breakpoint")
	}
	if !conditionMet {
		t.Fatalf("want conditionMet=true for unconditional breakpoint")
	}
	if ctx.PC != 0x401025 {
		t.Fatalf("PC not rewound: got 0x%x, want 0x401025", ctx.PC)
	}
	if !ctx.TrapFlagSet() {
		t.Fatalf("trap flag not armed for re-arm single-step")
	}

	data, err := tgt.Read(0x401025, 1)
	if err != nil || data[0] != 0x55 {
		t.Fatalf("original byte not restored during single-step window, got %x err %v", data, err)
	}

	rearmed, err := eng.HandleSingleStepException()
	if err != nil || !rearmed {
		t.Fatalf("HandleSingleStepException: want rearmed=true, got %v err %v", rearmed, err)
	}
	data, err = tgt.Read(0x401025, 1)
	if err != nil || data[0] != 0xCC {
		t.Fatalf("breakpoint not re-armed after single-step, got %x err %v", data, err)
	}
}

func TestHardwareBreakpointEncodesDR7(t *testing.T) {
	tgt, be := newTestTarget(t, 1, 10)
	be.SetContext(10, &osdbg.Context{Arch: osdbg.Arch64, GP: map[string]uint64{}})
	gate := ctxgate.New(tgt.Backend())
	eng := New(tgt, gate, nil)

	if err := eng.SetHard(10, 0x402000, 0, Length4, AccessWrite); err != nil {
		t.Fatalf("SetHard: %v", err)
	}
	ctx, err := be.GetThreadContext(osdbg.ThreadHandle{ID: 10})
	if err != nil {
		t.Fatalf("GetThreadContext: %v", err)
	}
	if ctx.Dr0 != 0x402000 {
		t.Fatalf("Dr0: got 0x%x, want 0x402000", ctx.Dr0)
	}
	if ctx.Dr7&0b11 == 0 {
		t.Fatalf("Dr7: slot 0 not enabled, got 0x%x", ctx.Dr7)
	}
	wantAccessLen := (AccessWrite.encode() | Length4.encode()<<2) << 16
	if ctx.Dr7&(0b1111<<16) != wantAccessLen {
		t.Fatalf("Dr7 access/length field: got 0x%x, want 0x%x", ctx.Dr7&(0b1111<<16), wantAccessLen)
	}

	slot, ok := eng.HardSlot(0)
	if !ok || slot.Address != 0x402000 {
		t.Fatalf("HardSlot: got %+v ok=%v", slot, ok)
	}

	if err := eng.UnsetHard(10, 0x402000); err != nil {
		t.Fatalf("UnsetHard: %v", err)
	}
	ctx, err = be.GetThreadContext(osdbg.ThreadHandle{ID: 10})
	if err != nil {
		t.Fatalf("GetThreadContext after unset: %v", err)
	}
	if ctx.Dr0 != 0 || ctx.Dr7&0b11 != 0 {
		t.Fatalf("UnsetHard did not clear DR0/DR7, got Dr0=0x%x Dr7=0x%x", ctx.Dr0, ctx.Dr7)
	}
	if _, ok := eng.HardSlot(0); ok {
		t.Fatalf("HardSlot after unset: want no record")
	}
}

func TestUnsetHardOnUnknownAddressErrors(t *testing.T) {
	tgt, be := newTestTarget(t, 1, 10)
	be.SetContext(10, &osdbg.Context{Arch: osdbg.Arch64, GP: map[string]uint64{}})
	gate := ctxgate.New(tgt.Backend())
	eng := New(tgt, gate, nil)

	if err := eng.UnsetHard(10, 0xDEADBEEF); !errors.Is(err, errs.NotFound) {
		t.Fatalf("UnsetHard unknown addr: want errs.NotFound, got %v", err)
	}
}

func TestConditionGatesReporting(t *testing.T) {
	cond, err := ParseCondition("RAX==$2A")
	if err != nil {
		t.Fatalf("ParseCondition: %v", err)
	}
	ctxMet := &osdbg.Context{GP: map[string]uint64{"RAX": 0x2A}}
	ctxUnmet := &osdbg.Context{GP: map[string]uint64{"RAX": 0x10}}

	if !Evaluate(cond, ctxMet, nil, 1) {
		t.Fatalf("Evaluate: want condition satisfied when RAX==0x2A")
	}
	if Evaluate(cond, ctxUnmet, nil, 1) {
		t.Fatalf("Evaluate: want condition unsatisfied when RAX==0x10")
	}
}
