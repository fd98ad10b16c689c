package breakpoint

import (
	"github.com/coredbg/coredbg/ctxgate"
	"github.com/coredbg/coredbg/dbglog"
	"github.com/coredbg/coredbg/osdbg"
)

// Engine is the Breakpoint Engine: software INT3 lifecycle, hardware
// DR0-DR3/DR7 programming, and the combined unset-all operation.
type Engine struct {
	soft softTable
	hard hardTable

	mem  memWriter
	gate *ctxgate.Gate
	log  dbglog.Logger
}

// New binds an Engine to the memory access and context gate of one
// target.
func New(mem memWriter, gate *ctxgate.Gate, log dbglog.Logger) *Engine {
	return &Engine{
		soft: newSoftTable(),
		hard: newHardTable(),
		mem:  mem,
		gate: gate,
		log:  dbglog.OrDiscard(log),
	}
}

// SetSoft arms a software breakpoint at addr, optionally gated by
// cond.
func (e *Engine) SetSoft(addr uint64, cond *Condition) error {
	return e.soft.SetSoft(e.mem, addr, cond)
}

// UnsetSoft disarms the software breakpoint at addr.
func (e *Engine) UnsetSoft(addr uint64) error {
	return e.soft.UnsetSoft(e.mem, addr)
}

// UnsetAllSoft disarms every software breakpoint.
func (e *Engine) UnsetAllSoft() error {
	return e.soft.UnsetAllSoft(e.mem)
}

// SoftAt returns the software breakpoint record at addr, if any.
func (e *Engine) SoftAt(addr uint64) (SoftRecord, bool) {
	return e.soft.SoftAt(addr)
}

// InitialBreakpointHit reports whether the attach-time breakpoint has
// been observed.
func (e *Engine) InitialBreakpointHit() bool {
	return e.soft.InitialBreakpointHit()
}

// HandleBreakpointException implements the transparent restore/re-arm
// protocol for a breakpoint exception at addr on the paused thread
// whose context is ctx (mutated in place: PC and the trap flag).
func (e *Engine) HandleBreakpointException(ctx *osdbg.Context, addr uint64) (wasInitial, conditionMet bool, err error) {
	return e.soft.HandleBreakpointException(e.mem, ctx, addr)
}

// HandleSingleStepException re-arms any pending software breakpoint.
func (e *Engine) HandleSingleStepException() (rearmed bool, err error) {
	return e.soft.HandleSingleStepException(e.mem)
}

// SetHard programs hardware slot `slot` (0-3) on threadID.
func (e *Engine) SetHard(threadID uint32, addr uint64, slot int, length HardLength, access HardAccess) error {
	return e.hard.SetHard(e.gate, threadID, addr, slot, length, access)
}

// UnsetHard clears whichever hardware slot currently holds addr.
func (e *Engine) UnsetHard(threadID uint32, addr uint64) error {
	return e.hard.UnsetHard(e.gate, threadID, addr)
}

// UnsetAllHard clears every hardware slot.
func (e *Engine) UnsetAllHard(threadID uint32) error {
	return e.hard.UnsetAllHard(e.gate, threadID)
}

// HardSlot returns the record programmed in a hardware slot, if any.
func (e *Engine) HardSlot(slot int) (HardRecord, bool) {
	return e.hard.SlotAt(slot)
}

// SetWatch is a friendlier constructor for a hardware watchpoint: a
// hardware breakpoint whose access type is Write or ReadWrite rather
// than Exec. It needs no new registers, only this naming; any access
// other than AccessWrite or AccessReadWrite is treated as AccessWrite.
func (e *Engine) SetWatch(threadID uint32, addr uint64, slot int, length HardLength, access HardAccess) error {
	if access != AccessWrite && access != AccessReadWrite {
		access = AccessWrite
	}
	return e.SetHard(threadID, addr, slot, length, access)
}

// UnsetAll clears every software and hardware breakpoint.
func (e *Engine) UnsetAll(threadID uint32) error {
	if err := e.soft.UnsetAllSoft(e.mem); err != nil {
		return err
	}
	return e.hard.UnsetAllHard(e.gate, threadID)
}
