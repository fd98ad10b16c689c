// Package step implements the Stepping Controller: step-into and
// step-over built on the breakpoint engine and the paused event loop.
package step

import (
	"fmt"

	"github.com/coredbg/coredbg/breakpoint"
	"github.com/coredbg/coredbg/dbglog"
	"github.com/coredbg/coredbg/disasm"
	"github.com/coredbg/coredbg/errs"
	"github.com/coredbg/coredbg/osdbg"
)

// memReader is the read access step needs to disassemble the current
// instruction.
type memReader interface {
	Read(addr uint64, size int) ([]byte, error)
}

// Controller implements StepInto/StepOver.
type Controller struct {
	mem  memReader
	dec  disasm.Decoder
	bp   *breakpoint.Engine
	loop pausedLoop
	log  dbglog.Logger
}

// pausedLoop is the exact surface Controller needs from
// *eventloop.Loop, kept narrow so step has no import-cycle risk.
type pausedLoop interface {
	IsPaused() bool
	PausedThreadID() (uint32, bool)
	PausedPC() (uint64, bool)
	MutateContext(fn func(ctx *osdbg.Context)) error
	ArmStepOver()
	Resume()
}

// New binds a Controller to the memory/decoder/breakpoint engine and
// the event loop it steps.
func New(mem memReader, dec disasm.Decoder, bp *breakpoint.Engine, l pausedLoop, log dbglog.Logger) *Controller {
	return &Controller{mem: mem, dec: dec, bp: bp, loop: l, log: dbglog.OrDiscard(log)}
}

// StepInto verifies the loop is paused, sets the trap flag on the
// paused thread, and resumes. One instruction later a single-step
// exception parks the loop again.
func (c *Controller) StepInto() error {
	if !c.loop.IsPaused() {
		return fmt.Errorf("step: step-into: %w", errs.NotPaused)
	}
	if err := c.loop.MutateContext(func(ctx *osdbg.Context) { ctx.SetTrapFlag() }); err != nil {
		return fmt.Errorf("step: step-into: %w", err)
	}
	c.loop.Resume()
	return nil
}

// StepOver disassembles the current instruction. If it is a Call, a
// software breakpoint is placed at the fall-through address and the
// step-over-in-progress flag is armed; otherwise it delegates to
// StepInto.
func (c *Controller) StepOver() error {
	if !c.loop.IsPaused() {
		return fmt.Errorf("step: step-over: %w", errs.NotPaused)
	}

	pc, ok := c.loop.PausedPC()
	if !ok {
		return fmt.Errorf("step: step-over: %w", errs.Internal)
	}

	code, err := c.mem.Read(pc, 16)
	if err != nil {
		return fmt.Errorf("step: step-over read at 0x%x: %w", pc, err)
	}
	inst, err := c.dec.Decode(code, pc, true)
	if err != nil {
		return fmt.Errorf("step: step-over decode at 0x%x: %w", pc, errs.DecodeFailure)
	}

	if inst.FlowClass != disasm.Call {
		return c.StepInto()
	}

	next := pc + uint64(inst.Length)
	if err := c.bp.SetSoft(next, nil); err != nil {
		return fmt.Errorf("step: step-over set soft bp at 0x%x: %w", next, err)
	}
	c.loop.ArmStepOver()
	c.loop.Resume()
	return nil
}

// RunUntil places a temporary software breakpoint at addr and resumes;
// it generalizes step-over's mechanism onto an arbitrary address
// rather than only the instruction after a call.
func (c *Controller) RunUntil(addr uint64) error {
	if !c.loop.IsPaused() {
		return fmt.Errorf("step: run-until: %w", errs.NotPaused)
	}
	if err := c.bp.SetSoft(addr, nil); err != nil {
		return fmt.Errorf("step: run-until set soft bp at 0x%x: %w", addr, err)
	}
	c.loop.ArmStepOver()
	c.loop.Resume()
	return nil
}
