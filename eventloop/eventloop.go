package eventloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/coredbg/coredbg/breakpoint"
	"github.com/coredbg/coredbg/ctxgate"
	"github.com/coredbg/coredbg/dbglog"
	"github.com/coredbg/coredbg/errs"
	"github.com/coredbg/coredbg/osdbg"
	"github.com/coredbg/coredbg/target"
)

// TargetState is published by the loop before it parks and consumed
// by the client between park and release. The client must not retain
// it past Resume.
type TargetState struct {
	ThreadID uint32
	Context  *osdbg.Context
	IsReady  bool
}

// Loop is the Debug Event Loop: one dedicated goroutine that consumes
// platform debug events, runs the transparent breakpoint protocol,
// dispatches to client hooks, and parks on a rendezvous gate.
type Loop struct {
	backend osdbg.Backend
	tgt     *target.Target
	bp      *breakpoint.Engine
	gate    *ctxgate.Gate
	log     dbglog.Logger

	settings Settings
	hooks    HookSet

	allowedToDebug atomic.Bool
	running        atomic.Bool
	pauseRequested atomic.Bool
	stepOverArmed  atomic.Bool

	mu       sync.Mutex
	state    TargetState
	isPaused bool
	resumeCh chan struct{}
	parkedCh chan struct{}

	initDone chan struct{}
	initErr  error

	doneCh chan struct{}
	group  *errgroup.Group

	// onTimeout runs on every poll that returned no event. It is used
	// to arm the first-instruction breakpoint as soon as the main
	// module loads: a write that fails with errs.PartialTransfer is
	// retried on the next timeout rather than surfaced.
	onTimeout func()
}

// SetTimeoutHook installs fn to run on every WaitForDebugEvent poll
// that returns no event.
func (l *Loop) SetTimeoutHook(fn func()) { l.onTimeout = fn }

// New constructs a Loop. Call Attach or CreateAndDebug, then Start.
func New(backend osdbg.Backend, tgt *target.Target, bp *breakpoint.Engine, gate *ctxgate.Gate, settings Settings, hooks HookSet, log dbglog.Logger) *Loop {
	return &Loop{
		backend:  backend,
		tgt:      tgt,
		bp:       bp,
		gate:     gate,
		settings: settings,
		hooks:    hooks,
		log:      dbglog.OrDiscard(log),
		initDone: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the loop's dedicated goroutine, coordinated through
// an errgroup so Stop can join it deterministically. initFn performs
// attach/create-and-debug on the loop goroutine itself and its result
// is surfaced through WaitInit.
func (l *Loop) Start(ctx context.Context, initFn func() error) {
	l.allowedToDebug.Store(true)
	l.running.Store(true)

	g, _ := errgroup.WithContext(ctx)
	l.group = g
	g.Go(func() error {
		defer close(l.doneCh)
		defer l.running.Store(false)

		if err := initFn(); err != nil {
			l.initErr = err
			close(l.initDone)
			return err
		}
		close(l.initDone)

		l.run()
		return nil
	})
}

// WaitInit blocks until the loop's init step has completed and
// returns its error, if any.
func (l *Loop) WaitInit() error {
	<-l.initDone
	return l.initErr
}

// Stop clears allowedToDebug and releases the gate so a parked
// iteration progresses, then joins the loop goroutine.
func (l *Loop) Stop() error {
	l.allowedToDebug.Store(false)
	l.Resume()
	if l.group != nil {
		return l.group.Wait()
	}
	return nil
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }

func (l *Loop) run() {
	for l.allowedToDebug.Load() {
		ev, got, err := l.backend.WaitForDebugEvent(l.settings.PollTimeoutMS)
		if err != nil {
			l.log.WithError(err).Warn("eventloop: wait-for-debug-event failed")
			continue
		}
		if !got {
			if l.onTimeout != nil {
				l.onTimeout()
			}
			continue
		}

		l.handleEvent(ev)

		if ev.Kind == osdbg.EventExitProcess {
			break
		}
	}
	if pid, err := l.tgt.PID(); err == nil {
		_ = l.backend.DebugActiveProcessStop(pid)
	}
}

func (l *Loop) handleEvent(ev *osdbg.DebugEvent) {
	if ev.Kind == osdbg.EventCreateProcess {
		l.tgt.SetMainThreadID(ev.ThreadID)
	}

	var status osdbg.ContinueStatus
	var park bool

	if ev.Kind == osdbg.EventException {
		status, park = l.handleException(ev)
	} else {
		status = l.hooks.dispatch(ev)
		park = l.settings.pauseOnKind(ev.Kind)
	}

	if park {
		l.park(ev.ThreadID)
	}

	if err := l.backend.ContinueDebugEvent(ev.ProcessID, ev.ThreadID, status); err != nil {
		l.log.WithError(err).Warn("eventloop: continue-debug-event failed")
	}
}

// handleException runs the transparent breakpoint protocol for
// Breakpoint/SingleStep exceptions (spec §4.D, §4.E) and defers to
// the client hook for everything else.
func (l *Loop) handleException(ev *osdbg.DebugEvent) (status osdbg.ContinueStatus, park bool) {
	switch ev.ExceptionClass {
	case osdbg.ExceptionBreakpoint:
		return l.handleBreakpointEvent(ev)
	case osdbg.ExceptionSingleStep:
		return l.handleSingleStepEvent(ev)
	default:
		status = l.hooks.dispatch(ev)
		park = l.shouldParkGeneric(ev, false)
		return status, park
	}
}

func (l *Loop) handleBreakpointEvent(ev *osdbg.DebugEvent) (osdbg.ContinueStatus, bool) {
	handle, ctx, err := l.gate.BeginEdit(ev.ThreadID)
	if err != nil {
		l.log.WithError(err).Warn("eventloop: breakpoint begin-edit failed")
		return osdbg.StatusContinue, false
	}

	wasInitial, conditionMet, err := l.bp.HandleBreakpointException(ctx, ev.ExceptionAddress)
	if err != nil {
		l.log.WithError(err).Warn("eventloop: transparent breakpoint protocol failed")
	}

	stoppedForStepOver := !wasInitial && l.stepOverArmed.CompareAndSwap(true, false)
	if stoppedForStepOver {
		// step_over/run_until parks here directly rather than via the
		// single-step the transparent-restore protocol armed; the
		// temporary breakpoint has done its job and the trap flag it
		// set is not needed, so clear both before writing ctx back.
		if err := l.bp.UnsetSoft(ev.ExceptionAddress); err != nil {
			l.log.WithError(err).Warn("eventloop: step-over breakpoint cleanup failed")
		}
		ctx.ClearTrapFlag()
	}

	if endErr := l.gate.EndEdit(handle, ctx); endErr != nil {
		l.log.WithError(endErr).Warn("eventloop: breakpoint end-edit failed")
	}

	if wasInitial {
		return osdbg.StatusContinue, false
	}
	if stoppedForStepOver {
		return osdbg.StatusContinue, true
	}

	park := conditionMet && l.shouldParkGeneric(ev, false)
	return osdbg.StatusContinue, park
}

func (l *Loop) handleSingleStepEvent(ev *osdbg.DebugEvent) (osdbg.ContinueStatus, bool) {
	rearmed, err := l.bp.HandleSingleStepException()
	if err != nil {
		l.log.WithError(err).Warn("eventloop: single-step re-arm failed")
	}
	if rearmed {
		return osdbg.StatusContinue, false
	}

	if l.stepOverArmed.CompareAndSwap(true, false) {
		return osdbg.StatusContinue, true
	}

	park := l.shouldParkGeneric(ev, false)
	return osdbg.StatusContinue, park
}

// shouldParkGeneric applies the Settings pause-on switch for ev's
// exception class together with the second-chance/ignore-first-chance
// policy. skipInitial forces no-park for the transparent-restore
// pass-through.
func (l *Loop) shouldParkGeneric(ev *osdbg.DebugEvent, skipInitial bool) bool {
	if skipInitial {
		return false
	}
	if !l.settings.pauseOnClass(ev.ExceptionClass) {
		return false
	}
	if l.settings.IgnoreFirstChanceExceptions && l.bp.InitialBreakpointHit() && ev.FirstChance {
		return false
	}
	if l.settings.PauseOnSecondChanceException {
		return !ev.FirstChance
	}
	return true
}

// park snapshots the paused thread, publishes TargetState, and blocks
// until the client calls Resume. It is a single-slot rendezvous, not
// a busy spin.
func (l *Loop) park(threadID uint32) {
	handle, ctx, err := l.gate.BeginEdit(threadID)
	if err != nil {
		l.log.WithError(err).Warn("eventloop: park begin-edit failed")
		return
	}

	l.mu.Lock()
	l.state = TargetState{ThreadID: threadID, Context: ctx, IsReady: true}
	l.isPaused = true
	l.resumeCh = make(chan struct{})
	resumeCh := l.resumeCh
	parkedCh := make(chan struct{})
	l.parkedCh = parkedCh
	l.mu.Unlock()
	close(parkedCh)

	<-resumeCh

	l.mu.Lock()
	finalCtx := l.state.Context
	l.state = TargetState{}
	l.isPaused = false
	l.mu.Unlock()

	if err := l.gate.EndEdit(handle, finalCtx); err != nil {
		l.log.WithError(err).Warn("eventloop: park end-edit failed")
	}
}

// Resume releases a parked loop iteration. Safe to call when not
// parked (no-op).
func (l *Loop) Resume() {
	l.mu.Lock()
	ch := l.resumeCh
	l.resumeCh = nil
	l.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// IsPaused reports whether the loop is currently parked.
func (l *Loop) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isPaused
}

// State returns a copy of the current TargetState. Only meaningful
// while IsPaused is true.
func (l *Loop) State() TargetState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// PausedThreadID returns the thread ID the loop is currently parked
// on, if any.
func (l *Loop) PausedThreadID() (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isPaused {
		return 0, false
	}
	return l.state.ThreadID, true
}

// PausedPC returns the paused thread's current program counter.
func (l *Loop) PausedPC() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isPaused || l.state.Context == nil {
		return 0, false
	}
	return l.state.Context.PC, true
}

// MutateContext lets the client mutate the paused thread's published
// context in place (e.g. to arm the trap flag for step-into); the
// mutation is written back when the park releases.
func (l *Loop) MutateContext(fn func(ctx *osdbg.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isPaused || l.state.Context == nil {
		return fmt.Errorf("eventloop: mutate-context: %w", errs.NotPaused)
	}
	fn(l.state.Context)
	return nil
}

// ArmStepOver marks that the next single-step or breakpoint event
// should force a park and clear this flag, per the stepping
// controller's step-over protocol.
func (l *Loop) ArmStepOver() { l.stepOverArmed.Store(true) }

// Pause requests a break in the target; the client must still wait
// for IsPaused to become true (or await a future rendezvous) before
// using step/context APIs.
func (l *Loop) Pause() error {
	h, err := l.tgt.Handle()
	if err != nil {
		return err
	}
	l.pauseRequested.Store(true)
	return l.backend.DebugBreakProcess(h)
}
