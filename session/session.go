// Package session wires target, ctxgate, patch, breakpoint, eventloop,
// step, scanner and blocks together into one attached-process session,
// the composition root analogous to a monitor that owns every
// subsystem for one process.
package session

import (
	"context"
	"fmt"

	"github.com/coredbg/coredbg/blocks"
	"github.com/coredbg/coredbg/breakpoint"
	"github.com/coredbg/coredbg/ctxgate"
	"github.com/coredbg/coredbg/dbglog"
	"github.com/coredbg/coredbg/disasm"
	"github.com/coredbg/coredbg/eventloop"
	"github.com/coredbg/coredbg/osdbg"
	"github.com/coredbg/coredbg/patch"
	"github.com/coredbg/coredbg/scanner"
	"github.com/coredbg/coredbg/step"
	"github.com/coredbg/coredbg/target"
)

// Session owns every subsystem attached to one debugged process.
type Session struct {
	Target      *target.Target
	Gate        *ctxgate.Gate
	Patches     *patch.Registry
	Breakpoints *breakpoint.Engine
	Loop        *eventloop.Loop
	Step        *step.Controller
	Scanner     *scanner.Scanner
	Blocks      *blocks.Builder

	dec disasm.Decoder
	log dbglog.Logger
}

// Config customizes a Session's event-loop policy and hook set. A zero
// Settings uses eventloop.DefaultSettings; HooksSet must be true for
// Hooks to take effect, since HookSet holds function values and so has
// no usable zero-value comparison.
type Config struct {
	Settings eventloop.Settings
	Hooks    eventloop.HookSet
	HooksSet bool
}

// New constructs a Session's subsystems over backend/decoder, wired in
// dependency order: target first (owns the handle), then the
// collaborators that read through it, then the event loop that ties
// breakpoint handling to the paused-thread rendezvous, then the
// stepping controller that rides on top of the loop.
func New(backend osdbg.Backend, dec disasm.Decoder, cfg Config, log dbglog.Logger) *Session {
	log = dbglog.OrDiscard(log)

	tgt := target.New(backend, log)
	gate := ctxgate.New(backend)
	patches := patch.New(tgt, dec, log)
	bp := breakpoint.New(tgt, gate, log)

	settings := cfg.Settings
	if settings == (eventloop.Settings{}) {
		settings = eventloop.DefaultSettings()
	}
	hooks := cfg.Hooks
	if !cfg.HooksSet {
		hooks = eventloop.DefaultHookSet()
	}

	loop := eventloop.New(backend, tgt, bp, gate, settings, hooks, log)
	stepper := step.New(tgt, dec, bp, loop, log)
	scan := scanner.New(tgt, log)

	return &Session{
		Target:      tgt,
		Gate:        gate,
		Patches:     patches,
		Breakpoints: bp,
		Loop:        loop,
		Step:        stepper,
		Scanner:     scan,
		dec:         dec,
		log:         log,
	}
}

// Attach opens pid, starts the event loop, and installs the
// first-instruction breakpoint hook (see afterOpen).
func (s *Session) Attach(ctx context.Context, pid uint32) error {
	s.Loop.Start(ctx, func() error { return s.Target.OpenByPID(pid) })
	if err := s.Loop.WaitInit(); err != nil {
		return fmt.Errorf("session: attach pid %d: %w", pid, err)
	}
	return s.afterOpen()
}

// AttachByName resolves name against the running-process snapshot and
// attaches to it, starting the event loop the same way Attach does.
// Spec §4.A lists open-by-name as the primary open operation; spec §6
// asks the CLI to open a target by name or create it if absent.
func (s *Session) AttachByName(ctx context.Context, name string) error {
	s.Loop.Start(ctx, func() error { return s.Target.OpenByName(name) })
	if err := s.Loop.WaitInit(); err != nil {
		return fmt.Errorf("session: attach %q: %w", name, err)
	}
	return s.afterOpen()
}

// Launch creates path under debug control, starts the event loop, and
// installs the first-instruction breakpoint hook (see afterOpen).
func (s *Session) Launch(ctx context.Context, path string, args []string) error {
	s.Loop.Start(ctx, func() error { return s.Target.CreateAndDebug(path, args, true) })
	if err := s.Loop.WaitInit(); err != nil {
		return fmt.Errorf("session: launch %q: %w", path, err)
	}
	return s.afterOpen()
}

// afterOpen builds the basic-block builder once the target's bitness
// is known and wires the timeout hook that installs the
// first-instruction breakpoint as soon as a main module is readable.
func (s *Session) afterOpen() error {
	is64, err := s.Target.Is64Bit()
	if err != nil {
		return fmt.Errorf("session: query bitness: %w", err)
	}
	s.Blocks = blocks.New(s.Target, s.dec, is64)

	armed := false
	s.Loop.SetTimeoutHook(func() {
		if armed {
			return
		}
		entry, err := s.Target.EntryPoint()
		if err != nil {
			return
		}
		if err := s.Breakpoints.SetSoft(entry, nil); err == nil {
			armed = true
		}
	})
	return nil
}

// Close stops the event loop, restores every patch and breakpoint, and
// closes the target handle. Best-effort: the first error encountered
// is returned but every step still runs.
func (s *Session) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if tid, err := s.Target.MainThreadID(); err == nil {
		note(s.Breakpoints.UnsetAll(tid))
	}
	note(s.Patches.RestoreAll(true))
	note(s.Loop.Stop())
	note(s.Target.Close())
	return firstErr
}
