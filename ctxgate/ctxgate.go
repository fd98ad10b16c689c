// Package ctxgate implements the Thread Context Gate: scoped
// acquisition of a thread for register inspection/mutation. Every
// path releases the thread, including a panicking caller.
package ctxgate

import (
	"fmt"

	"github.com/coredbg/coredbg/errs"
	"github.com/coredbg/coredbg/osdbg"
)

// Handle is the live acquisition returned by BeginEdit. It must reach
// EndEdit exactly once and must not outlive it.
type Handle struct {
	threadID uint32
	thread   osdbg.ThreadHandle
	released bool
}

// Gate opens/suspends/resumes threads of one target through its
// backend.
type Gate struct {
	backend osdbg.Backend
}

// New binds a Gate to backend.
func New(backend osdbg.Backend) *Gate {
	return &Gate{backend: backend}
}

// BeginEdit opens threadID with context and suspend rights, suspends
// it, and fetches its full register context (general-purpose plus
// debug registers). On any failure it closes whatever handle it
// opened and returns errs.Internal.
func (g *Gate) BeginEdit(threadID uint32) (*Handle, *osdbg.Context, error) {
	th, err := g.backend.OpenThread(threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("ctxgate: open thread %d: %w: %w", threadID, errs.Internal, err)
	}

	if err := g.backend.SuspendThread(th); err != nil {
		_ = g.backend.CloseThreadHandle(th)
		return nil, nil, fmt.Errorf("ctxgate: suspend thread %d: %w: %w", threadID, errs.Internal, err)
	}

	ctx, err := g.backend.GetThreadContext(th)
	if err != nil {
		_ = g.backend.ResumeThread(th)
		_ = g.backend.CloseThreadHandle(th)
		return nil, nil, fmt.Errorf("ctxgate: get context thread %d: %w: %w", threadID, errs.Internal, err)
	}

	return &Handle{threadID: threadID, thread: th}, ctx, nil
}

// EndEdit writes ctx back (full register set including debug
// registers), resumes the thread and closes the handle. Safe to call
// from a deferred recover boundary: the caller is expected to wrap
// its mutation of ctx in
//
//	h, ctx, err := gate.BeginEdit(tid)
//	if err != nil { return err }
//	defer func() { _ = gate.EndEdit(h, ctx) }()
//
// so a panicking mutation still resumes the thread.
func (g *Gate) EndEdit(h *Handle, ctx *osdbg.Context) error {
	if h == nil || h.released {
		return fmt.Errorf("ctxgate: end-edit on released or nil handle: %w", errs.Internal)
	}
	h.released = true

	setErr := g.backend.SetThreadContext(h.thread, ctx)
	resumeErr := g.backend.ResumeThread(h.thread)
	closeErr := g.backend.CloseThreadHandle(h.thread)

	if setErr != nil {
		return fmt.Errorf("ctxgate: set context thread %d: %w: %w", h.threadID, errs.Internal, setErr)
	}
	if resumeErr != nil {
		return fmt.Errorf("ctxgate: resume thread %d: %w: %w", h.threadID, errs.Internal, resumeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("ctxgate: close thread %d: %w: %w", h.threadID, errs.Internal, closeErr)
	}
	return nil
}

// ThreadID returns the thread this handle was acquired for.
func (h *Handle) ThreadID() uint32 { return h.threadID }
