// Package eventloop implements the Debug Event Loop: a single
// dedicated goroutine consuming platform debug events, dispatching to
// hooks, and parking on a client rendezvous per Settings.
package eventloop

import "github.com/coredbg/coredbg/osdbg"

// Settings is the enumerated set of boolean "pause on" switches keyed
// by exception class, plus the non-exception event kinds and the
// second-chance/first-chance policy toggles.
type Settings struct {
	PauseOnBreakpoint         bool
	PauseOnSingleStep         bool
	PauseOnAccessViolation    bool
	PauseOnGuardPage          bool
	PauseOnIllegalInstruction bool
	PauseOnOtherException     bool
	PauseOnCreateProcess      bool
	PauseOnExitProcess        bool
	PauseOnCreateThread       bool
	PauseOnExitThread         bool
	PauseOnLoadDLL            bool
	PauseOnUnloadDLL          bool
	PauseOnOutputDebugString  bool
	PauseOnRIP                bool

	// PauseOnSecondChanceException, when set, restricts exception
	// pausing to second-chance deliveries (FirstChance == false) and
	// never the transparent-restore pass-through.
	PauseOnSecondChanceException bool

	// IgnoreFirstChanceExceptions suppresses first-chance exceptions
	// once the initial breakpoint has been observed.
	IgnoreFirstChanceExceptions bool

	// PollTimeoutMS is the bounded wait passed to WaitForDebugEvent.
	// Default 1ms, matching spec's default poll cadence.
	PollTimeoutMS int
}

// DefaultSettings returns the conservative defaults: pause on
// breakpoint and single-step (the cases a debugger exists to serve),
// everything else continues.
func DefaultSettings() Settings {
	return Settings{
		PauseOnBreakpoint: true,
		PauseOnSingleStep: true,
		PollTimeoutMS:     1,
	}
}

func (s Settings) pauseOnClass(c osdbg.ExceptionClass) bool {
	switch c {
	case osdbg.ExceptionBreakpoint:
		return s.PauseOnBreakpoint
	case osdbg.ExceptionSingleStep:
		return s.PauseOnSingleStep
	case osdbg.ExceptionAccessViolation:
		return s.PauseOnAccessViolation
	case osdbg.ExceptionGuardPage:
		return s.PauseOnGuardPage
	case osdbg.ExceptionIllegalInstruction:
		return s.PauseOnIllegalInstruction
	default:
		return s.PauseOnOtherException
	}
}

func (s Settings) pauseOnKind(k osdbg.DebugEventKind) bool {
	switch k {
	case osdbg.EventCreateProcess:
		return s.PauseOnCreateProcess
	case osdbg.EventExitProcess:
		return s.PauseOnExitProcess
	case osdbg.EventCreateThread:
		return s.PauseOnCreateThread
	case osdbg.EventExitThread:
		return s.PauseOnExitThread
	case osdbg.EventLoadDLL:
		return s.PauseOnLoadDLL
	case osdbg.EventUnloadDLL:
		return s.PauseOnUnloadDLL
	case osdbg.EventOutputDebugString:
		return s.PauseOnOutputDebugString
	case osdbg.EventRIP:
		return s.PauseOnRIP
	default:
		return false
	}
}
