package eventloop

import "github.com/coredbg/coredbg/osdbg"

// Hook is a client callback invoked for one debug event. Exception
// hooks default to returning StatusExceptionNotHandled (let the
// target's own SEH run); non-exception hooks default to
// StatusContinue.
type Hook func(ev *osdbg.DebugEvent) osdbg.ContinueStatus

// HookSet is the virtual-hook table the loop dispatches to, replacing
// the source's deepening inheritance tower with a flat set of
// function-valued hooks composed by value.
type HookSet struct {
	OnException         Hook
	OnCreateProcess     Hook
	OnExitProcess       Hook
	OnCreateThread      Hook
	OnExitThread        Hook
	OnLoadDLL           Hook
	OnUnloadDLL         Hook
	OnOutputDebugString Hook
	OnRIP               Hook
}

// DefaultHookSet returns the hook set spec §4.E specifies as defaults:
// exceptions pass through unhandled, everything else continues.
func DefaultHookSet() HookSet {
	always := func(status osdbg.ContinueStatus) Hook {
		return func(*osdbg.DebugEvent) osdbg.ContinueStatus { return status }
	}
	return HookSet{
		OnException:         always(osdbg.StatusExceptionNotHandled),
		OnCreateProcess:     always(osdbg.StatusContinue),
		OnExitProcess:       always(osdbg.StatusContinue),
		OnCreateThread:      always(osdbg.StatusContinue),
		OnExitThread:        always(osdbg.StatusContinue),
		OnLoadDLL:           always(osdbg.StatusContinue),
		OnUnloadDLL:         always(osdbg.StatusContinue),
		OnOutputDebugString: always(osdbg.StatusContinue),
		OnRIP:               always(osdbg.StatusContinue),
	}
}

func (h HookSet) dispatch(ev *osdbg.DebugEvent) osdbg.ContinueStatus {
	switch ev.Kind {
	case osdbg.EventException:
		return call(h.OnException, ev, osdbg.StatusExceptionNotHandled)
	case osdbg.EventCreateProcess:
		return call(h.OnCreateProcess, ev, osdbg.StatusContinue)
	case osdbg.EventExitProcess:
		return call(h.OnExitProcess, ev, osdbg.StatusContinue)
	case osdbg.EventCreateThread:
		return call(h.OnCreateThread, ev, osdbg.StatusContinue)
	case osdbg.EventExitThread:
		return call(h.OnExitThread, ev, osdbg.StatusContinue)
	case osdbg.EventLoadDLL:
		return call(h.OnLoadDLL, ev, osdbg.StatusContinue)
	case osdbg.EventUnloadDLL:
		return call(h.OnUnloadDLL, ev, osdbg.StatusContinue)
	case osdbg.EventOutputDebugString:
		return call(h.OnOutputDebugString, ev, osdbg.StatusContinue)
	case osdbg.EventRIP:
		return call(h.OnRIP, ev, osdbg.StatusContinue)
	default:
		return osdbg.StatusContinue
	}
}

func call(h Hook, ev *osdbg.DebugEvent, def osdbg.ContinueStatus) osdbg.ContinueStatus {
	if h == nil {
		return def
	}
	return h(ev)
}
