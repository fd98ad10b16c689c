// Package errs defines the sentinel error taxonomy shared by every
// coredbg package. Callers compare with errors.Is, never string matching.
package errs

import "errors"

var (
	// NotOpen is returned when an operation required an attached target
	// but none is bound.
	NotOpen = errors.New("coredbg: no target is open")

	// NotPaused is returned when an operation required the debug event
	// loop to be parked but it is running.
	NotPaused = errors.New("coredbg: target is not paused")

	// AccessDenied is returned when an OS primitive reports insufficient
	// rights.
	AccessDenied = errors.New("coredbg: access denied")

	// PartialTransfer is returned when a read/write touched fewer bytes
	// than requested.
	PartialTransfer = errors.New("coredbg: partial memory transfer")

	// DecodeFailure is returned when the disassembler produced no
	// instructions for the requested range.
	DecodeFailure = errors.New("coredbg: instruction decode failed")

	// NotFound is returned when restore/unfreeze targets an address with
	// no record.
	NotFound = errors.New("coredbg: no record at address")

	// Terminated is returned when the target process exited while an
	// operation was in flight.
	Terminated = errors.New("coredbg: target process terminated")

	// Internal signals an invariant violated inside the engine, e.g. a
	// single-step event with no pending re-arm.
	Internal = errors.New("coredbg: internal invariant violation")
)
