package breakpoint

import (
	"fmt"
	"sync"

	"github.com/coredbg/coredbg/errs"
	"github.com/coredbg/coredbg/osdbg"
)

// SoftRecord is one software (INT3) breakpoint: the address and the
// byte it replaced. At most one is active per address.
type SoftRecord struct {
	Address      uint64
	OriginalByte byte
	Condition    *Condition
	HitCount     uint64
}

const trapByte = 0xCC

// memWriter is the write access soft breakpoints need.
type memWriter interface {
	memReader
	WriteRaw(addr uint64, data []byte) error
}

// softTable is the software-breakpoint half of Engine, split out for
// readability; Engine holds it as its soft field.
type softTable struct {
	mu      sync.Mutex
	records map[uint64]*SoftRecord

	// pendingRearm is the address the next single-step event must
	// re-write 0xCC at, or 0 if none is pending.
	pendingRearm uint64

	// initialBreakpointHit tracks whether the OS-injected attach-time
	// breakpoint has been seen yet. Per-Engine (per debugged process),
	// matching how a Loop owns exactly one target.
	initialBreakpointHit bool
}

func newSoftTable() softTable {
	return softTable{records: map[uint64]*SoftRecord{}}
}

// SetSoft reads the original byte at addr, saves it, and writes 0xCC.
func (s *softTable) SetSoft(mem memWriter, addr uint64, cond *Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[addr]; exists {
		return nil
	}

	orig, err := mem.Read(addr, 1)
	if err != nil {
		return fmt.Errorf("breakpoint: set-soft read at 0x%x: %w", addr, err)
	}
	if err := mem.WriteRaw(addr, []byte{trapByte}); err != nil {
		return fmt.Errorf("breakpoint: set-soft write at 0x%x: %w", addr, err)
	}
	s.records[addr] = &SoftRecord{Address: addr, OriginalByte: orig[0], Condition: cond}
	return nil
}

// UnsetSoft restores the original byte at addr and removes its record.
func (s *softTable) UnsetSoft(mem memWriter, addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsetSoftLocked(mem, addr)
}

func (s *softTable) unsetSoftLocked(mem memWriter, addr uint64) error {
	rec, ok := s.records[addr]
	if !ok {
		return fmt.Errorf("breakpoint: unset-soft 0x%x: %w", addr, errs.NotFound)
	}
	if err := mem.WriteRaw(addr, []byte{rec.OriginalByte}); err != nil {
		return fmt.Errorf("breakpoint: unset-soft write at 0x%x: %w", addr, err)
	}
	delete(s.records, addr)
	if s.pendingRearm == addr {
		s.pendingRearm = 0
	}
	return nil
}

// UnsetAllSoft restores every saved software breakpoint.
func (s *softTable) UnsetAllSoft(mem memWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for addr := range s.records {
		if err := s.unsetSoftLocked(mem, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SoftAt returns the record at addr, if any.
func (s *softTable) SoftAt(addr uint64) (SoftRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[addr]
	if !ok {
		return SoftRecord{}, false
	}
	return *rec, true
}

// HandleBreakpointException implements the transparent restore/re-arm
// protocol. On the first breakpoint ever seen (the OS-injected initial
// breakpoint) it only flips initialBreakpointHit and returns
// (true /* wasInitial */, false /* conditionMet */, nil): there is
// nothing to restore. On every subsequent hit at a known software
// breakpoint it restores the original byte, arms the trap flag, and
// records the pending re-arm.
func (s *softTable) HandleBreakpointException(mem memWriter, ctx *osdbg.Context, addr uint64) (wasInitial bool, conditionMet bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialBreakpointHit {
		s.initialBreakpointHit = true
		return true, false, nil
	}

	rec, ok := s.records[addr]
	if !ok {
		// A breakpoint exception at an address we have no record for
		// (e.g. a bare INT3 baked into the target). Nothing to
		// restore; report it as unconditional so the client sees it.
		return false, true, nil
	}

	if err := mem.WriteRaw(addr, []byte{rec.OriginalByte}); err != nil {
		return false, false, fmt.Errorf("breakpoint: restore at 0x%x: %w", addr, err)
	}
	ctx.PC = addr
	ctx.SetTrapFlag()
	s.pendingRearm = addr
	rec.HitCount++

	met := Evaluate(rec.Condition, ctx, mem, rec.HitCount)
	return false, met, nil
}

// HandleSingleStepException re-arms a pending software breakpoint, if
// one is outstanding. Returns true if a re-arm was performed.
func (s *softTable) HandleSingleStepException(mem memWriter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingRearm == 0 {
		return false, nil
	}
	addr := s.pendingRearm
	s.pendingRearm = 0

	if err := mem.WriteRaw(addr, []byte{trapByte}); err != nil {
		return true, fmt.Errorf("breakpoint: re-arm at 0x%x: %w", addr, err)
	}
	return true, nil
}

// InitialBreakpointHit reports whether the attach-time breakpoint has
// already been observed.
func (s *softTable) InitialBreakpointHit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialBreakpointHit
}
