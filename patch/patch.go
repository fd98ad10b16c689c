// Package patch implements the Patcher/Freeze Registry: a
// thread-safe, keyed store of modified byte ranges with a background
// enforcer that rewrites frozen values on a cadence.
package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/coredbg/coredbg/dbglog"
	"github.com/coredbg/coredbg/disasm"
	"github.com/coredbg/coredbg/errs"
)

// Options selects save/freeze behavior for Write.
type Options uint8

const (
	// SaveOld reads and retains the previous bytes before writing.
	SaveOld Options = 1 << iota
	// FreezeNew marks the record frozen so the enforcer keeps
	// rewriting NewBytes.
	FreezeNew
)

// Record is one registry entry.
type Record struct {
	Address  uint64
	OldBytes []byte
	NewBytes []byte
	Frozen   bool
}

// memAccess is the slice of target.Target the registry needs; kept
// narrow so patch can be tested against a fake without importing
// target's full surface.
type memAccess interface {
	Read(addr uint64, size int) ([]byte, error)
	WriteRaw(addr uint64, data []byte) error
}

// DefaultFreezeFrequency is the enforcer wake cadence.
const DefaultFreezeFrequency = 100 * time.Millisecond

// Registry is the Patcher/Freeze Registry for one target.
type Registry struct {
	tgt memAccess
	dec disasm.Decoder
	log dbglog.Logger

	freezeFreq time.Duration

	mu      sync.Mutex
	records map[uint64]*Record
	running bool
	stop    chan struct{}
}

// New returns a Registry writing through tgt, using dec to size
// instructions for NopInstruction.
func New(tgt memAccess, dec disasm.Decoder, log dbglog.Logger) *Registry {
	return &Registry{
		tgt:        tgt,
		dec:        dec,
		log:        dbglog.OrDiscard(log),
		freezeFreq: DefaultFreezeFrequency,
		records:    map[uint64]*Record{},
	}
}

// SetFreezeFrequency overrides the enforcer cadence; must be called
// before the first Write that freezes a record.
func (r *Registry) SetFreezeFrequency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freezeFreq = d
}

// Write writes data at addr per opts. With SaveOld, the previous bytes
// are read first; if that read fails, the write is aborted. With
// FreezeNew, or when a record is being saved, the record is
// inserted/updated by address.
func (r *Registry) Write(addr uint64, data []byte, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked(addr, data, opts)
}

func (r *Registry) writeLocked(addr uint64, data []byte, opts Options) error {
	var old []byte
	if opts&SaveOld != 0 {
		var err error
		old, err = r.tgt.Read(addr, len(data))
		if err != nil {
			return fmt.Errorf("patch: save-old read at 0x%x: %w", addr, err)
		}
	}

	if err := r.tgt.WriteRaw(addr, data); err != nil {
		return fmt.Errorf("patch: write at 0x%x: %w", addr, err)
	}

	if opts&(SaveOld|FreezeNew) != 0 {
		rec, ok := r.records[addr]
		if !ok {
			rec = &Record{Address: addr}
			r.records[addr] = rec
		}
		if opts&SaveOld != 0 {
			rec.OldBytes = old
		}
		rec.NewBytes = append([]byte(nil), data...)
		if opts&FreezeNew != 0 {
			rec.Frozen = true
			r.wakeEnforcerLocked()
		}
	}
	return nil
}

// WriteStruct encodes value little-endian and writes it through Write.
func WriteStruct[T any](r *Registry, addr uint64, value T, opts Options) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, value); err != nil {
		return fmt.Errorf("patch: encode struct: %w", err)
	}
	return r.Write(addr, buf.Bytes(), opts)
}

// Nop fills n bytes at addr with 0x90 (NOP).
func (r *Registry) Nop(addr uint64, n int) error {
	return r.Write(addr, bytes.Repeat([]byte{0x90}, n), SaveOld)
}

// NopInstruction queries the disassembler for the instruction length
// at addr and NOPs exactly that many bytes.
func (r *Registry) NopInstruction(addr uint64) error {
	code, err := r.tgt.Read(addr, 16)
	if err != nil {
		return fmt.Errorf("patch: read for nop-instruction at 0x%x: %w", addr, err)
	}
	inst, err := r.dec.Decode(code, addr, true)
	if err != nil {
		return fmt.Errorf("patch: decode for nop-instruction at 0x%x: %w", addr, errs.DecodeFailure)
	}
	return r.Nop(addr, inst.Length)
}

// Freeze marks addr frozen with newBytes, writing it immediately and
// starting the enforcer if it is not already running.
func (r *Registry) Freeze(addr uint64, newBytes []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked(addr, newBytes, SaveOld|FreezeNew)
}

// Unfreeze clears the frozen flag for addr. If restoreValue is true,
// OldBytes is written back first. If removeFromSaved is true, the
// record is deleted afterward.
func (r *Registry) Unfreeze(addr uint64, restoreValue, removeFromSaved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return fmt.Errorf("patch: unfreeze 0x%x: %w", addr, errs.NotFound)
	}
	rec.Frozen = false

	if restoreValue {
		if err := r.tgt.WriteRaw(addr, rec.OldBytes); err != nil {
			return fmt.Errorf("patch: restore-on-unfreeze at 0x%x: %w", addr, err)
		}
	}
	if removeFromSaved {
		delete(r.records, addr)
	}
	r.stopEnforcerIfIdleLocked()
	return nil
}

// Restore writes OldBytes back at addr. If remove is true, the record
// is deleted afterward. Returns errs.NotFound if addr has no record.
func (r *Registry) Restore(addr uint64, remove bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[addr]
	if !ok {
		return fmt.Errorf("patch: restore 0x%x: %w", addr, errs.NotFound)
	}
	if err := r.tgt.WriteRaw(addr, rec.OldBytes); err != nil {
		return fmt.Errorf("patch: restore at 0x%x: %w", addr, err)
	}
	if remove {
		delete(r.records, addr)
	}
	r.stopEnforcerIfIdleLocked()
	return nil
}

// RestoreAll restores every record, in no particular order.
func (r *Registry) RestoreAll(remove bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for addr, rec := range r.records {
		if err := r.tgt.WriteRaw(addr, rec.OldBytes); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("patch: restore-all at 0x%x: %w", addr, err)
		}
		if remove {
			delete(r.records, addr)
		}
	}
	r.stopEnforcerIfIdleLocked()
	return firstErr
}

// IsFrozen reports whether addr currently has a frozen record. Reads
// may observe a torn write only across mutex boundaries, which is
// acceptable: frozen values re-converge within one cadence.
func (r *Registry) IsFrozen(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[addr]
	return ok && rec.Frozen
}

// Record returns a copy of the record at addr, if any.
func (r *Registry) Record(addr uint64) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// wakeEnforcerLocked starts the background writer if it is not
// already running. Must be called with mu held.
func (r *Registry) wakeEnforcerLocked() {
	if r.running {
		return
	}
	stop := make(chan struct{})
	r.running = true
	r.stop = stop

	go func() {
		ticker := time.NewTicker(r.freezeFreq)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if r.enforceOnce() {
					return
				}
			}
		}
	}()
}

// stopEnforcerIfIdleLocked signals the enforcer to exit once no
// record remains frozen. Must be called with mu held.
func (r *Registry) stopEnforcerIfIdleLocked() {
	if !r.running {
		return
	}
	for _, rec := range r.records {
		if rec.Frozen {
			return
		}
	}
	close(r.stop)
	r.running = false
	r.stop = nil
}

// enforceOnce takes the registry lock and writes NewBytes for every
// frozen record, using a raw write so it never creates new saved
// records. Returns true if the registry emptied of frozen records and
// the enforcer should exit.
func (r *Registry) enforceOnce() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	anyFrozen := false
	for addr, rec := range r.records {
		if !rec.Frozen {
			continue
		}
		anyFrozen = true
		if err := r.tgt.WriteRaw(addr, rec.NewBytes); err != nil {
			r.log.WithError(err).WithField("addr", fmt.Sprintf("0x%x", addr)).Warn("patch: freeze enforcer write failed")
		}
	}
	if !anyFrozen {
		r.running = false
		r.stop = nil
		return true
	}
	return false
}
