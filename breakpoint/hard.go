package breakpoint

import (
	"fmt"
	"sync"

	"github.com/coredbg/coredbg/ctxgate"
	"github.com/coredbg/coredbg/errs"
)

// HardAccess is the DR7 access-type encoding for a hardware slot.
type HardAccess int

const (
	AccessExec HardAccess = iota
	AccessWrite
	AccessIO // reserved/undefined on most x86 implementations; exposed for completeness
	AccessReadWrite
)

// HardLength is the DR7 length encoding for a hardware slot: 1, 2 or
// 4 bytes (8 is architecturally valid only in 64-bit mode and is not
// exposed here, matching the Non-goal against non-x86 decoding depth).
type HardLength int

const (
	Length1 HardLength = 1
	Length2 HardLength = 2
	Length4 HardLength = 4
)

func (l HardLength) encode() uint64 {
	switch l {
	case Length1:
		return 0b00
	case Length2:
		return 0b01
	case Length4:
		return 0b11
	default:
		return 0b00
	}
}

func (a HardAccess) encode() uint64 {
	switch a {
	case AccessExec:
		return 0b00
	case AccessWrite:
		return 0b01
	case AccessIO:
		return 0b10
	case AccessReadWrite:
		return 0b11
	default:
		return 0b00
	}
}

// HardRecord is one programmed hardware breakpoint slot.
type HardRecord struct {
	Slot    int
	Address uint64
	Length  HardLength
	Access  HardAccess
}

// hardTable is the hardware-breakpoint half of Engine.
type hardTable struct {
	mu    sync.Mutex
	slots [4]*HardRecord
}

func newHardTable() hardTable {
	return hardTable{}
}

// SetHard programs slot (0-3) with addr/length/access under the
// context gate for the given thread.
func (h *hardTable) SetHard(gate *ctxgate.Gate, threadID uint32, addr uint64, slot int, length HardLength, access HardAccess) error {
	if slot < 0 || slot > 3 {
		return fmt.Errorf("breakpoint: hardware slot %d out of range [0,3]", slot)
	}

	handle, ctx, err := gate.BeginEdit(threadID)
	if err != nil {
		return fmt.Errorf("breakpoint: set-hard begin-edit: %w", err)
	}
	defer func() { _ = gate.EndEdit(handle, ctx) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch slot {
	case 0:
		ctx.Dr0 = addr
	case 1:
		ctx.Dr1 = addr
	case 2:
		ctx.Dr2 = addr
	case 3:
		ctx.Dr3 = addr
	}

	// Local+global enable for this slot (bits 2*slot, 2*slot+1).
	ctx.Dr7 |= uint64(0b11) << uint(2*slot)
	// Exact-match bits, commonly set together.
	ctx.Dr7 |= 0b11 << 8

	fieldBase := uint(16 + 4*slot)
	mask := uint64(0b1111) << fieldBase
	ctx.Dr7 &^= mask
	ctx.Dr7 |= (access.encode() | length.encode()<<2) << fieldBase

	h.slots[slot] = &HardRecord{Slot: slot, Address: addr, Length: length, Access: access}
	return nil
}

// UnsetHard clears the slot containing addr, if any.
func (h *hardTable) UnsetHard(gate *ctxgate.Gate, threadID uint32, addr uint64) error {
	h.mu.Lock()
	slot := -1
	for i, rec := range h.slots {
		if rec != nil && rec.Address == addr {
			slot = i
			break
		}
	}
	h.mu.Unlock()

	if slot == -1 {
		return fmt.Errorf("breakpoint: unset-hard 0x%x: %w", addr, errs.NotFound)
	}
	return h.clearSlot(gate, threadID, slot)
}

func (h *hardTable) clearSlot(gate *ctxgate.Gate, threadID uint32, slot int) error {
	handle, ctx, err := gate.BeginEdit(threadID)
	if err != nil {
		return fmt.Errorf("breakpoint: unset-hard begin-edit: %w", err)
	}
	defer func() { _ = gate.EndEdit(handle, ctx) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch slot {
	case 0:
		ctx.Dr0 = 0
	case 1:
		ctx.Dr1 = 0
	case 2:
		ctx.Dr2 = 0
	case 3:
		ctx.Dr3 = 0
	}
	ctx.Dr7 &^= uint64(0b11) << uint(2*slot)
	fieldBase := uint(16 + 4*slot)
	ctx.Dr7 &^= uint64(0b1111) << fieldBase

	h.slots[slot] = nil
	return nil
}

// UnsetAllHard writes zero into DR0-DR3 and DR7.
func (h *hardTable) UnsetAllHard(gate *ctxgate.Gate, threadID uint32) error {
	handle, ctx, err := gate.BeginEdit(threadID)
	if err != nil {
		return fmt.Errorf("breakpoint: unset-all-hard begin-edit: %w", err)
	}
	defer func() { _ = gate.EndEdit(handle, ctx) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx.Dr0, ctx.Dr1, ctx.Dr2, ctx.Dr3, ctx.Dr6, ctx.Dr7 = 0, 0, 0, 0, 0, 0
	for i := range h.slots {
		h.slots[i] = nil
	}
	return nil
}

// SlotAt returns the record programmed in slot, if any.
func (h *hardTable) SlotAt(slot int) (HardRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot < 0 || slot > 3 || h.slots[slot] == nil {
		return HardRecord{}, false
	}
	return *h.slots[slot], true
}
