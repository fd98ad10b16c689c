// Package x86 implements disasm.Decoder on top of x/arch's x86asm
// decoder, rather than a hand-rolled opcode table: INT3 save/restore
// needs an exact instruction length on every legal encoding, which a
// partial table cannot promise.
package x86

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/coredbg/coredbg/disasm"
	"github.com/coredbg/coredbg/errs"
)

// Decoder wraps x86asm.Decode for both 32-bit and 64-bit code streams.
type Decoder struct{}

// New returns an x86/x86-64 decoder.
func New() Decoder { return Decoder{} }

func (Decoder) Decode(code []byte, addr uint64, is64Bit bool) (disasm.Instruction, error) {
	mode := 32
	if is64Bit {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return disasm.Instruction{}, fmt.Errorf("x86: decode at 0x%x: %w: %w", addr, errs.DecodeFailure, err)
	}

	mnemonic := inst.Op.String()
	out := disasm.Instruction{
		Address:     addr,
		Length:      inst.Len,
		Mnemonic:    mnemonic,
		Text:        x86asm.GNUSyntax(inst, addr, nil),
		FlowClass:   disasm.ClassifyMnemonic(mnemonic),
		FallThrough: addr + uint64(inst.Len),
	}

	if target, ok := branchTarget(inst, addr); ok {
		out.HasBranchTarget = true
		out.BranchTarget = target
	}

	return out, nil
}

// branchTarget reports the statically-known destination of a direct
// Call/Jump. Register and memory-indirect operands have no static
// target; the caller treats those as unresolvable per spec §4.H's
// handling of indirect branches.
func branchTarget(inst x86asm.Inst, addr uint64) (uint64, bool) {
	if len(inst.Args) == 0 {
		return 0, false
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uint64(int64(addr) + int64(inst.Len) + int64(rel)), true
}

var _ disasm.Decoder = Decoder{}
