package blocks

import (
	"strings"
	"testing"

	"github.com/coredbg/coredbg/disasm/x86"
)

// fakeMem is a minimal memReader: a flat byte buffer starting at base,
// reading zero-filled (decodes as ADD [rax],al, never a terminator)
// past the end.
type fakeMem struct {
	base uint64
	data []byte
}

func (m *fakeMem) Read(addr uint64, size int) ([]byte, error) {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		off := int64(addr+uint64(i)) - int64(m.base)
		if off >= 0 && off < int64(len(m.data)) {
			out[i] = m.data[off]
		}
	}
	return out, nil
}

func TestGenerateBlockTerminatesAtReturn(t *testing.T) {
	mem := &fakeMem{base: 0x401000, data: []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xC3, // ret
	}}
	b := New(mem, x86.New(), true)

	blk, err := b.GenerateBlock(0x401000, 0)
	if err != nil {
		t.Fatalf("GenerateBlock: %v", err)
	}
	if len(blk.Instructions) != 2 {
		t.Fatalf("GenerateBlock: want 2 instructions, got %d", len(blk.Instructions))
	}
	if !strings.EqualFold(blk.Instructions[1].Mnemonic, "RET") {
		t.Fatalf("GenerateBlock: want block to terminate at RET, got %q", blk.Instructions[1].Mnemonic)
	}
	if len(blk.Next) != 0 {
		t.Fatalf("GenerateBlock: RET must have no successor, got %d", len(blk.Next))
	}
}

func TestGenerateBlockConditionalBranchSplitsTakenAndFallThrough(t *testing.T) {
	mem := &fakeMem{base: 0x401000, data: []byte{
		0x90,       // nop @ 0x401000
		0x74, 0x02, // jz +2 @ 0x401001, len 2, target 0x401005
		0x90, // nop @ 0x401003 (fall-through)
		0xC3, // ret @ 0x401004
		0x90, // nop @ 0x401005 (taken)
		0xC3, // ret @ 0x401006
	}}
	b := New(mem, x86.New(), true)

	blk, err := b.GenerateBlock(0x401000, 1)
	if err != nil {
		t.Fatalf("GenerateBlock: %v", err)
	}
	if len(blk.Instructions) != 2 {
		t.Fatalf("entry block: want 2 instructions (nop, jz), got %d", len(blk.Instructions))
	}
	if len(blk.Next) != 2 {
		t.Fatalf("conditional branch: want 2 successors (taken + fall-through), got %d", len(blk.Next))
	}

	var sawTaken, sawFall bool
	for _, n := range blk.Next {
		switch n.Address() {
		case 0x401005:
			sawTaken = true
		case 0x401003:
			sawFall = true
		}
	}
	if !sawTaken || !sawFall {
		t.Fatalf("conditional branch successors: want 0x401005 and 0x401003, got %+v", blk.Next)
	}
}

func TestGenerateBlockZeroDepthStopsExpansion(t *testing.T) {
	mem := &fakeMem{base: 0x401000, data: []byte{
		0x90,       // nop
		0x74, 0x02, // jz +2
		0x90, 0xC3, // fall-through block
		0x90, 0xC3, // taken block
	}}
	b := New(mem, x86.New(), true)

	blk, err := b.GenerateBlock(0x401000, 0)
	if err != nil {
		t.Fatalf("GenerateBlock: %v", err)
	}
	if len(blk.Next) != 0 {
		t.Fatalf("maxDepth=0: want no successors expanded, got %d", len(blk.Next))
	}
}

func TestGenerateBlockCallCreatesStubAndRecursesFallThrough(t *testing.T) {
	mem := &fakeMem{base: 0x401000, data: []byte{
		0xE8, 0x02, 0x00, 0x00, 0x00, // call +2 @ 0x401000, len 5, target 0x401007
		0x90, // nop @ 0x401005 (fall-through)
		0xC3, // ret @ 0x401006
	}}
	b := New(mem, x86.New(), true)

	blk, err := b.GenerateBlock(0x401000, 1)
	if err != nil {
		t.Fatalf("GenerateBlock: %v", err)
	}
	if len(blk.Instructions) != 1 || !strings.EqualFold(blk.Instructions[0].Mnemonic, "CALL") {
		t.Fatalf("call block: want single CALL instruction, got %+v", blk.Instructions)
	}
	if len(blk.Next) != 2 {
		t.Fatalf("call block: want 2 successors (stub callee + fall-through), got %d", len(blk.Next))
	}

	var sawStub, sawFall bool
	for _, n := range blk.Next {
		if n.Stub && n.Address() == 0x401007 {
			sawStub = true
		}
		if !n.Stub && n.Address() == 0x401005 {
			sawFall = true
		}
	}
	if !sawStub {
		t.Fatalf("call block: want a stub block at the call target 0x401007, got %+v", blk.Next)
	}
	if !sawFall {
		t.Fatalf("call block: want a real fall-through block at 0x401005, got %+v", blk.Next)
	}
}

func TestRemoveDuplicateInstructionsMergesOverlappingTail(t *testing.T) {
	data := make([]byte, 0, 18)
	for i := 0; i < 16; i++ {
		data = append(data, 0x90) // nop @ 0x401000..0x40100F
	}
	data = append(data, 0x90) // nop @ 0x401010
	data = append(data, 0xC3) // ret @ 0x401011
	mem := &fakeMem{base: 0x401000, data: data}
	b := New(mem, x86.New(), true)

	tail, err := b.GenerateBlock(0x401010, 0)
	if err != nil {
		t.Fatalf("GenerateBlock(tail): %v", err)
	}

	head, err := b.GenerateBlock(0x401000, 0)
	if err != nil {
		t.Fatalf("GenerateBlock(head): %v", err)
	}

	for _, inst := range head.Instructions {
		if inst.Address == 0x401010 {
			t.Fatalf("RemoveDuplicateInstructions: head block still contains duplicate instruction at 0x401010")
		}
	}
	if len(head.Next) != 1 || head.Next[0] != tail {
		t.Fatalf("RemoveDuplicateInstructions: want head.Next == [tail], got %+v", head.Next)
	}

	foundPrev := false
	for _, p := range tail.Prev {
		if p == head {
			foundPrev = true
		}
	}
	if !foundPrev {
		t.Fatalf("RemoveDuplicateInstructions: want tail.Prev to include head")
	}
}

func TestRenderEmitsNonEmptyGraph(t *testing.T) {
	mem := &fakeMem{base: 0x401000, data: []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xC3, // ret
	}}
	b := New(mem, x86.New(), true)
	if _, err := b.GenerateBlock(0x401000, 0); err != nil {
		t.Fatalf("GenerateBlock: %v", err)
	}

	out := b.Render()
	if out == "" {
		t.Fatalf("Render: want non-empty output")
	}
}
