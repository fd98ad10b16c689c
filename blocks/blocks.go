// Package blocks implements the Basic-Block Builder: CFG construction
// from a disassembler oracle, with duplicate-instruction repair and a
// plain-text graph renderer.
package blocks

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coredbg/coredbg/disasm"
	"github.com/coredbg/coredbg/errs"
)

const pageSize = 0x1000

// memReader is the read access the builder needs.
type memReader interface {
	Read(addr uint64, size int) ([]byte, error)
}

// Block is one basic block: a maximal straight-line instruction
// sequence with a single entry and a single control-flow exit.
type Block struct {
	ID           uint64
	Instructions []disasm.Instruction
	Prev         []*Block
	Next         []*Block
	Stub         bool
}

// Address is the block's entry address, the address of its first
// instruction.
func (b *Block) Address() uint64 {
	if len(b.Instructions) == 0 {
		return 0
	}
	return b.Instructions[0].Address
}

// page caches one disassembled page of code.
type page struct {
	base         uint64
	data         []byte
	instructions []disasm.Instruction
}

// Builder builds and caches basic blocks for one target.
type Builder struct {
	mem   memReader
	dec   disasm.Decoder
	is64  bool
	idGen atomic.Uint64

	mu     sync.Mutex
	blocks map[uint64]*Block
	pages  map[uint64]*page
}

// New binds a Builder to mem/dec for a target of the given bitness.
func New(mem memReader, dec disasm.Decoder, is64Bit bool) *Builder {
	return &Builder{
		mem:    mem,
		dec:    dec,
		is64:   is64Bit,
		blocks: map[uint64]*Block{},
		pages:  map[uint64]*page{},
	}
}

// GenerateBlock returns the block whose first instruction is at
// entry, building it (and recursively its Call/Jcc/Jmp successors up
// to maxDepth) if it does not already exist. Only call stubs and
// Jcc/Jmp targets count against maxDepth: a call's fall-through block
// is built at the same depth, so it is followed even when maxDepth is 0.
func (b *Builder) GenerateBlock(entry uint64, maxDepth int) (*Block, error) {
	b.mu.Lock()
	if existing, ok := b.blocks[entry]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	b.mu.Unlock()

	blk, err := b.buildBlock(entry, maxDepth)
	if err != nil {
		return nil, err
	}
	b.RemoveDuplicateInstructions()
	return blk, nil
}

func (b *Builder) buildBlock(entry uint64, depth int) (*Block, error) {
	b.mu.Lock()
	if existing, ok := b.blocks[entry]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	b.mu.Unlock()

	pg, err := b.pageFor(entry)
	if err != nil {
		return nil, err
	}

	startIdx := -1
	for i, inst := range pg.instructions {
		if inst.Address == entry {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil, fmt.Errorf("blocks: no instruction at 0x%x: %w", entry, errs.DecodeFailure)
	}

	blk := &Block{ID: b.idGen.Add(1)}
	b.mu.Lock()
	b.blocks[entry] = blk
	b.mu.Unlock()

	var term disasm.Instruction
	for i := startIdx; i < len(pg.instructions); i++ {
		inst := pg.instructions[i]
		blk.Instructions = append(blk.Instructions, inst)
		if inst.FlowClass.Terminates() {
			term = inst
			break
		}
	}
	if len(blk.Instructions) == 0 {
		return blk, nil
	}

	switch term.FlowClass {
	case disasm.Return:
		// No successor.
	case disasm.Call:
		if term.HasBranchTarget && depth > 0 {
			stub, _ := b.stubBlock(term.BranchTarget)
			blk.Next = append(blk.Next, stub)
		}
		fallthroughAddr := term.FallThrough
		if next, err := b.buildBlock(fallthroughAddr, depth); err == nil {
			blk.Next = append(blk.Next, next)
			next.Prev = append(next.Prev, blk)
		}
	case disasm.ConditionalBranch:
		if depth > 0 {
			if term.HasBranchTarget {
				if taken, err := b.buildBlock(term.BranchTarget, depth-1); err == nil {
					blk.Next = append(blk.Next, taken)
					taken.Prev = append(taken.Prev, blk)
				}
			}
			if fall, err := b.buildBlock(term.FallThrough, depth-1); err == nil {
				blk.Next = append(blk.Next, fall)
				fall.Prev = append(fall.Prev, blk)
			}
		}
	case disasm.UnconditionalBranch:
		if term.HasBranchTarget && depth > 0 {
			if next, err := b.buildBlock(term.BranchTarget, depth-1); err == nil {
				blk.Next = append(blk.Next, next)
				next.Prev = append(next.Prev, blk)
			}
		}
	}

	return blk, nil
}

// stubBlock creates (or looks up) a single-placeholder-instruction
// block at a call target, so the callee is not expanded.
func (b *Builder) stubBlock(addr uint64) (*Block, error) {
	b.mu.Lock()
	if existing, ok := b.blocks[addr]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	b.mu.Unlock()

	code, err := b.mem.Read(addr, 15)
	var inst disasm.Instruction
	if err == nil {
		inst, _ = b.dec.Decode(code, addr, b.is64)
	}
	if inst.Length == 0 {
		inst = disasm.Instruction{Address: addr, Mnemonic: "???", Text: "???"}
	}

	blk := &Block{ID: b.idGen.Add(1), Instructions: []disasm.Instruction{inst}, Stub: true}
	b.mu.Lock()
	b.blocks[addr] = blk
	b.mu.Unlock()
	return blk, nil
}

// pageFor returns the page containing addr, disassembling and caching
// it once on first access.
func (b *Builder) pageFor(addr uint64) (*page, error) {
	base := addr &^ uint64(pageSize-1)

	b.mu.Lock()
	if pg, ok := b.pages[base]; ok {
		b.mu.Unlock()
		return pg, nil
	}
	b.mu.Unlock()

	data, err := b.mem.Read(base, pageSize)
	if err != nil {
		return nil, fmt.Errorf("blocks: read page 0x%x: %w", base, err)
	}

	var instructions []disasm.Instruction
	for off := 0; off < len(data); {
		inst, err := b.dec.Decode(data[off:], base+uint64(off), b.is64)
		if err != nil || inst.Length == 0 {
			off++
			continue
		}
		instructions = append(instructions, inst)
		off += inst.Length
	}

	pg := &page{base: base, data: data, instructions: instructions}
	b.mu.Lock()
	b.pages[base] = pg
	b.mu.Unlock()
	return pg, nil
}

// RemoveDuplicateInstructions repairs any block whose tail overlaps
// the head of another block: the overlapping tail is truncated and
// the block's Next becomes the block whose head was reached. After
// this runs, every instruction address belongs to exactly one block.
func (b *Builder) RemoveDuplicateInstructions() {
	b.mu.Lock()
	defer b.mu.Unlock()

	heads := make(map[uint64]*Block, len(b.blocks))
	for addr, blk := range b.blocks {
		heads[addr] = blk
	}

	for _, blk := range b.blocks {
		for i := 1; i < len(blk.Instructions); i++ {
			addr := blk.Instructions[i].Address
			target, ok := heads[addr]
			if !ok || target == blk {
				continue
			}
			blk.Instructions = blk.Instructions[:i]
			blk.Next = []*Block{target}
			target.Prev = append(target.Prev, blk)
			break
		}
	}
}

// Render emits the cached blocks as a plain-text directed graph: one
// node per block labeled with its first address and instruction
// listing, and edges to each Next member.
func (b *Builder) Render() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	addrs := make([]uint64, 0, len(b.blocks))
	for addr := range b.blocks {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var sb strings.Builder
	for _, addr := range addrs {
		blk := b.blocks[addr]
		fmt.Fprintf(&sb, "block 0x%x {\n", addr)
		for _, inst := range blk.Instructions {
			fmt.Fprintf(&sb, "  0x%x: %s\n", inst.Address, inst.Text)
		}
		for _, next := range blk.Next {
			fmt.Fprintf(&sb, "  -> 0x%x\n", next.Address())
		}
		sb.WriteString("}\n")
	}
	return sb.String()
}
