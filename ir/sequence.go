package ir

import (
	"github.com/pattyshack/towhee/architecture"
)

// Sequence is a block-structured linear instruction listing with
// per-virtual-register type information.  The allocator consumes the
// block structure read-only, rewrites operand slots in place, and
// appends gap moves.
type Sequence struct {
	blocks       []*Block
	instructions []*Instruction

	representations []architecture.MachineRepresentation
	references      []bool
}

func (seq *Sequence) BlockCount() int {
	return len(seq.blocks)
}

func (seq *Sequence) BlockAt(blockIndex int) *Block {
	return seq.blocks[blockIndex]
}

func (seq *Sequence) Blocks() []*Block {
	return seq.blocks
}

func (seq *Sequence) InstructionCount() int {
	return len(seq.instructions)
}

func (seq *Sequence) InstructionAt(instrIndex int) *Instruction {
	return seq.instructions[instrIndex]
}

// GetBlock returns the block holding the instruction.
func (seq *Sequence) GetBlock(instrIndex int) *Block {
	return seq.blocks[seq.instructions[instrIndex].BlockIndex()]
}

func (seq *Sequence) VirtualRegisterCount() int {
	return len(seq.representations)
}

func DefaultRepresentation() architecture.MachineRepresentation {
	return architecture.RepWord64
}

func (seq *Sequence) RepresentationFor(
	virtualRegister int,
) architecture.MachineRepresentation {
	if virtualRegister == InvalidVirtualRegister {
		return DefaultRepresentation()
	}
	return seq.representations[virtualRegister]
}

// IsReference returns true if the virtual register holds a heap
// reference the garbage collector must know about.
func (seq *Sequence) IsReference(virtualRegister int) bool {
	return seq.references[virtualRegister]
}
