package ir

import (
	"github.com/pattyshack/towhee/architecture"
)

// SequenceBuilder incrementally constructs a Sequence.  Blocks must be
// added in reverse post order; predecessor lists are derived from the
// declared successors when Build is called.
type SequenceBuilder struct {
	seq *Sequence

	currentBlock *Block
	built        bool
}

func NewSequenceBuilder() *SequenceBuilder {
	return &SequenceBuilder{
		seq: &Sequence{},
	}
}

// AddVirtualRegister defines a new virtual register of the given
// representation and returns its id.
func (builder *SequenceBuilder) AddVirtualRegister(
	rep architecture.MachineRepresentation,
) int {
	vreg := len(builder.seq.representations)
	builder.seq.representations = append(builder.seq.representations, rep)
	builder.seq.references = append(builder.seq.references, false)
	return vreg
}

// MarkReference flags the virtual register as holding a heap reference.
func (builder *SequenceBuilder) MarkReference(virtualRegister int) {
	builder.seq.references[virtualRegister] = true
}

// StartBlock opens a new block dominated by the block with the given rpo
// index (-1 for the entry block) and returns the new block's index.
func (builder *SequenceBuilder) StartBlock(dominatorIndex int) int {
	if builder.currentBlock != nil {
		panic("previous block not ended")
	}

	index := len(builder.seq.blocks)
	builder.currentBlock = &Block{
		Index:           index,
		FirstInstrIndex: len(builder.seq.instructions),
		LastInstrIndex:  -1,
		DominatorIndex:  dominatorIndex,
		LoopEnd:         -1,
	}
	return index
}

// MarkLoopHeader flags the current block as a loop header whose loop body
// spans the blocks [header, loopEnd).
func (builder *SequenceBuilder) MarkLoopHeader(loopEnd int) {
	if builder.currentBlock == nil {
		panic("no block started")
	}
	builder.currentBlock.LoopHeader = true
	builder.currentBlock.LoopEnd = loopEnd
}

// AddPhi adds a phi at the current block's entry.  Operand order must
// match the order successor declarations will induce on the predecessor
// list (ascending predecessor block index).
func (builder *SequenceBuilder) AddPhi(
	virtualRegister int,
	operands ...int,
) {
	if builder.currentBlock == nil {
		panic("no block started")
	}
	builder.currentBlock.Phis = append(
		builder.currentBlock.Phis,
		&PhiInstruction{
			VirtualRegister: virtualRegister,
			Operands:        operands,
		})
}

// Emit appends the instruction to the current block and returns its
// instruction index.
func (builder *SequenceBuilder) Emit(instr *Instruction) int {
	if builder.currentBlock == nil {
		panic("no block started")
	}

	index := len(builder.seq.instructions)
	instr.blockIndex = builder.currentBlock.Index
	builder.seq.instructions = append(builder.seq.instructions, instr)
	return index
}

// EndBlock closes the current block with the given successors.
func (builder *SequenceBuilder) EndBlock(successors ...int) {
	block := builder.currentBlock
	if block == nil {
		panic("no block started")
	}
	if len(builder.seq.instructions) == block.FirstInstrIndex {
		panic("block has no instructions")
	}

	block.LastInstrIndex = len(builder.seq.instructions) - 1
	block.Successors = successors
	builder.seq.blocks = append(builder.seq.blocks, block)
	builder.currentBlock = nil
}

// Build finalizes the sequence, deriving predecessor lists in ascending
// block index order.
func (builder *SequenceBuilder) Build() *Sequence {
	if builder.currentBlock != nil {
		panic("last block not ended")
	}
	if builder.built {
		panic("sequence already built")
	}
	builder.built = true

	for _, block := range builder.seq.blocks {
		for _, succ := range block.Successors {
			if succ < 0 || succ >= len(builder.seq.blocks) {
				panic("successor index out of range")
			}
		}
	}

	for _, block := range builder.seq.blocks {
		for _, other := range builder.seq.blocks {
			for _, succ := range other.Successors {
				if succ == block.Index {
					block.Predecessors = append(block.Predecessors, other.Index)
				}
			}
		}
	}

	return builder.seq
}
