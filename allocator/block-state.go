package allocator

import (
	"github.com/bits-and-blooms/bitset"
)

// BlockState stores details associated with a particular basic block.
type BlockState struct {
	dominatedBlocks *bitset.BitSet
}

func NewBlockState(blockCount int) *BlockState {
	return &BlockState{
		dominatedBlocks: bitset.New(uint(blockCount)),
	}
}

// DominatedBlocks is the set of blocks dominated by this block,
// including the block itself.  The set is populated during the define
// outputs pass.
func (state *BlockState) DominatedBlocks() *bitset.BitSet {
	return state.dominatedBlocks
}
