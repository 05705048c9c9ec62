package allocator

import (
	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

// TickCounter lets the embedding compiler run a cooperative safepoint
// check once per block, a coarser granularity than one per instruction.
type TickCounter interface {
	TickAndMaybeEnterSafepoint()
}

type NoTickCounter struct{}

func (NoTickCounter) TickAndMaybeEnterSafepoint() {}

// AllocationData bundles the state shared by every stage of the
// allocation pipeline.
type AllocationData struct {
	Config *architecture.RegisterConfig
	Code   *ir.Sequence
	Frame  *ir.Frame

	TickCounter TickCounter
	Logger      *zap.Logger

	// When true, the allocator re-verifies the register<->virtual register
	// bijection after every allocation primitive.  Expensive; intended for
	// tests and debugging.
	StrictChecks bool

	virtualRegisters []VirtualRegisterData
	blockStates      []*BlockState

	referenceMapInstructions []int
	spilledVirtualRegisters  *bitset.BitSet
}

func NewAllocationData(
	config *architecture.RegisterConfig,
	code *ir.Sequence,
	frame *ir.Frame,
	tickCounter TickCounter,
	logger *zap.Logger,
) *AllocationData {
	if tickCounter == nil {
		tickCounter = NoTickCounter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	blockStates := make([]*BlockState, 0, code.BlockCount())
	for idx := 0; idx < code.BlockCount(); idx++ {
		blockStates = append(blockStates, NewBlockState(code.BlockCount()))
	}

	return &AllocationData{
		Config:                  config,
		Code:                    code,
		Frame:                   frame,
		TickCounter:             tickCounter,
		Logger:                  logger,
		virtualRegisters:        make([]VirtualRegisterData, code.VirtualRegisterCount()),
		blockStates:             blockStates,
		spilledVirtualRegisters: bitset.New(uint(code.VirtualRegisterCount())),
	}
}

func (data *AllocationData) VirtualRegisterDataFor(
	virtualRegister int,
) *VirtualRegisterData {
	if virtualRegister < 0 || virtualRegister >= len(data.virtualRegisters) {
		panic("invalid virtual register")
	}
	return &data.virtualRegisters[virtualRegister]
}

func (data *AllocationData) RepresentationFor(
	virtualRegister int,
) architecture.MachineRepresentation {
	return data.Code.RepresentationFor(virtualRegister)
}

func (data *AllocationData) BlockState(blockIndex int) *BlockState {
	return data.blockStates[blockIndex]
}

func (data *AllocationData) GetBlock(instrIndex int) *ir.Block {
	return data.Code.GetBlock(instrIndex)
}

// BlocksDominatedBy returns the dominated block set of the block holding
// the instruction.
func (data *AllocationData) BlocksDominatedBy(
	instrIndex int,
) *bitset.BitSet {
	block := data.GetBlock(instrIndex)
	return data.BlockState(block.Index).DominatedBlocks()
}

func (data *AllocationData) AddGapMove(
	instrIndex int,
	position ir.GapPosition,
	from ir.Operand,
	to ir.Operand,
) *ir.MoveOperands {
	instr := data.Code.InstructionAt(instrIndex)
	moves := instr.GetOrCreateParallelMove(position)
	return moves.AddMove(from, to)
}

// AddPendingOperandGapMove adds a gap move whose endpoints are filled in
// by the caller, typically threading one or both onto pending chains.
func (data *AllocationData) AddPendingOperandGapMove(
	instrIndex int,
	position ir.GapPosition,
) *ir.MoveOperands {
	pending := ir.NewPendingOperand(nil)
	return data.AddGapMove(instrIndex, position, pending, pending)
}

func (data *AllocationData) AddReferenceMapInstruction(instrIndex int) {
	data.referenceMapInstructions = append(
		data.referenceMapInstructions,
		instrIndex)
}

func (data *AllocationData) ReferenceMapInstructions() []int {
	return data.referenceMapInstructions
}

func (data *AllocationData) SpilledVirtualRegisters() *bitset.BitSet {
	return data.spilledVirtualRegisters
}
