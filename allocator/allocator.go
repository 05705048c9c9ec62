package allocator

import (
	"go.uber.org/zap"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

// MidTierRegisterAllocator assigns registers or spill slots to every
// operand of every instruction in two ordered passes over the blocks:
// DefineOutputs records where each virtual register is defined, then
// AllocateRegisters runs the single pass allocators over each block in
// reverse.  Registers do not survive block boundaries; values live
// across an edge travel through their spill slots.
type MidTierRegisterAllocator struct {
	data *AllocationData

	generalRegAllocator *SinglePassRegisterAllocator
	doubleRegAllocator  *SinglePassRegisterAllocator
}

func NewMidTierRegisterAllocator(
	data *AllocationData,
) *MidTierRegisterAllocator {
	return &MidTierRegisterAllocator{
		data: data,
		generalRegAllocator: NewSinglePassRegisterAllocator(
			architecture.GeneralRegisters,
			data),
		doubleRegAllocator: NewSinglePassRegisterAllocator(
			architecture.DoubleRegisters,
			data),
	}
}

func (allocator *MidTierRegisterAllocator) AllocatorFor(
	rep architecture.MachineRepresentation,
) *SinglePassRegisterAllocator {
	if rep.IsFloatingPoint() {
		return allocator.doubleRegAllocator
	}
	return allocator.generalRegAllocator
}

func (allocator *MidTierRegisterAllocator) allocatorForOperand(
	operand *ir.Operand,
) *SinglePassRegisterAllocator {
	return allocator.AllocatorFor(
		allocator.data.RepresentationFor(operand.VirtualRegister()))
}

// DefineOutputs records the definition site and kind of every virtual
// register, and simultaneously propagates each block's dominated block
// set into its immediate dominator.  Blocks are visited in reverse so
// that every block a block dominates is complete before the block's set
// is merged dominator-ward.
func (allocator *MidTierRegisterAllocator) DefineOutputs() {
	code := allocator.data.Code
	for idx := code.BlockCount() - 1; idx >= 0; idx-- {
		allocator.data.TickCounter.TickAndMaybeEnterSafepoint()

		block := code.BlockAt(idx)
		allocator.initializeBlockState(block)
		allocator.defineBlockOutputs(block)
	}
}

func (allocator *MidTierRegisterAllocator) initializeBlockState(
	block *ir.Block,
) {
	// Mark this block as dominating itself.
	blockState := allocator.data.BlockState(block.Index)
	blockState.DominatedBlocks().Set(uint(block.Index))

	if block.DominatorIndex >= 0 {
		// Add all the blocks this block dominates to its dominator.
		dominatorState := allocator.data.BlockState(block.DominatorIndex)
		dominatorState.DominatedBlocks().InPlaceUnion(
			blockState.DominatedBlocks())
	} else if block.Index != 0 {
		// Only the entry block has no dominator.
		panic("should never happen")
	}
}

func (allocator *MidTierRegisterAllocator) defineBlockOutputs(
	block *ir.Block,
) {
	data := allocator.data
	for index := block.LastInstrIndex; index >= block.FirstInstrIndex; index-- {
		instr := data.Code.InstructionAt(index)

		for idx := 0; idx < instr.OutputCount(); idx++ {
			output := instr.OutputAt(idx)
			if output.IsConstant() {
				data.VirtualRegisterDataFor(
					output.VirtualRegister()).DefineAsConstantOperand(
					output,
					index)
				continue
			}

			if !output.IsUnallocated() {
				panic("should never happen")
			}
			virtualRegister := output.VirtualRegister()
			if output.HasFixedSlotPolicy() {
				// The output has a fixed slot policy, so its spill operand is
				// known now; record it so the register allocator can use this
				// knowledge.
				rep := data.RepresentationFor(virtualRegister)
				fixedSpill := ir.NewStackSlotOperand(
					rep,
					output.FixedSlotIndex())
				data.VirtualRegisterDataFor(
					virtualRegister).DefineAsFixedSpillOperand(
					&fixedSpill,
					virtualRegister,
					index)
			} else {
				data.VirtualRegisterDataFor(
					virtualRegister).DefineAsUnallocatedOperand(
					virtualRegister,
					index)
			}
		}

		// Mark instructions that require reference maps for later reference
		// map processing.
		if instr.HasReferenceMap() {
			data.AddReferenceMapInstruction(index)
		}
	}

	// Define phi output operands.
	for _, phi := range block.Phis {
		data.VirtualRegisterDataFor(phi.VirtualRegister).DefineAsPhi(
			phi.VirtualRegister,
			block.FirstInstrIndex)
	}
}

// AllocateRegisters runs the per block reverse allocation pass, extends
// loop spill ranges, and reports the touched registers to the frame.
func (allocator *MidTierRegisterAllocator) AllocateRegisters() {
	code := allocator.data.Code
	for idx := code.BlockCount() - 1; idx >= 0; idx-- {
		allocator.data.TickCounter.TickAndMaybeEnterSafepoint()
		allocator.allocateBlock(code.BlockAt(idx))
	}

	allocator.updateSpillRangesForLoops()

	allocator.data.Frame.SetAllocatedRegisters(
		allocator.generalRegAllocator.AssignedRegisters())
	allocator.data.Frame.SetAllocatedDoubleRegisters(
		allocator.doubleRegAllocator.AssignedRegisters())
}

func (allocator *MidTierRegisterAllocator) allocateBlock(block *ir.Block) {
	allocator.generalRegAllocator.StartBlock(block)
	allocator.doubleRegAllocator.StartBlock(block)

	// Successor phis consume this block's values in the gap at the block's
	// exit; emit their parallel moves before allocating the last
	// instruction so the moves' sources are allocated with it.
	allocator.emitSuccessorPhiGapMoves(block)

	// Allocate registers for instructions in reverse, from the end of the
	// block to the start.
	for instrIndex := block.LastInstrIndex; instrIndex >= block.FirstInstrIndex; instrIndex-- {
		instr := allocator.data.Code.InstructionAt(instrIndex)

		// Reserve any fixed register operands to prevent the registers from
		// being allocated to another operand.
		allocator.reserveFixedRegisters(instrIndex)

		// Allocate outputs.
		for idx := 0; idx < instr.OutputCount(); idx++ {
			output := instr.OutputAt(idx)
			if output.IsAllocated() {
				panic("should never happen")
			}
			if output.IsConstant() {
				allocator.allocatorForOperand(output).AllocateConstantOutput(
					output)
			} else if output.HasSameAsInputPolicy() {
				if idx != 0 {
					panic("should never happen")
				}
				input := instr.InputAt(0)
				outputAllocator := allocator.allocatorForOperand(output)
				if outputAllocator.Kind() !=
					allocator.allocatorForOperand(input).Kind() {

					panic("should never happen")
				}
				outputAllocator.AllocateSameInputOutput(
					output,
					input,
					instrIndex)
			} else {
				allocator.allocatorForOperand(output).AllocateOutput(
					output,
					instrIndex)
			}
		}

		if instr.ClobbersRegisters() {
			allocator.generalRegAllocator.SpillAllRegisters()
		}
		if instr.ClobbersDoubleRegisters() {
			allocator.doubleRegAllocator.SpillAllRegisters()
		}

		// Allocate temporaries.
		for idx := 0; idx < instr.TempCount(); idx++ {
			temp := instr.TempAt(idx)
			allocator.allocatorForOperand(temp).AllocateTemp(temp, instrIndex)
		}

		// Allocate inputs that are used across the whole instruction.
		for idx := 0; idx < instr.InputCount(); idx++ {
			input := instr.InputAt(idx)
			if !input.IsUnallocated() || input.IsUsedAtStart() {
				continue
			}
			allocator.allocatorForOperand(input).AllocateInput(
				input,
				instrIndex)
		}

		// Then allocate inputs that are only used at the start of the
		// instruction.
		for idx := 0; idx < instr.InputCount(); idx++ {
			input := instr.InputAt(idx)
			if !input.IsUnallocated() {
				continue
			}
			if !input.IsUsedAtStart() {
				panic("should never happen")
			}
			allocator.allocatorForOperand(input).AllocateInput(
				input,
				instrIndex)
		}

		// Allocate any unallocated gap move inputs.
		endMoves := instr.GetParallelMove(ir.EndGap)
		if endMoves != nil {
			for _, move := range endMoves.Moves() {
				if move.Destination.IsUnallocated() {
					panic("should never happen")
				}
				if move.Source.IsUnallocated() {
					allocator.allocatorForOperand(
						&move.Source).AllocateGapMoveInput(
						&move.Source,
						instrIndex)
				}
			}
		}

		allocator.generalRegAllocator.EndInstruction()
		allocator.doubleRegAllocator.EndInstruction()
	}

	// Registers do not survive block boundaries; values live across an
	// edge travel through their spill slots.
	allocator.generalRegAllocator.SpillAllRegisters()
	allocator.doubleRegAllocator.SpillAllRegisters()

	allocator.generalRegAllocator.EndBlock(block)
	allocator.doubleRegAllocator.EndBlock(block)
}

// emitSuccessorPhiGapMoves appends one parallel move per successor phi
// to the end gap of the block's last instruction: from an unconstrained
// use of the phi's incoming value to the phi virtual register's spill
// operand.  Phi values always enter their block through the spill slot.
func (allocator *MidTierRegisterAllocator) emitSuccessorPhiGapMoves(
	block *ir.Block,
) {
	data := allocator.data
	for _, succ := range block.Successors {
		successor := data.Code.BlockAt(succ)
		if len(successor.Phis) == 0 {
			continue
		}

		predIdx := successor.PredecessorIndexOf(block.Index)
		for _, phi := range successor.Phis {
			from := ir.NewUnallocatedOperand(
				ir.RegisterOrSlotPolicy,
				phi.OperandFor(predIdx))
			pending := ir.NewPendingOperand(nil)
			move := data.AddGapMove(
				block.LastInstrIndex,
				ir.EndGap,
				from,
				pending)
			data.VirtualRegisterDataFor(phi.VirtualRegister).SpillOperand(
				&move.Destination,
				block.LastInstrIndex,
				data)
		}
	}
}

func (allocator *MidTierRegisterAllocator) reserveFixedRegisters(
	instrIndex int,
) {
	instr := allocator.data.Code.InstructionAt(instrIndex)

	for idx := 0; idx < instr.OutputCount(); idx++ {
		operand := instr.OutputAt(idx)
		if !operand.IsUnallocated() {
			continue
		}
		if operand.HasSameAsInputPolicy() {
			// The input operand has the register constraints; use it here to
			// reserve the register for the output (it will be reserved for
			// the input below).
			operand = instr.InputAt(idx)
		}
		if operand.HasFixedRegisterPolicy() ||
			operand.HasFixedFPRegisterPolicy() {

			allocator.allocatorForOperand(operand).ReserveFixedOutputRegister(
				operand,
				instrIndex)
		}
	}

	for idx := 0; idx < instr.TempCount(); idx++ {
		operand := instr.TempAt(idx)
		if !operand.IsUnallocated() {
			continue
		}
		if operand.HasFixedRegisterPolicy() ||
			operand.HasFixedFPRegisterPolicy() {

			allocator.allocatorForOperand(operand).ReserveFixedTempRegister(
				operand,
				instrIndex)
		}
	}

	for idx := 0; idx < instr.InputCount(); idx++ {
		operand := instr.InputAt(idx)
		if !operand.IsUnallocated() {
			continue
		}
		if operand.HasFixedRegisterPolicy() ||
			operand.HasFixedFPRegisterPolicy() {

			allocator.allocatorForOperand(operand).ReserveFixedInputRegister(
				operand,
				instrIndex)
		}
	}
}

// updateSpillRangesForLoops extends the spill range of any spill that is
// live on entry to a loop header to cover the full loop, so that the
// spill slot is not reused within the loop body.
func (allocator *MidTierRegisterAllocator) updateSpillRangesForLoops() {
	data := allocator.data
	for _, block := range data.Code.Blocks() {
		if !block.IsLoopHeader() {
			continue
		}

		lastLoopBlock := data.Code.BlockAt(block.LoopEnd - 1)
		lastLoopInstr := lastLoopBlock.LastInstrIndex

		spilled := data.SpilledVirtualRegisters()
		for vreg, ok := spilled.NextSet(0); ok; vreg, ok = spilled.NextSet(vreg + 1) {
			vregData := data.VirtualRegisterDataFor(int(vreg))
			if vregData.HasSpillRange() &&
				vregData.SpillRange().IsLiveAt(block.FirstInstrIndex, block) {

				vregData.SpillRange().ExtendRangeTo(lastLoopInstr)
			}
		}
	}
}

type defineOutputsPass struct {
	allocator *MidTierRegisterAllocator
}

func (pass defineOutputsPass) Process(data *AllocationData) {
	pass.allocator.DefineOutputs()
}

type allocateRegistersPass struct {
	allocator *MidTierRegisterAllocator
}

func (pass allocateRegistersPass) Process(data *AllocationData) {
	pass.allocator.AllocateRegisters()
}

type allocateSpillSlotsPass struct{}

func (allocateSpillSlotsPass) Process(data *AllocationData) {
	AllocateSpillSlots(data)
}

type populateReferenceMapsPass struct{}

func (populateReferenceMapsPass) Process(data *AllocationData) {
	PopulateReferenceMaps(data)
}

// AllocateRegisters runs the full allocation pipeline over the data's
// instruction sequence and finalizes the frame.
func AllocateRegisters(data *AllocationData) {
	data.Logger.Debug(
		"allocating registers",
		zap.Int("blocks", data.Code.BlockCount()),
		zap.Int("instructions", data.Code.InstructionCount()),
		zap.Int("virtual registers", data.Code.VirtualRegisterCount()))

	allocator := NewMidTierRegisterAllocator(data)
	Process(
		data,
		[][]Pass[*AllocationData]{
			{defineOutputsPass{allocator}},
			{allocateRegistersPass{allocator}},
			{allocateSpillSlotsPass{}},
			{populateReferenceMapsPass{}},
		},
		nil)

	data.Frame.Finalize()

	data.Logger.Debug(
		"allocation complete",
		zap.Int("spill slots", data.Frame.SpillSlotCount()),
		zap.Int("frame size", data.Frame.TotalFrameSize()))
}
