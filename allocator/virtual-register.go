package allocator

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/pattyshack/towhee/ir"
)

// SpillRange represents the range of instructions for which a virtual
// register needs to be spilled on the stack, restricted to the blocks
// dominated by the definition.
type SpillRange struct {
	liveRange  Range
	liveBlocks *bitset.BitSet
}

// NewSpillRange defines a spill range for an output operand.
func NewSpillRange(
	definitionInstrIndex int,
	data *AllocationData,
) *SpillRange {
	return &SpillRange{
		liveRange:  NewRange(definitionInstrIndex, definitionInstrIndex),
		liveBlocks: data.BlocksDominatedBy(definitionInstrIndex),
	}
}

// NewPhiSpillRange defines a spill range for a phi virtual register.  The
// range includes each predecessor's last instruction so that the spill
// slot covers the parallel move writes at predecessor exits.
func NewPhiSpillRange(
	phiBlock *ir.Block,
	data *AllocationData,
) *SpillRange {
	spillRange := &SpillRange{
		liveRange: NewRange(
			phiBlock.FirstInstrIndex,
			phiBlock.FirstInstrIndex),
		liveBlocks: data.BlocksDominatedBy(phiBlock.FirstInstrIndex),
	}

	for _, pred := range phiBlock.Predecessors {
		predBlock := data.Code.BlockAt(pred)
		spillRange.liveRange.AddInstr(predBlock.LastInstrIndex)
	}

	return spillRange
}

func (spillRange *SpillRange) IsLiveAt(
	instrIndex int,
	block *ir.Block,
) bool {
	return spillRange.liveRange.Contains(instrIndex) &&
		spillRange.liveBlocks.Test(uint(block.Index))
}

func (spillRange *SpillRange) ExtendRangeTo(instrIndex int) {
	spillRange.liveRange.AddInstr(instrIndex)
}

func (spillRange *SpillRange) LiveRange() *Range {
	return &spillRange.liveRange
}

// VirtualRegisterData stores data specific to a particular virtual
// register, and tracks spilled operands for that virtual register.
//
// The spill operand is in exactly one of three states: absent, pending (a
// chain of pending operand placeholders rooted here), or resolved (a
// concrete allocated or constant operand).  Constants are resolved at
// definition and never leave that state.
type VirtualRegisterData struct {
	vreg int

	spillOperand *ir.Operand
	spillRange   *SpillRange

	outputInstrIndex int

	isPhi      bool
	isConstant bool
}

func (vregData *VirtualRegisterData) initialize(
	virtualRegister int,
	spillOperand *ir.Operand,
	instrIndex int,
	isPhi bool,
	isConstant bool,
) {
	vregData.vreg = virtualRegister
	vregData.spillOperand = spillOperand
	vregData.spillRange = nil
	vregData.outputInstrIndex = instrIndex
	vregData.isPhi = isPhi
	vregData.isConstant = isConstant
}

// DefineAsConstantOperand defines the virtual register as produced by a
// constant output.  The constant operand doubles as the spill operand.
func (vregData *VirtualRegisterData) DefineAsConstantOperand(
	operand *ir.Operand,
	instrIndex int,
) {
	vregData.initialize(
		operand.VirtualRegister(),
		operand,
		instrIndex,
		false,
		true)
}

// DefineAsFixedSpillOperand defines the virtual register as produced by
// an output with a fixed stack slot policy whose slot is already known.
func (vregData *VirtualRegisterData) DefineAsFixedSpillOperand(
	operand *ir.Operand,
	virtualRegister int,
	instrIndex int,
) {
	vregData.initialize(virtualRegister, operand, instrIndex, false, false)
}

func (vregData *VirtualRegisterData) DefineAsUnallocatedOperand(
	virtualRegister int,
	instrIndex int,
) {
	vregData.initialize(virtualRegister, nil, instrIndex, false, false)
}

func (vregData *VirtualRegisterData) DefineAsPhi(
	virtualRegister int,
	instrIndex int,
) {
	vregData.initialize(virtualRegister, nil, instrIndex, true, false)
}

func (vregData *VirtualRegisterData) Vreg() int {
	return vregData.vreg
}

func (vregData *VirtualRegisterData) OutputInstrIndex() int {
	return vregData.outputInstrIndex
}

func (vregData *VirtualRegisterData) IsPhi() bool {
	return vregData.isPhi
}

func (vregData *VirtualRegisterData) IsConstant() bool {
	return vregData.isConstant
}

func (vregData *VirtualRegisterData) HasSpillOperand() bool {
	return vregData.spillOperand != nil
}

func (vregData *VirtualRegisterData) HasPendingSpillOperand() bool {
	return vregData.HasSpillOperand() && vregData.spillOperand.IsPending()
}

func (vregData *VirtualRegisterData) HasAllocatedSpillOperand() bool {
	return vregData.HasSpillOperand() && vregData.spillOperand.IsAllocated()
}

func (vregData *VirtualRegisterData) HasConstantSpillOperand() bool {
	return vregData.HasSpillOperand() && vregData.spillOperand.IsConstant()
}

// AllocatedSpillOperand returns the resolved stack slot operand.
func (vregData *VirtualRegisterData) AllocatedSpillOperand() ir.Operand {
	if !vregData.HasAllocatedSpillOperand() {
		panic("spill operand not allocated")
	}
	return *vregData.spillOperand
}

func (vregData *VirtualRegisterData) NeedsSpillAtOutput() bool {
	return vregData.HasSpillOperand() && !vregData.isConstant
}

func (vregData *VirtualRegisterData) HasSpillRange() bool {
	return vregData.spillRange != nil
}

func (vregData *VirtualRegisterData) SpillRange() *SpillRange {
	if !vregData.HasSpillRange() {
		panic("virtual register has no spill range")
	}
	return vregData.spillRange
}

func (vregData *VirtualRegisterData) ensureSpillRange(
	data *AllocationData,
) {
	if vregData.isConstant {
		panic("constants do not acquire spill ranges")
	}
	if vregData.HasSpillRange() {
		return
	}

	if vregData.isPhi {
		// Define a spill slot that is defined for the phi's range.
		definitionBlock := data.GetBlock(vregData.outputInstrIndex)
		vregData.spillRange = NewPhiSpillRange(definitionBlock, data)
	} else {
		// The spill slot will be defined after the instruction that outputs
		// it.
		vregData.spillRange = NewSpillRange(vregData.outputInstrIndex+1, data)
	}
	data.SpilledVirtualRegisters().Set(uint(vregData.vreg))
}

func (vregData *VirtualRegisterData) addSpillUse(
	instrIndex int,
	data *AllocationData,
) {
	if vregData.isConstant {
		return
	}
	vregData.ensureSpillRange(data)
	vregData.spillRange.ExtendRangeTo(instrIndex)
}

// SpillOperand spills an operand that is assigned to this virtual
// register, overwriting it in place with the resolved spill operand, or
// with a pending placeholder threaded onto the spill operand chain.
func (vregData *VirtualRegisterData) SpillOperand(
	operand *ir.Operand,
	instrIndex int,
	data *AllocationData,
) {
	vregData.addSpillUse(instrIndex, data)
	if vregData.HasAllocatedSpillOperand() ||
		vregData.HasConstantSpillOperand() {

		operand.ReplaceWith(vregData.spillOperand)
	} else {
		pending := ir.NewPendingOperand(nil)
		operand.ReplaceWith(&pending)
		vregData.addPendingSpillOperand(operand)
	}
}

// EmitGapMoveToInputFromSpillSlot emits a gap move materializing the
// spilled value into the given location just before it is used.
func (vregData *VirtualRegisterData) EmitGapMoveToInputFromSpillSlot(
	to ir.Operand,
	instrIndex int,
	data *AllocationData,
) {
	vregData.addSpillUse(instrIndex, data)
	if to.IsPending() {
		panic("should never happen")
	}

	if vregData.HasAllocatedSpillOperand() ||
		vregData.HasConstantSpillOperand() {

		data.AddGapMove(instrIndex, ir.EndGap, *vregData.spillOperand, to)
	} else {
		move := data.AddPendingOperandGapMove(instrIndex, ir.EndGap)
		vregData.addPendingSpillOperand(&move.Source)
		move.Destination.ReplaceWith(&to)
	}
}

// EmitGapMoveToSpillSlot emits a gap move storing the given location into
// the spill slot at the start gap of the instruction.
func (vregData *VirtualRegisterData) EmitGapMoveToSpillSlot(
	from ir.Operand,
	instrIndex int,
	data *AllocationData,
) {
	vregData.addSpillUse(instrIndex, data)
	if vregData.HasAllocatedSpillOperand() ||
		vregData.HasConstantSpillOperand() {

		data.AddGapMove(instrIndex, ir.StartGap, from, *vregData.spillOperand)
	} else {
		move := data.AddPendingOperandGapMove(instrIndex, ir.StartGap)
		move.Source.ReplaceWith(&from)
		vregData.addPendingSpillOperand(&move.Destination)
	}
}

// EmitGapMoveFromOutputToSpillSlot stores a freshly defined output into
// its spill slot.  At the end of a block, the store is emitted into every
// successor's first instruction instead; the sequence validator
// guarantees each such successor has a single predecessor.
func (vregData *VirtualRegisterData) EmitGapMoveFromOutputToSpillSlot(
	from ir.Operand,
	currentBlock *ir.Block,
	instrIndex int,
	data *AllocationData,
) {
	if data.GetBlock(instrIndex) != currentBlock {
		panic("should never happen")
	}

	if instrIndex == currentBlock.LastInstrIndex {
		// Add gap move to the first instruction of every successor block.
		for _, succ := range currentBlock.Successors {
			successor := data.Code.BlockAt(succ)
			if successor.PredecessorCount() != 1 {
				panic("should never happen")
			}
			vregData.EmitGapMoveToSpillSlot(
				from,
				successor.FirstInstrIndex,
				data)
		}
	} else {
		// Add gap move to the next instruction.
		vregData.EmitGapMoveToSpillSlot(from, instrIndex+1, data)
	}
}

func (vregData *VirtualRegisterData) addPendingSpillOperand(
	pendingOperand *ir.Operand,
) {
	if !vregData.HasSpillRange() {
		panic("should never happen")
	}
	if pendingOperand.Next() != nil {
		panic("should never happen")
	}

	if vregData.HasSpillOperand() {
		pendingOperand.SetNext(vregData.spillOperand)
	}
	vregData.spillOperand = pendingOperand
}

// AllocatePendingSpillOperand resolves the pending chain, overwriting
// every link in place with the allocated spill slot.
func (vregData *VirtualRegisterData) AllocatePendingSpillOperand(
	allocated ir.Operand,
) {
	if vregData.HasAllocatedSpillOperand() ||
		vregData.HasConstantSpillOperand() {

		panic("should never happen")
	}

	current := vregData.spillOperand
	for current != nil {
		next := current.Next()
		current.ReplaceWith(&allocated)
		current = next
	}
	vregData.spillOperand = &allocated
}
