package allocator

import (
	"math"
	"math/bits"

	"github.com/bits-and-blooms/bitset"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

// UsePosition indicates which halves of the gap around an instruction a
// register is live through.
type UsePosition int

const (
	// Operand used at start of instruction.
	UsePositionStart = UsePosition(iota)
	// Operand used at end of instruction.
	UsePositionEnd
	// Operand used at both the start and end of instruction.
	UsePositionAll
	// Operand is not used in the instruction.  Pending uses are assigned
	// with this position so they do not block other operands in the same
	// instruction.
	UsePositionNone
)

// SinglePassRegisterAllocator allocates registers of a single kind over
// one block at a time, in a single reverse pass through the instruction
// stream, without any prior live range analysis.  The orchestrator routes
// each operand to the allocator of the matching kind.
type SinglePassRegisterAllocator struct {
	kind architecture.RegisterKind
	data *AllocationData

	// Virtual register to register mapping.
	virtualRegisterToReg []RegisterIndex

	// Current register state during allocation.  Lazily created so that
	// blocks which never touch this kind pay nothing; discarded at block
	// boundaries.
	registerState *RegisterState

	numAllocatableRegisters int
	regCodeToIndex          []RegisterIndex
	indexToRegCode          []int

	// Register codes assigned at any point during allocation, reported to
	// the frame once allocation completes.
	assignedRegisters *bitset.BitSet

	inUseAtInstrStartBits  uint64
	inUseAtInstrEndBits    uint64
	allocatedRegistersBits uint64
}

func NewSinglePassRegisterAllocator(
	kind architecture.RegisterKind,
	data *AllocationData,
) *SinglePassRegisterAllocator {
	virtualRegisterToReg := make(
		[]RegisterIndex,
		data.Code.VirtualRegisterCount())
	for idx := range virtualRegisterToReg {
		virtualRegisterToReg[idx] = InvalidRegisterIndex
	}

	indexToRegCode := data.Config.AllocatableRegisterCodes(kind)
	regCodeToIndex := make(
		[]RegisterIndex,
		data.Config.NumRegisters(kind))
	for idx := range regCodeToIndex {
		regCodeToIndex[idx] = InvalidRegisterIndex
	}
	for idx, regCode := range indexToRegCode {
		regCodeToIndex[regCode] = RegisterIndex(idx)
	}

	return &SinglePassRegisterAllocator{
		kind:                    kind,
		data:                    data,
		virtualRegisterToReg:    virtualRegisterToReg,
		numAllocatableRegisters: len(indexToRegCode),
		regCodeToIndex:          regCodeToIndex,
		indexToRegCode:          indexToRegCode,
		assignedRegisters: bitset.New(
			uint(data.Config.NumRegisters(kind))),
	}
}

func (allocator *SinglePassRegisterAllocator) Kind() architecture.RegisterKind {
	return allocator.kind
}

func (allocator *SinglePassRegisterAllocator) AssignedRegisters() *bitset.BitSet {
	return allocator.assignedRegisters
}

func (allocator *SinglePassRegisterAllocator) FromRegCode(
	regCode int,
) RegisterIndex {
	reg := allocator.regCodeToIndex[regCode]
	if !reg.IsValid() {
		panic("unallocatable register code")
	}
	return reg
}

func (allocator *SinglePassRegisterAllocator) ToRegCode(
	reg RegisterIndex,
) int {
	return allocator.indexToRegCode[reg]
}

func (allocator *SinglePassRegisterAllocator) hasRegisterState() bool {
	return allocator.registerState != nil
}

// The allocator is initialized without any register state by default to
// avoid having to allocate per block state for functions that never use
// registers of this kind.  All allocation verbs call ensureRegisterState.
func (allocator *SinglePassRegisterAllocator) ensureRegisterState() {
	if !allocator.hasRegisterState() {
		allocator.registerState = NewRegisterState(
			allocator.numAllocatableRegisters)
	}
}

func (allocator *SinglePassRegisterAllocator) EndInstruction() {
	allocator.inUseAtInstrEndBits = 0
	allocator.inUseAtInstrStartBits = 0
}

func (allocator *SinglePassRegisterAllocator) StartBlock(block *ir.Block) {
	if allocator.hasRegisterState() ||
		allocator.inUseAtInstrStartBits != 0 ||
		allocator.inUseAtInstrEndBits != 0 ||
		allocator.allocatedRegistersBits != 0 {

		panic("should never happen")
	}
}

func (allocator *SinglePassRegisterAllocator) EndBlock(block *ir.Block) {
	if allocator.inUseAtInstrStartBits != 0 ||
		allocator.inUseAtInstrEndBits != 0 ||
		allocator.allocatedRegistersBits != 0 {

		panic("should never happen")
	}
	allocator.registerState = nil
}

func (allocator *SinglePassRegisterAllocator) VirtualRegisterForRegister(
	reg RegisterIndex,
) int {
	return allocator.registerState.VirtualRegisterForRegister(reg)
}

func (allocator *SinglePassRegisterAllocator) RegisterForVirtualRegister(
	virtualRegister int,
) RegisterIndex {
	if virtualRegister == ir.InvalidVirtualRegister {
		panic("should never happen")
	}
	return allocator.virtualRegisterToReg[virtualRegister]
}

// checkConsistency verifies the register <-> virtual register bijection.
// Only enabled in strict check mode since it is linear in the number of
// virtual registers.
func (allocator *SinglePassRegisterAllocator) checkConsistency() {
	if !allocator.data.StrictChecks {
		return
	}

	for virtualRegister := range allocator.virtualRegisterToReg {
		reg := allocator.virtualRegisterToReg[virtualRegister]
		if !reg.IsValid() {
			continue
		}

		if virtualRegister != allocator.VirtualRegisterForRegister(reg) {
			panic("virtual register -> register mapping inconsistent")
		}
		if allocator.allocatedRegistersBits&reg.ToBit() == 0 {
			panic("allocated register missing from allocation bitmap")
		}
	}

	for idx := 0; idx < allocator.numAllocatableRegisters; idx++ {
		reg := RegisterIndex(idx)
		virtualRegister := allocator.VirtualRegisterForRegister(reg)
		if virtualRegister == ir.InvalidVirtualRegister {
			continue
		}

		if reg != allocator.RegisterForVirtualRegister(virtualRegister) {
			panic("register -> virtual register mapping inconsistent")
		}
		if allocator.allocatedRegistersBits&reg.ToBit() == 0 {
			panic("allocated register missing from allocation bitmap")
		}
	}
}

func (allocator *SinglePassRegisterAllocator) virtualRegisterIsUnallocatedOrInReg(
	virtualRegister int,
	reg RegisterIndex,
) bool {
	existing := allocator.RegisterForVirtualRegister(virtualRegister)
	return !existing.IsValid() || existing == reg
}

func (allocator *SinglePassRegisterAllocator) isFreeOrSameVirtualRegister(
	reg RegisterIndex,
	virtualRegister int,
) bool {
	allocated := allocator.VirtualRegisterForRegister(reg)
	return allocated == ir.InvalidVirtualRegister ||
		allocated == virtualRegister
}

func (allocator *SinglePassRegisterAllocator) emitGapMoveFromOutput(
	from ir.Operand,
	to ir.Operand,
	instrIndex int,
) {
	if !from.IsAllocated() || !to.IsAllocated() {
		panic("should never happen")
	}

	block := allocator.data.GetBlock(instrIndex)
	if instrIndex == block.LastInstrIndex {
		// Add gap move to the first instruction of every successor block.
		for _, succ := range block.Successors {
			successor := allocator.data.Code.BlockAt(succ)
			if successor.PredecessorCount() != 1 {
				panic("should never happen")
			}
			allocator.data.AddGapMove(
				successor.FirstInstrIndex,
				ir.StartGap,
				from,
				to)
		}
	} else {
		allocator.data.AddGapMove(instrIndex+1, ir.StartGap, from, to)
	}
}

func (allocator *SinglePassRegisterAllocator) assignRegister(
	reg RegisterIndex,
	virtualRegister int,
	pos UsePosition,
) {
	allocator.assignedRegisters.Set(uint(allocator.ToRegCode(reg)))
	allocator.markRegisterUse(reg, pos)
	allocator.allocatedRegistersBits |= reg.ToBit()
	if virtualRegister != ir.InvalidVirtualRegister {
		allocator.virtualRegisterToReg[virtualRegister] = reg
	}
}

func (allocator *SinglePassRegisterAllocator) markRegisterUse(
	reg RegisterIndex,
	pos UsePosition,
) {
	if pos == UsePositionStart || pos == UsePositionAll {
		allocator.inUseAtInstrStartBits |= reg.ToBit()
	}
	if pos == UsePositionEnd || pos == UsePositionAll {
		allocator.inUseAtInstrEndBits |= reg.ToBit()
	}
}

func (allocator *SinglePassRegisterAllocator) freeRegister(
	reg RegisterIndex,
	virtualRegister int,
) {
	allocator.allocatedRegistersBits &^= reg.ToBit()
	if virtualRegister != ir.InvalidVirtualRegister {
		allocator.virtualRegisterToReg[virtualRegister] = InvalidRegisterIndex
	}
}

func (allocator *SinglePassRegisterAllocator) inUseBitmap(
	pos UsePosition,
) uint64 {
	switch pos {
	case UsePositionStart:
		return allocator.inUseAtInstrStartBits
	case UsePositionEnd:
		return allocator.inUseAtInstrEndBits
	case UsePositionAll:
		return allocator.inUseAtInstrStartBits | allocator.inUseAtInstrEndBits
	default:
		panic("should never happen")
	}
}

func (allocator *SinglePassRegisterAllocator) chooseRegisterForVreg(
	vregData *VirtualRegisterData,
	pos UsePosition,
	mustUseRegister bool,
) RegisterIndex {
	// If a register is already allocated to the virtual register, use that.
	reg := allocator.RegisterForVirtualRegister(vregData.Vreg())

	// If we don't need a register, only try to allocate one if the virtual
	// register hasn't yet been spilled, to try to avoid spilling it.
	if !reg.IsValid() && (mustUseRegister || !vregData.HasSpillOperand()) {
		reg = allocator.chooseRegisterFor(pos, mustUseRegister)
	}
	return reg
}

func (allocator *SinglePassRegisterAllocator) chooseRegisterFor(
	pos UsePosition,
	mustUseRegister bool,
) RegisterIndex {
	reg := allocator.chooseFreeRegister(pos)
	if !reg.IsValid() && mustUseRegister {
		reg = allocator.chooseRegisterToSpill(pos)
		allocator.SpillRegister(reg)
	}
	return reg
}

func (allocator *SinglePassRegisterAllocator) chooseFreeRegister(
	pos UsePosition,
) RegisterIndex {
	// Take the lowest indexed free, non-blocked register, if available.
	allocatedOrInUse := allocator.inUseBitmap(pos) |
		allocator.allocatedRegistersBits

	regIndex := bits.TrailingZeros64(^allocatedOrInUse)
	if regIndex >= allocator.numAllocatableRegisters {
		return InvalidRegisterIndex
	}
	return RegisterIndex(regIndex)
}

// chooseRegisterToSpill picks a register that will need to be spilled.
// Preferentially choose:
//   - a register with only pending uses, to avoid having to add a gap
//     move for a non-pending use;
//   - a register holding a virtual register that has already been
//     spilled, to avoid adding a new gap move to spill the virtual
//     register when it is output;
//   - the register holding the virtual register with the earliest
//     definition point, since it is more likely to be spilled anyway.
func (allocator *SinglePassRegisterAllocator) chooseRegisterToSpill(
	pos UsePosition,
) RegisterIndex {
	inUse := allocator.inUseBitmap(pos)

	chosen := InvalidRegisterIndex
	earliestDefinition := math.MaxInt
	pendingOnlyUse := false
	alreadySpilled := false
	for idx := 0; idx < allocator.numAllocatableRegisters; idx++ {
		reg := RegisterIndex(idx)

		// Skip registers blocked by this instruction.
		if inUse&reg.ToBit() != 0 {
			continue
		}

		virtualRegister := allocator.VirtualRegisterForRegister(reg)
		if virtualRegister == ir.InvalidVirtualRegister {
			continue
		}

		vregData := allocator.data.VirtualRegisterDataFor(virtualRegister)
		pendingOnly := allocator.registerState.HasPendingUsesOnly(reg)
		spilled := vregData.HasSpillOperand()
		if (pendingOnly && !pendingOnlyUse) ||
			(pendingOnly == pendingOnlyUse &&
				((spilled && !alreadySpilled) ||
					(spilled == alreadySpilled &&
						vregData.OutputInstrIndex() < earliestDefinition))) {

			chosen = reg
			earliestDefinition = vregData.OutputInstrIndex()
			pendingOnlyUse = pendingOnly
			alreadySpilled = spilled
		}
	}

	// There should always be an unblocked register available; the
	// instruction format keeps the number of concurrently used operands
	// below the register count.
	if !chosen.IsValid() {
		panic("should never happen")
	}
	return chosen
}

func (allocator *SinglePassRegisterAllocator) allocatedOperandForReg(
	reg RegisterIndex,
	virtualRegister int,
) ir.Operand {
	rep := allocator.data.RepresentationFor(virtualRegister)
	return ir.NewRegisterOperand(rep, allocator.ToRegCode(reg))
}

// commitRegister commits the operand to the register, marks the register
// use in this instruction, then marks it as free going forward.
func (allocator *SinglePassRegisterAllocator) commitRegister(
	reg RegisterIndex,
	virtualRegister int,
	operand *ir.Operand,
	pos UsePosition,
) {
	allocated := allocator.allocatedOperandForReg(reg, virtualRegister)
	allocator.registerState.Commit(reg, allocated, operand, allocator.data)
	allocator.markRegisterUse(reg, pos)
	allocator.freeRegister(reg, virtualRegister)
	allocator.checkConsistency()
}

func (allocator *SinglePassRegisterAllocator) SpillRegister(
	reg RegisterIndex,
) {
	if !allocator.registerState.IsAllocated(reg) {
		return
	}

	virtualRegister := allocator.VirtualRegisterForRegister(reg)
	allocated := allocator.allocatedOperandForReg(reg, virtualRegister)
	allocator.registerState.Spill(reg, allocated, allocator.data)
	allocator.freeRegister(reg, virtualRegister)
}

// SpillAllRegisters spills every register currently holding data, for
// example due to an instruction that clobbers all registers, or at the
// end of a block.
func (allocator *SinglePassRegisterAllocator) SpillAllRegisters() {
	if !allocator.hasRegisterState() {
		return
	}

	for idx := 0; idx < allocator.numAllocatableRegisters; idx++ {
		allocator.SpillRegister(RegisterIndex(idx))
	}
}

func (allocator *SinglePassRegisterAllocator) spillRegisterForVirtualRegister(
	virtualRegister int,
) {
	if virtualRegister == ir.InvalidVirtualRegister {
		panic("should never happen")
	}
	reg := allocator.RegisterForVirtualRegister(virtualRegister)
	if reg.IsValid() {
		allocator.SpillRegister(reg)
	}
}

func (allocator *SinglePassRegisterAllocator) allocateUse(
	reg RegisterIndex,
	virtualRegister int,
	operand *ir.Operand,
	instrIndex int,
	pos UsePosition,
) {
	if virtualRegister == ir.InvalidVirtualRegister {
		panic("should never happen")
	}
	if !allocator.isFreeOrSameVirtualRegister(reg, virtualRegister) {
		panic("should never happen")
	}

	allocated := allocator.allocatedOperandForReg(reg, virtualRegister)
	allocator.registerState.Commit(reg, allocated, operand, allocator.data)
	allocator.registerState.AllocateUse(reg, virtualRegister, instrIndex)
	allocator.assignRegister(reg, virtualRegister, pos)
	allocator.checkConsistency()
}

func (allocator *SinglePassRegisterAllocator) allocatePendingUse(
	reg RegisterIndex,
	virtualRegister int,
	operand *ir.Operand,
	instrIndex int,
) {
	if virtualRegister == ir.InvalidVirtualRegister {
		panic("should never happen")
	}
	if !allocator.isFreeOrSameVirtualRegister(reg, virtualRegister) {
		panic("should never happen")
	}

	allocator.registerState.AllocatePendingUse(
		reg,
		virtualRegister,
		operand,
		instrIndex)

	// Since this is a pending use and the operand doesn't need to use a
	// register, assign with UsePositionNone to avoid blocking the
	// register's use by other operands in this instruction.
	allocator.assignRegister(reg, virtualRegister, UsePositionNone)
	allocator.checkConsistency()
}

// allocateUseWithMove allocates the operand to the register and adds a
// gap move from an unconstrained copy of the virtual register, deferring
// where the value actually comes from to the gap move's own allocation.
func (allocator *SinglePassRegisterAllocator) allocateUseWithMove(
	reg RegisterIndex,
	virtualRegister int,
	operand *ir.Operand,
	instrIndex int,
	pos UsePosition,
) {
	to := allocator.allocatedOperandForReg(reg, virtualRegister)
	from := ir.NewUnallocatedOperand(
		ir.RegisterOrSlotPolicy,
		virtualRegister)
	allocator.data.AddGapMove(instrIndex, ir.EndGap, from, to)
	operand.ReplaceWith(&to)
	allocator.markRegisterUse(reg, pos)
	allocator.checkConsistency()
}

func (allocator *SinglePassRegisterAllocator) AllocateInput(
	operand *ir.Operand,
	instrIndex int,
) {
	allocator.ensureRegisterState()
	virtualRegister := operand.VirtualRegister()
	rep := allocator.data.RepresentationFor(virtualRegister)
	vregData := allocator.data.VirtualRegisterDataFor(virtualRegister)

	if operand.HasFixedSlotPolicy() {
		// The operand must live in a specific stack slot: allocate it to
		// that slot, then add a gap move from an unconstrained copy of the
		// input, and spill the gap move's source.
		inputCopy := ir.NewUnallocatedOperand(
			ir.RegisterOrSlotPolicy,
			virtualRegister)
		allocated := ir.NewStackSlotOperand(rep, operand.FixedSlotIndex())
		operand.ReplaceWith(&allocated)
		move := allocator.data.AddGapMove(
			instrIndex,
			ir.EndGap,
			inputCopy,
			allocated)
		vregData.SpillOperand(&move.Source, instrIndex, allocator.data)
		return
	} else if operand.HasSlotPolicy() {
		vregData.SpillOperand(operand, instrIndex, allocator.data)
		return
	}

	// Otherwise try to allocate a register for the operand.
	pos := UsePositionAll
	if operand.IsUsedAtStart() {
		pos = UsePositionStart
	}

	if operand.HasFixedRegisterPolicy() || operand.HasFixedFPRegisterPolicy() {
		// With a fixed register operand, we must use that register.
		reg := allocator.FromRegCode(operand.FixedRegisterCode())
		if !allocator.virtualRegisterIsUnallocatedOrInReg(
			virtualRegister,
			reg) {

			// The virtual register is already in a different register; just
			// add a gap move from that register to the fixed register.
			allocator.allocateUseWithMove(
				reg,
				virtualRegister,
				operand,
				instrIndex,
				pos)
		} else {
			allocator.allocateUse(reg, virtualRegister, operand, instrIndex, pos)
		}
	} else {
		mustUseRegister := operand.HasRegisterPolicy() ||
			(vregData.IsConstant() &&
				!operand.HasRegisterOrSlotOrConstantPolicy())
		reg := allocator.chooseRegisterForVreg(vregData, pos, mustUseRegister)

		if reg.IsValid() {
			if mustUseRegister {
				allocator.allocateUse(
					reg,
					virtualRegister,
					operand,
					instrIndex,
					pos)
			} else {
				allocator.allocatePendingUse(
					reg,
					virtualRegister,
					operand,
					instrIndex)
			}
		} else {
			vregData.SpillOperand(operand, instrIndex, allocator.data)
		}
	}
}

func (allocator *SinglePassRegisterAllocator) AllocateGapMoveInput(
	operand *ir.Operand,
	instrIndex int,
) {
	allocator.ensureRegisterState()
	virtualRegister := operand.VirtualRegister()
	vregData := allocator.data.VirtualRegisterDataFor(virtualRegister)

	// Gap move inputs should be unconstrained.
	if !operand.HasRegisterOrSlotPolicy() {
		panic("should never happen")
	}

	reg := allocator.chooseRegisterForVreg(vregData, UsePositionStart, false)
	if reg.IsValid() {
		allocator.allocatePendingUse(reg, virtualRegister, operand, instrIndex)
	} else {
		vregData.SpillOperand(operand, instrIndex, allocator.data)
	}
}

func (allocator *SinglePassRegisterAllocator) AllocateConstantOutput(
	operand *ir.Operand,
) {
	allocator.ensureRegisterState()

	// If the constant is allocated to a register, spill it now to add the
	// necessary gap moves from the constant operand to the register.
	virtualRegister := operand.VirtualRegister()
	allocator.spillRegisterForVirtualRegister(virtualRegister)
}

func (allocator *SinglePassRegisterAllocator) AllocateOutput(
	operand *ir.Operand,
	instrIndex int,
) {
	allocator.allocateOutput(operand, instrIndex, UsePositionEnd)
}

func (allocator *SinglePassRegisterAllocator) allocateOutput(
	operand *ir.Operand,
	instrIndex int,
	pos UsePosition,
) RegisterIndex {
	allocator.ensureRegisterState()
	virtualRegister := operand.VirtualRegister()
	vregData := allocator.data.VirtualRegisterDataFor(virtualRegister)

	var reg RegisterIndex
	if operand.HasSlotPolicy() || operand.HasFixedSlotPolicy() {
		// We can't allocate a register for the output given the policy, so
		// make sure to spill the register holding this virtual register if
		// any.
		allocator.spillRegisterForVirtualRegister(virtualRegister)
		reg = InvalidRegisterIndex
	} else if operand.HasFixedRegisterPolicy() ||
		operand.HasFixedFPRegisterPolicy() {

		reg = allocator.FromRegCode(operand.FixedRegisterCode())
	} else {
		reg = allocator.chooseRegisterForVreg(
			vregData,
			pos,
			operand.HasRegisterPolicy())
	}

	if !reg.IsValid() {
		vregData.SpillOperand(operand, instrIndex, allocator.data)
	} else {
		var moveOutputTo ir.Operand
		if !allocator.virtualRegisterIsUnallocatedOrInReg(
			virtualRegister,
			reg) {

			// The virtual register was live in a different register (e.g. due
			// to the output having a fixed register policy): commit its use
			// in that register here and move it from the output below.
			existingReg := allocator.RegisterForVirtualRegister(virtualRegister)

			// Don't mark existingReg as used in this instruction: it is used
			// by the (already allocated) following instructions' gap moves.
			allocator.commitRegister(
				existingReg,
				virtualRegister,
				&moveOutputTo,
				UsePositionNone)
		}

		allocator.commitRegister(reg, virtualRegister, operand, pos)

		if moveOutputTo.IsAllocated() {
			// Emit a move from the output to the register the virtual
			// register was allocated to.
			allocator.emitGapMoveFromOutput(*operand, moveOutputTo, instrIndex)
		}

		if vregData.NeedsSpillAtOutput() {
			vregData.EmitGapMoveFromOutputToSpillSlot(
				*operand,
				allocator.data.GetBlock(instrIndex),
				instrIndex,
				allocator.data)
		}
	}

	return reg
}

func (allocator *SinglePassRegisterAllocator) AllocateSameInputOutput(
	output *ir.Operand,
	input *ir.Operand,
	instrIndex int,
) {
	allocator.ensureRegisterState()
	inputVreg := input.VirtualRegister()
	outputVreg := output.VirtualRegister()

	// The input operand has the register constraints, so replace the
	// output operand with a copy of the input carrying the output's
	// virtual register.
	outputAsInput := input.WithVirtualRegister(outputVreg)
	output.ReplaceWith(&outputAsInput)
	reg := allocator.allocateOutput(output, instrIndex, UsePositionAll)

	if reg.IsValid() {
		// Replace the input operand with an unallocated fixed register
		// policy for the same register.
		policy := ir.FixedRegisterPolicy
		if allocator.kind == architecture.DoubleRegisters {
			policy = ir.FixedFPRegisterPolicy
		}
		fixedInput := ir.NewFixedUnallocatedOperand(
			policy,
			allocator.ToRegCode(reg),
			inputVreg)
		input.ReplaceWith(&fixedInput)
	} else {
		// The output was spilled.  The input must be made the same as the
		// output, i.e. the output virtual register's spill slot: spill this
		// input operand using the output's spill slot, then add a gap move
		// to move the input value into the slot.
		outputVregData := allocator.data.VirtualRegisterDataFor(outputVreg)
		outputVregData.SpillOperand(input, instrIndex, allocator.data)

		unconstrainedInput := ir.NewUnallocatedOperand(
			ir.RegisterOrSlotPolicy,
			inputVreg)
		pending := ir.NewPendingOperand(nil)
		move := allocator.data.AddGapMove(
			instrIndex,
			ir.EndGap,
			unconstrainedInput,
			pending)
		outputVregData.SpillOperand(
			&move.Destination,
			instrIndex,
			allocator.data)
	}
}

func (allocator *SinglePassRegisterAllocator) AllocateTemp(
	operand *ir.Operand,
	instrIndex int,
) {
	allocator.ensureRegisterState()
	if operand.HasFixedSlotPolicy() {
		panic("should never happen")
	}

	virtualRegister := operand.VirtualRegister()

	var reg RegisterIndex
	if operand.HasSlotPolicy() {
		reg = InvalidRegisterIndex
	} else if operand.HasFixedRegisterPolicy() ||
		operand.HasFixedFPRegisterPolicy() {

		reg = allocator.FromRegCode(operand.FixedRegisterCode())
	} else {
		reg = allocator.chooseRegisterFor(
			UsePositionAll,
			operand.HasRegisterPolicy())
	}

	if reg.IsValid() {
		if virtualRegister != ir.InvalidVirtualRegister &&
			!allocator.virtualRegisterIsUnallocatedOrInReg(
				virtualRegister,
				reg) {

			panic("should never happen")
		}
		allocator.commitRegister(reg, virtualRegister, operand, UsePositionAll)
	} else {
		vregData := allocator.data.VirtualRegisterDataFor(virtualRegister)
		vregData.SpillOperand(operand, instrIndex, allocator.data)
	}
}

// definedAfter returns true if the virtual register is defined after use
// position pos at the given instruction.
func (allocator *SinglePassRegisterAllocator) definedAfter(
	virtualRegister int,
	instrIndex int,
	pos UsePosition,
) bool {
	if virtualRegister == ir.InvalidVirtualRegister {
		return false
	}
	definedAt := allocator.data.VirtualRegisterDataFor(
		virtualRegister).OutputInstrIndex()
	return definedAt > instrIndex ||
		(definedAt == instrIndex && pos == UsePositionStart)
}

func (allocator *SinglePassRegisterAllocator) ReserveFixedInputRegister(
	operand *ir.Operand,
	instrIndex int,
) {
	pos := UsePositionAll
	if operand.IsUsedAtStart() {
		pos = UsePositionStart
	}
	allocator.reserveFixedRegister(operand, instrIndex, pos)
}

func (allocator *SinglePassRegisterAllocator) ReserveFixedTempRegister(
	operand *ir.Operand,
	instrIndex int,
) {
	allocator.reserveFixedRegister(operand, instrIndex, UsePositionAll)
}

func (allocator *SinglePassRegisterAllocator) ReserveFixedOutputRegister(
	operand *ir.Operand,
	instrIndex int,
) {
	allocator.reserveFixedRegister(operand, instrIndex, UsePositionEnd)
}

// reserveFixedRegister reserves the physical register before the
// instruction's operands are allocated, preventing the other operands
// from choosing it.
func (allocator *SinglePassRegisterAllocator) reserveFixedRegister(
	operand *ir.Operand,
	instrIndex int,
	pos UsePosition,
) {
	allocator.ensureRegisterState()
	virtualRegister := operand.VirtualRegister()
	reg := allocator.FromRegCode(operand.FixedRegisterCode())
	if !allocator.isFreeOrSameVirtualRegister(reg, virtualRegister) &&
		!allocator.definedAfter(
			allocator.VirtualRegisterForRegister(reg),
			instrIndex,
			pos) {

		// The register is holding a different virtual register that is
		// defined at or before this use position, so its value is live
		// here; spill it now.
		allocator.SpillRegister(reg)
	}
	allocator.markRegisterUse(reg, pos)
}
