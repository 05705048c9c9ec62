package allocator

import (
	"github.com/pattyshack/towhee/ir"
)

// RegisterIndex identifies a particular allocatable register of the
// allocator's kind by dense index.
type RegisterIndex int

const InvalidRegisterIndex = RegisterIndex(-1)

func (reg RegisterIndex) IsValid() bool {
	return reg != InvalidRegisterIndex
}

func (reg RegisterIndex) ToBit() uint64 {
	if !reg.IsValid() {
		panic("invalid register index")
	}
	return uint64(1) << uint(reg)
}

// trackedRegister records which virtual register a physical register is
// currently holding, and how the in-progress allocation should be
// updated if the register is committed or spilled.
type trackedRegister struct {
	// True if a gap move should be added when the register is spilled: the
	// register has a committed use, so the spilled value must be
	// materialized into the register at the point of that use.
	needsGapMoveOnSpill bool

	// The instruction index for the last use of the current in-progress
	// allocation of this register.  Used both as the instruction to add a
	// gap move at if needsGapMoveOnSpill, and as the instruction the
	// virtual register's spill range should be extended to if the register
	// is spilled.
	lastUseInstrIndex int

	virtualRegister int

	// A chain of operands that have pending uses of this register and will
	// be resolved either to the register or to a spill slot, depending on
	// whether the register is committed or spilled.
	pendingUses *ir.Operand
}

func (register *trackedRegister) reset() {
	register.needsGapMoveOnSpill = false
	register.lastUseInstrIndex = -1
	register.virtualRegister = ir.InvalidVirtualRegister
	register.pendingUses = nil
}

func (register *trackedRegister) isAllocated() bool {
	return register.virtualRegister != ir.InvalidVirtualRegister
}

// A register can have many pending uses, but only ever a single
// non-pending use, since any subsequent use commits the preceding use
// first.
func (register *trackedRegister) use(
	virtualRegister int,
	instrIndex int,
) {
	if register.isAllocated() {
		panic("should never happen")
	}
	register.needsGapMoveOnSpill = true
	register.virtualRegister = virtualRegister
	register.lastUseInstrIndex = instrIndex
}

func (register *trackedRegister) pendingUse(
	operand *ir.Operand,
	virtualRegister int,
	instrIndex int,
) {
	if !register.isAllocated() {
		register.virtualRegister = virtualRegister
		register.lastUseInstrIndex = instrIndex
	}
	if register.virtualRegister != virtualRegister {
		panic("should never happen")
	}
	if register.lastUseInstrIndex < instrIndex {
		panic("should never happen")
	}

	pending := ir.NewPendingOperand(register.pendingUses)
	operand.ReplaceWith(&pending)
	register.pendingUses = operand
}

func (register *trackedRegister) commit(allocated ir.Operand) {
	if !register.isAllocated() {
		panic("should never happen")
	}

	// Allocate all pending uses to the allocated operand.
	pendingUse := register.pendingUses
	for pendingUse != nil {
		next := pendingUse.Next()
		pendingUse.ReplaceWith(&allocated)
		pendingUse = next
	}
	register.pendingUses = nil
}

func (register *trackedRegister) spill(
	allocated ir.Operand,
	data *AllocationData,
) {
	if register.needsGapMoveOnSpill {
		vregData := data.VirtualRegisterDataFor(register.virtualRegister)
		vregData.EmitGapMoveToInputFromSpillSlot(
			allocated,
			register.lastUseInstrIndex,
			data)
	}
	register.spillPendingUses(data)
	register.virtualRegister = ir.InvalidVirtualRegister
}

func (register *trackedRegister) spillPendingUses(data *AllocationData) {
	vregData := data.VirtualRegisterDataFor(register.virtualRegister)
	pendingUse := register.pendingUses
	for pendingUse != nil {
		// Spill all the pending operands associated with this register.
		next := pendingUse.Next()
		vregData.SpillOperand(pendingUse, register.lastUseInstrIndex, data)
		pendingUse = next
	}
	register.pendingUses = nil
}

// RegisterState represents the state of the registers of one kind at a
// particular point in program execution.  State is created lazily on
// first use within a block and discarded at block boundaries.
type RegisterState struct {
	registers []*trackedRegister
}

func NewRegisterState(numAllocatableRegisters int) *RegisterState {
	return &RegisterState{
		registers: make([]*trackedRegister, numAllocatableRegisters),
	}
}

func (state *RegisterState) NumAllocatableRegisters() int {
	return len(state.registers)
}

func (state *RegisterState) hasRegisterData(reg RegisterIndex) bool {
	return state.registers[reg] != nil
}

func (state *RegisterState) ensureRegisterData(reg RegisterIndex) {
	if !state.hasRegisterData(reg) {
		register := &trackedRegister{}
		register.reset()
		state.registers[reg] = register
	}
}

func (state *RegisterState) regData(reg RegisterIndex) *trackedRegister {
	if !state.hasRegisterData(reg) {
		panic("should never happen")
	}
	return state.registers[reg]
}

func (state *RegisterState) resetDataFor(reg RegisterIndex) {
	state.regData(reg).reset()
}

func (state *RegisterState) IsAllocated(reg RegisterIndex) bool {
	return state.hasRegisterData(reg) && state.regData(reg).isAllocated()
}

func (state *RegisterState) VirtualRegisterForRegister(
	reg RegisterIndex,
) int {
	if state.IsAllocated(reg) {
		return state.regData(reg).virtualRegister
	}
	return ir.InvalidVirtualRegister
}

// HasPendingUsesOnly returns true if the register only has pending uses
// allocated to it; such a register can be discarded without generating a
// gap move.
func (state *RegisterState) HasPendingUsesOnly(reg RegisterIndex) bool {
	if !state.IsAllocated(reg) {
		panic("should never happen")
	}
	return !state.regData(reg).needsGapMoveOnSpill
}

// Commit resolves the operand and any pending uses of the register to
// the allocated operand, then releases the register.
func (state *RegisterState) Commit(
	reg RegisterIndex,
	allocated ir.Operand,
	operand *ir.Operand,
	data *AllocationData,
) {
	operand.ReplaceWith(&allocated)
	if state.IsAllocated(reg) {
		state.regData(reg).commit(allocated)
		state.resetDataFor(reg)
	}
}

// Spill resolves the register's pending uses to the virtual register's
// spill slot, emitting a materializing gap move if the register has a
// committed use, then releases the register.
func (state *RegisterState) Spill(
	reg RegisterIndex,
	allocated ir.Operand,
	data *AllocationData,
) {
	if !state.IsAllocated(reg) {
		panic("should never happen")
	}
	state.regData(reg).spill(allocated, data)
	state.resetDataFor(reg)
}

// AllocateUse allocates the register to the virtual register for the
// instruction.  If the register is later spilled, a gap move will be
// added immediately before the instruction to move the virtual register
// into this register.
func (state *RegisterState) AllocateUse(
	reg RegisterIndex,
	virtualRegister int,
	instrIndex int,
) {
	state.ensureRegisterData(reg)
	state.regData(reg).use(virtualRegister, instrIndex)
}

// AllocatePendingUse allocates the register to the virtual register as a
// pending use: if the virtual register later gets committed to this
// register then the operand will be too, otherwise the operand is
// replaced with the virtual register's spill operand.
func (state *RegisterState) AllocatePendingUse(
	reg RegisterIndex,
	virtualRegister int,
	operand *ir.Operand,
	instrIndex int,
) {
	state.ensureRegisterData(reg)
	state.regData(reg).pendingUse(operand, virtualRegister, instrIndex)
}
