package allocator

import (
	"testing"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

// spillTestData builds a single ten instruction block with the given
// virtual register representations, runs the define pass, and returns
// the allocation data.
func spillTestData(
	t *testing.T,
	reps ...architecture.MachineRepresentation,
) *AllocationData {
	t.Helper()

	builder := ir.NewSequenceBuilder()
	for _, rep := range reps {
		builder.AddVirtualRegister(rep)
	}

	builder.StartBlock(-1)
	for idx := 0; idx < 10; idx++ {
		builder.Emit(ir.NewInstruction(nil, nil, nil))
	}
	builder.EndBlock()

	data := NewAllocationData(
		testConfig(),
		builder.Build(),
		ir.NewFrame(),
		nil,
		nil)
	NewMidTierRegisterAllocator(data).DefineOutputs()
	return data
}

// spillAt defines the virtual register at defIndex and spills an operand
// of it at useIndex, producing a pending spill with live range
// [defIndex+1, useIndex].
func spillAt(
	data *AllocationData,
	vreg int,
	defIndex int,
	useIndex int,
) *ir.Operand {
	vregData := data.VirtualRegisterDataFor(vreg)
	vregData.DefineAsUnallocatedOperand(vreg, defIndex)

	operand := ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, vreg)
	vregData.SpillOperand(&operand, useIndex, data)
	return &operand
}

func TestSpillSlotReuseAfterExpiry(t *testing.T) {
	data := spillTestData(
		t,
		architecture.RepWord64,
		architecture.RepWord64,
		architecture.RepWord64)

	op0 := spillAt(data, 0, 0, 2) // [1 2]
	op1 := spillAt(data, 1, 3, 5) // [4 5]
	op2 := spillAt(data, 2, 0, 5) // [1 5]

	AllocateSpillSlots(data)

	if !op0.IsStackSlotLocation() ||
		!op1.IsStackSlotLocation() ||
		!op2.IsStackSlotLocation() {

		t.Fatalf("expected all pending spills resolved to stack slots")
	}

	// v1 starts after v0 expired and reuses its slot; v2 overlaps both and
	// needs its own.
	if op0.StackSlotIndex() != op1.StackSlotIndex() {
		t.Errorf(
			"expected v1 to reuse v0's slot, got %d and %d",
			op0.StackSlotIndex(),
			op1.StackSlotIndex())
	}
	if op2.StackSlotIndex() == op0.StackSlotIndex() {
		t.Errorf("v2 overlaps v0 and must not share its slot")
	}

	if data.Frame.SpillSlotCount() != 2 {
		t.Errorf(
			"expected 2 spill slots, got %d",
			data.Frame.SpillSlotCount())
	}
}

func TestSpillSlotWidthMatching(t *testing.T) {
	data := spillTestData(
		t,
		architecture.RepWord64,
		architecture.RepFloat32)

	op0 := spillAt(data, 0, 0, 2) // width 8, [1 2]
	op1 := spillAt(data, 1, 3, 5) // width 4, [4 5]

	AllocateSpillSlots(data)

	// v0's slot is free when v1 starts but has the wrong width.
	if op0.StackSlotIndex() == op1.StackSlotIndex() {
		t.Errorf("slots of different byte widths must not be shared")
	}

	if data.Frame.SpillSlotByteWidth(op0.StackSlotIndex()) != 8 {
		t.Errorf("expected 8 byte slot for word64 spill")
	}
	if data.Frame.SpillSlotByteWidth(op1.StackSlotIndex()) != 4 {
		t.Errorf("expected 4 byte slot for float32 spill")
	}
}

// The entire pending chain of a virtual register resolves to one slot.
func TestPendingChainResolvesToSingleSlot(t *testing.T) {
	data := spillTestData(t, architecture.RepWord64)

	vregData := data.VirtualRegisterDataFor(0)
	vregData.DefineAsUnallocatedOperand(0, 0)

	operands := make([]ir.Operand, 3)
	for idx := range operands {
		operands[idx] = ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, 0)
		vregData.SpillOperand(&operands[idx], 2+idx, data)
	}

	if !vregData.HasPendingSpillOperand() {
		t.Fatalf("expected pending spill operand")
	}

	AllocateSpillSlots(data)

	for idx := range operands {
		if !operands[idx].IsStackSlotLocation() {
			t.Fatalf("operand %d not resolved", idx)
		}
		if operands[idx].StackSlotIndex() != operands[0].StackSlotIndex() {
			t.Errorf("pending chain resolved to multiple slots")
		}
	}
}
