package allocator

import (
	"testing"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

func testConfig() *architecture.RegisterConfig {
	return architecture.NewRegisterConfig(
		architecture.NewGeneralRegister("r0", 0),
		architecture.NewGeneralRegister("r1", 1),
		architecture.NewDoubleRegister("d0", 0),
		architecture.NewDoubleRegister("d1", 1))
}

func allocateSequence(
	t *testing.T,
	seq *ir.Sequence,
) (
	*AllocationData,
	*ir.Frame,
) {
	t.Helper()

	config := testConfig()
	emitter := &parseutil.Emitter{}
	ir.ValidateSequence(seq, config, emitter)
	if emitter.HasErrors() {
		for _, err := range emitter.Errors() {
			t.Errorf("unexpected validation error: %s", err)
		}
		t.FailNow()
	}

	frame := ir.NewFrame()
	data := NewAllocationData(config, seq, frame, nil, nil)
	data.StrictChecks = true
	AllocateRegisters(data)

	verifyResolved(t, seq)
	return data, frame
}

// Every operand and every gap move endpoint must be resolved once
// allocation completes.
func verifyResolved(t *testing.T, seq *ir.Sequence) {
	t.Helper()

	for instrIndex := 0; instrIndex < seq.InstructionCount(); instrIndex++ {
		instr := seq.InstructionAt(instrIndex)

		for idx := 0; idx < instr.OutputCount(); idx++ {
			output := instr.OutputAt(idx)
			if !output.IsAllocated() && !output.IsConstant() {
				t.Errorf(
					"instruction %d output %d unresolved: %s",
					instrIndex,
					idx,
					output)
			}
		}
		for idx := 0; idx < instr.InputCount(); idx++ {
			input := instr.InputAt(idx)
			if !input.IsAllocated() && !input.IsConstant() {
				t.Errorf(
					"instruction %d input %d unresolved: %s",
					instrIndex,
					idx,
					input)
			}
		}
		for idx := 0; idx < instr.TempCount(); idx++ {
			temp := instr.TempAt(idx)
			if !temp.IsAllocated() {
				t.Errorf(
					"instruction %d temp %d unresolved: %s",
					instrIndex,
					idx,
					temp)
			}
		}

		for _, position := range []ir.GapPosition{ir.StartGap, ir.EndGap} {
			moves := instr.GetParallelMove(position)
			if moves == nil {
				continue
			}
			for _, move := range moves.Moves() {
				if !move.Source.IsAllocated() && !move.Source.IsConstant() {
					t.Errorf(
						"instruction %d %s gap move source unresolved: %s",
						instrIndex,
						position,
						&move.Source)
				}
				if !move.Destination.IsAllocated() {
					t.Errorf(
						"instruction %d %s gap move destination unresolved: %s",
						instrIndex,
						position,
						&move.Destination)
				}
			}
		}
	}
}

func expectRegister(t *testing.T, operand *ir.Operand, regCode int) {
	t.Helper()
	if !operand.IsRegisterLocation() {
		t.Fatalf("expected register operand, got %s", operand)
	}
	if operand.RegisterCode() != regCode {
		t.Errorf("expected register %d, got %s", regCode, operand)
	}
}

func expectStackSlot(t *testing.T, operand *ir.Operand, slot int) {
	t.Helper()
	if !operand.IsStackSlotLocation() {
		t.Fatalf("expected stack slot operand, got %s", operand)
	}
	if operand.StackSlotIndex() != slot {
		t.Errorf("expected stack slot %d, got %s", slot, operand)
	}
}

func findEndGapMove(
	seq *ir.Sequence,
	instrIndex int,
) []*ir.MoveOperands {
	moves := seq.InstructionAt(instrIndex).GetParallelMove(ir.EndGap)
	if moves == nil {
		return nil
	}
	return moves.Moves()
}

func registerInput(vreg int) ir.Operand {
	operand := ir.NewUnallocatedOperand(ir.RegisterPolicy, vreg)
	operand.MarkUsedAtStart()
	return operand
}

// Straight line block: two constants combined into a result.  Both
// constants get registers, the result reuses one of them, nothing
// spills.
func TestStraightLineTwoRegisters(t *testing.T) {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)
	v1 := builder.AddVirtualRegister(architecture.RepWord64)
	v2 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewConstantOperand(v0)},
		nil,
		nil))
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewConstantOperand(v1)},
		nil,
		nil))
	add := builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v2)},
		[]ir.Operand{registerInput(v0), registerInput(v1)},
		nil))
	builder.Emit(ir.NewInstruction(nil, []ir.Operand{registerInput(v2)}, nil))
	builder.EndBlock()
	seq := builder.Build()

	data, frame := allocateSequence(t, seq)

	addInstr := seq.InstructionAt(add)
	expectRegister(t, addInstr.OutputAt(0), 0)
	expectRegister(t, addInstr.InputAt(0), 0)
	expectRegister(t, addInstr.InputAt(1), 1)

	// The constants are materialized by gap moves just before the add.
	moves := findEndGapMove(seq, add)
	if len(moves) != 2 {
		t.Fatalf("expected 2 constant gap moves, got %d", len(moves))
	}
	for _, move := range moves {
		if !move.Source.IsConstant() {
			t.Errorf("expected constant gap move source, got %s", &move.Source)
		}
	}

	if frame.SpillSlotCount() != 0 {
		t.Errorf("expected no spill slots, got %d", frame.SpillSlotCount())
	}
	if data.SpilledVirtualRegisters().Any() {
		t.Errorf("expected no spilled virtual registers")
	}
	if len(data.ReferenceMapInstructions()) != 0 {
		t.Errorf("expected no reference map instructions")
	}

	if !frame.AllocatedRegisters().Test(0) ||
		!frame.AllocatedRegisters().Test(1) {

		t.Errorf("expected both general registers recorded on the frame")
	}
	if frame.AllocatedDoubleRegisters().Any() {
		t.Errorf("expected no double registers recorded on the frame")
	}
}

// Three concurrently live virtual registers with only two registers:
// exactly one is spilled, reloaded by a gap move at its later use.
func TestPressureForcedSpill(t *testing.T) {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)
	v1 := builder.AddVirtualRegister(architecture.RepWord64)
	v2 := builder.AddVirtualRegister(architecture.RepWord64)
	v3 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	def := func(vreg int) int {
		return builder.Emit(ir.NewInstruction(
			[]ir.Operand{
				ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, vreg),
			},
			nil,
			nil))
	}
	def(v0)
	def(v1)
	def(v2)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v3)},
		[]ir.Operand{registerInput(v0), registerInput(v1)},
		nil))
	ret := builder.Emit(ir.NewInstruction(
		nil,
		[]ir.Operand{registerInput(v2)},
		nil))
	builder.EndBlock()
	seq := builder.Build()

	data, frame := allocateSequence(t, seq)

	spilled := data.SpilledVirtualRegisters()
	if spilled.Count() != 1 || !spilled.Test(uint(v2)) {
		t.Fatalf("expected exactly v2 spilled")
	}

	if frame.SpillSlotCount() != 1 {
		t.Fatalf("expected 1 spill slot, got %d", frame.SpillSlotCount())
	}
	if frame.SpillSlotByteWidth(0) != 8 {
		t.Errorf(
			"expected 8 byte spill slot, got %d",
			frame.SpillSlotByteWidth(0))
	}

	// v2 is reloaded from its slot just before the ret.
	moves := findEndGapMove(seq, ret)
	if len(moves) != 1 {
		t.Fatalf("expected 1 reload gap move, got %d", len(moves))
	}
	expectStackSlot(t, &moves[0].Source, 0)
	expectRegister(t, &moves[0].Destination, 0)
	expectRegister(t, seq.InstructionAt(ret).InputAt(0), 0)
}

// A fixed register input collides with the register's current occupant:
// the occupant is spilled.
func TestFixedRegisterInputSpillsOccupant(t *testing.T) {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)
	v1 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v0)},
		nil,
		nil))
	op := builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v1)},
		[]ir.Operand{
			ir.NewFixedUnallocatedOperand(ir.FixedRegisterPolicy, 0, v0),
		},
		nil))
	ret := builder.Emit(ir.NewInstruction(
		nil,
		[]ir.Operand{registerInput(v1)},
		nil))
	builder.EndBlock()
	seq := builder.Build()

	data, frame := allocateSequence(t, seq)

	spilled := data.SpilledVirtualRegisters()
	if spilled.Count() != 1 || !spilled.Test(uint(v1)) {
		t.Fatalf("expected exactly v1 spilled")
	}
	if frame.SpillSlotCount() != 1 {
		t.Fatalf("expected 1 spill slot, got %d", frame.SpillSlotCount())
	}

	// v1 travels through its slot into r0 for the ret.
	moves := findEndGapMove(seq, ret)
	if len(moves) != 1 {
		t.Fatalf("expected 1 reload gap move, got %d", len(moves))
	}
	expectStackSlot(t, &moves[0].Source, 0)
	expectRegister(t, &moves[0].Destination, 0)

	// The fixed input got its register.
	expectRegister(t, seq.InstructionAt(op).InputAt(0), 0)
}

// A fixed register input whose occupant is defined at the same
// instruction's end: no spill is needed since the start use and the end
// definition do not overlap.
func TestFixedRegisterInputOccupantDefinedAfter(t *testing.T) {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)
	v1 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v0)},
		nil,
		nil))
	fixedInput := ir.NewFixedUnallocatedOperand(ir.FixedRegisterPolicy, 0, v0)
	fixedInput.MarkUsedAtStart()
	op := builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterPolicy, v1)},
		[]ir.Operand{fixedInput},
		nil))
	builder.Emit(ir.NewInstruction(
		nil,
		[]ir.Operand{registerInput(v1)},
		nil))
	builder.EndBlock()
	seq := builder.Build()

	data, frame := allocateSequence(t, seq)

	if data.SpilledVirtualRegisters().Any() {
		t.Fatalf("expected no spilled virtual registers")
	}
	if frame.SpillSlotCount() != 0 {
		t.Fatalf("expected no spill slots")
	}

	// Both the start use and the end definition share r0.
	opInstr := seq.InstructionAt(op)
	expectRegister(t, opInstr.InputAt(0), 0)
	expectRegister(t, opInstr.OutputAt(0), 0)
}

// A same-as-input output forced to spill routes the input through the
// output's spill slot.
func TestSameInputOutputSpilledOutput(t *testing.T) {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)
	v1 := builder.AddVirtualRegister(architecture.RepWord64)
	v2 := builder.AddVirtualRegister(architecture.RepWord64)
	v3 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v0)},
		nil,
		nil))
	op := builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.SameAsInputPolicy, v1)},
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v0)},
		nil))
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterPolicy, v2)},
		nil,
		nil))
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterPolicy, v3)},
		nil,
		nil))
	use := ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v1)
	use.MarkUsedAtStart()
	builder.Emit(ir.NewInstruction(
		nil,
		[]ir.Operand{use, registerInput(v2), registerInput(v3)},
		nil))
	builder.EndBlock()
	seq := builder.Build()

	data, frame := allocateSequence(t, seq)

	if !data.SpilledVirtualRegisters().Test(uint(v1)) {
		t.Fatalf("expected v1 spilled")
	}
	if frame.SpillSlotCount() != 1 {
		t.Fatalf("expected 1 spill slot, got %d", frame.SpillSlotCount())
	}

	// Input and output were both routed through v1's spill slot.
	opInstr := seq.InstructionAt(op)
	expectStackSlot(t, opInstr.OutputAt(0), 0)
	expectStackSlot(t, opInstr.InputAt(0), 0)

	// An unconstrained gap move carries v0's value into the slot.
	moves := findEndGapMove(seq, op)
	if len(moves) != 1 {
		t.Fatalf("expected 1 gap move, got %d", len(moves))
	}
	expectRegister(t, &moves[0].Source, 0)
	expectStackSlot(t, &moves[0].Destination, 0)
}

// A reference typed spill live across a safepoint appears in the
// safepoint's reference map.
func TestReferenceSpillAcrossSafepoint(t *testing.T) {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepTagged)
	builder.MarkReference(v0)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v0)},
		nil,
		nil))
	call := ir.NewInstruction(nil, nil, nil)
	call.MarkClobbersRegisters()
	call.MarkClobbersDoubleRegisters()
	call.EnsureReferenceMap()
	safepoint := builder.Emit(call)
	ret := builder.Emit(ir.NewInstruction(
		nil,
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v0)},
		nil))
	builder.EndBlock()
	seq := builder.Build()

	data, frame := allocateSequence(t, seq)

	if !data.SpilledVirtualRegisters().Test(uint(v0)) {
		t.Fatalf("expected v0 spilled")
	}
	if frame.SpillSlotCount() != 1 {
		t.Fatalf("expected 1 spill slot, got %d", frame.SpillSlotCount())
	}

	references := seq.InstructionAt(safepoint).ReferenceMap().References()
	if len(references) != 1 {
		t.Fatalf("expected 1 reference map entry, got %d", len(references))
	}
	expectStackSlot(t, &references[0], 0)
	if references[0].Representation() != architecture.RepTagged {
		t.Errorf(
			"expected tagged reference map entry, got %s",
			references[0].Representation())
	}

	expectStackSlot(t, seq.InstructionAt(ret).InputAt(0), 0)
}

// buildLoopSequence constructs a two-value loop:
//
//	B0: v0 = def; v1 = def; jump B1
//	B1 (loop header): v2 = phi(v0, v3); v4 = add v2, v1; branch B2 B3
//	B2: v3 = def; jump B1
//	B3: ret
func buildLoopSequence() (*ir.Sequence, []int) {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)
	v1 := builder.AddVirtualRegister(architecture.RepWord64)
	v2 := builder.AddVirtualRegister(architecture.RepWord64)
	v3 := builder.AddVirtualRegister(architecture.RepWord64)
	v4 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v0)},
		nil,
		nil))
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v1)},
		nil,
		nil))
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(1)

	builder.StartBlock(0)
	builder.MarkLoopHeader(3)
	builder.AddPhi(v2, v0, v3)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v4)},
		[]ir.Operand{registerInput(v2), registerInput(v1)},
		nil))
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(2, 3)

	builder.StartBlock(1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v3)},
		nil,
		nil))
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(1)

	builder.StartBlock(1)
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock()

	return builder.Build(), []int{v0, v1, v2, v3, v4}
}

// A phi at a loop header: its spill range covers the whole loop and its
// slot is not shared with any other loop-live spill.
func TestPhiAtLoopHeader(t *testing.T) {
	seq, vregs := buildLoopSequence()
	v1 := vregs[1]
	v2 := vregs[2]

	data, frame := allocateSequence(t, seq)

	spilled := data.SpilledVirtualRegisters()
	if !spilled.Test(uint(v1)) || !spilled.Test(uint(v2)) {
		t.Fatalf("expected v1 and v2 spilled")
	}

	lastLoopInstr := seq.BlockAt(2).LastInstrIndex

	// After the loop fixup, both spill ranges extend to the last loop
	// instruction.
	for _, vreg := range []int{v1, v2} {
		liveRange := data.VirtualRegisterDataFor(vreg).SpillRange().LiveRange()
		if liveRange.End() != lastLoopInstr {
			t.Errorf(
				"expected v%d spill range to end at %d, got %d",
				vreg,
				lastLoopInstr,
				liveRange.End())
		}
	}

	// The loop-carried values keep disjoint slots.
	v1Slot := data.VirtualRegisterDataFor(v1).AllocatedSpillOperand()
	v2Slot := data.VirtualRegisterDataFor(v2).AllocatedSpillOperand()
	if v1Slot.StackSlotIndex() == v2Slot.StackSlotIndex() {
		t.Errorf("v1 and v2 must not share a spill slot within the loop")
	}

	if frame.SpillSlotCount() != 2 {
		t.Errorf("expected 2 spill slots, got %d", frame.SpillSlotCount())
	}
}

// The phi's incoming values are written into the phi's slot at each
// predecessor exit.
func TestPhiGapMovesAtPredecessorExits(t *testing.T) {
	seq, vregs := buildLoopSequence()
	v2 := vregs[2]

	data, _ := allocateSequence(t, seq)

	phiSlot := data.VirtualRegisterDataFor(v2).AllocatedSpillOperand()

	for _, pred := range seq.BlockAt(1).Predecessors {
		exit := seq.BlockAt(pred).LastInstrIndex
		found := false
		for _, move := range findEndGapMove(seq, exit) {
			if move.Destination.IsStackSlotLocation() &&
				move.Destination.StackSlotIndex() ==
					phiSlot.StackSlotIndex() {

				found = true
			}
		}
		if !found {
			t.Errorf(
				"expected phi slot write at exit of block %d",
				pred)
		}
	}
}

// Dominated block sets after the define outputs pass.
func TestDominatorPropagation(t *testing.T) {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewConstantOperand(v0)},
		nil,
		nil))
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(1, 2)

	builder.StartBlock(0)
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(3)

	builder.StartBlock(0)
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(3)

	builder.StartBlock(0)
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock()
	seq := builder.Build()

	data := NewAllocationData(testConfig(), seq, ir.NewFrame(), nil, nil)
	NewMidTierRegisterAllocator(data).DefineOutputs()

	entryDominated := data.BlockState(0).DominatedBlocks()
	for idx := 0; idx < seq.BlockCount(); idx++ {
		if !entryDominated.Test(uint(idx)) {
			t.Errorf("entry block should dominate block %d", idx)
		}
	}

	for idx := 1; idx < seq.BlockCount(); idx++ {
		dominated := data.BlockState(idx).DominatedBlocks()
		if dominated.Count() != 1 || !dominated.Test(uint(idx)) {
			t.Errorf("block %d should dominate only itself", idx)
		}
	}
}

type countingTickCounter struct {
	ticks int
}

func (counter *countingTickCounter) TickAndMaybeEnterSafepoint() {
	counter.ticks++
}

// The tick counter fires once per block in each of the two passes.
func TestTickCounterFiresPerBlock(t *testing.T) {
	seq, _ := buildLoopSequence()

	counter := &countingTickCounter{}
	data := NewAllocationData(testConfig(), seq, ir.NewFrame(), counter, nil)
	AllocateRegisters(data)

	expected := 2 * seq.BlockCount()
	if counter.ticks != expected {
		t.Errorf("expected %d ticks, got %d", expected, counter.ticks)
	}
}
