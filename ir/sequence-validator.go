package ir

import (
	"fmt"

	"github.com/pattyshack/gt/parseutil"

	"github.com/pattyshack/towhee/architecture"
)

// sequenceValidator checks the structural preconditions the allocator
// depends on.  Violations are aggregated onto the emitter rather than
// panicking so that a malformed sequence can be rejected before the
// allocation pass starts.
type sequenceValidator struct {
	seq    *Sequence
	config *architecture.RegisterConfig

	emitter *parseutil.Emitter
}

// ValidateSequence validates the sequence against the allocator's input
// contract:
//   - block spans are contiguous, in order, and non-empty;
//   - dominators precede their dominated blocks in reverse post order;
//   - loop metadata is well formed;
//   - phi operand counts match predecessor counts;
//   - operand policies are well formed (fixed indices in range, same-as-
//     input only on the first output, no fixed-slot temporaries);
//   - no two fixed-register operands of an instruction are live at the
//     same use position;
//   - a block whose last instruction defines an output only branches to
//     single-predecessor successors (the end-of-block spill store is
//     emitted into successor entries).
func ValidateSequence(
	seq *Sequence,
	config *architecture.RegisterConfig,
	emitter *parseutil.Emitter,
) {
	validator := &sequenceValidator{
		seq:     seq,
		config:  config,
		emitter: emitter,
	}
	validator.validate()
}

func (validator *sequenceValidator) errorf(
	template string,
	args ...interface{},
) {
	validator.emitter.EmitErrors(fmt.Errorf(template, args...))
}

func (validator *sequenceValidator) validate() {
	expectedFirst := 0
	for idx, block := range validator.seq.Blocks() {
		validator.validateBlock(idx, block, expectedFirst)
		expectedFirst = block.LastInstrIndex + 1
	}

	if expectedFirst != validator.seq.InstructionCount() {
		validator.errorf(
			"blocks cover %d of %d instructions",
			expectedFirst,
			validator.seq.InstructionCount())
	}

	for instrIndex := 0; instrIndex < validator.seq.InstructionCount(); instrIndex++ {
		validator.validateInstruction(
			instrIndex,
			validator.seq.InstructionAt(instrIndex))
	}
}

func (validator *sequenceValidator) validateBlock(
	idx int,
	block *Block,
	expectedFirst int,
) {
	if block.Index != idx {
		validator.errorf(
			"block %d has out of order index %d",
			idx,
			block.Index)
	}

	if block.FirstInstrIndex != expectedFirst ||
		block.LastInstrIndex < block.FirstInstrIndex {

		validator.errorf(
			"block %d has invalid instruction span [%d, %d]",
			idx,
			block.FirstInstrIndex,
			block.LastInstrIndex)
	}

	if idx == 0 {
		if block.DominatorIndex != -1 {
			validator.errorf("entry block has a dominator")
		}
	} else if block.DominatorIndex < 0 || block.DominatorIndex >= idx {
		// Reverse post order guarantees dominators precede the blocks they
		// dominate.
		validator.errorf(
			"block %d dominator %d does not precede it",
			idx,
			block.DominatorIndex)
	}

	if block.LoopHeader &&
		(block.LoopEnd <= block.Index ||
			block.LoopEnd > validator.seq.BlockCount()) {

		validator.errorf(
			"loop header %d has invalid loop end %d",
			idx,
			block.LoopEnd)
	}

	for _, phi := range block.Phis {
		if len(phi.Operands) != block.PredecessorCount() {
			validator.errorf(
				"block %d phi v%d has %d operands for %d predecessors",
				idx,
				phi.VirtualRegister,
				len(phi.Operands),
				block.PredecessorCount())
		}
	}

	lastInstr := validator.seq.InstructionAt(block.LastInstrIndex)
	if lastInstr.OutputCount() > 0 {
		for _, succ := range block.Successors {
			successor := validator.seq.BlockAt(succ)
			if successor.PredecessorCount() != 1 {
				validator.errorf(
					"block %d defines an output at its last instruction but "+
						"successor %d has %d predecessors",
					idx,
					succ,
					successor.PredecessorCount())
			}
		}
	}
}

// Which halves of the instruction gap a fixed register reservation
// blocks.
type fixedReservation struct {
	kind    architecture.RegisterKind
	code    int
	atStart bool
	atEnd   bool
}

func (reservation fixedReservation) conflictsWith(
	other fixedReservation,
) bool {
	if reservation.kind != other.kind || reservation.code != other.code {
		return false
	}
	return (reservation.atStart && other.atStart) ||
		(reservation.atEnd && other.atEnd)
}

func (validator *sequenceValidator) validateInstruction(
	instrIndex int,
	instr *Instruction,
) {
	reservations := []fixedReservation{}

	for idx := 0; idx < instr.OutputCount(); idx++ {
		output := instr.OutputAt(idx)
		if output.IsConstant() {
			continue
		}
		if !output.IsUnallocated() {
			validator.errorf(
				"instruction %d output %d is neither constant nor unallocated",
				instrIndex,
				idx)
			continue
		}

		if output.HasSameAsInputPolicy() {
			if idx != 0 {
				validator.errorf(
					"instruction %d has same-as-input policy on output %d",
					instrIndex,
					idx)
			}
			if instr.InputCount() == 0 {
				validator.errorf(
					"instruction %d has same-as-input output without inputs",
					instrIndex)
			}
			continue
		}

		validator.checkFixedOperand(instrIndex, output)
		if reservation, ok := validator.fixedReservationFor(
			output,
			false,
			true); ok {

			reservations = append(reservations, reservation)
		}
	}

	for idx := 0; idx < instr.TempCount(); idx++ {
		temp := instr.TempAt(idx)
		if !temp.IsUnallocated() {
			validator.errorf(
				"instruction %d temp %d is not unallocated",
				instrIndex,
				idx)
			continue
		}
		if temp.HasFixedSlotPolicy() {
			validator.errorf(
				"instruction %d temp %d has fixed slot policy",
				instrIndex,
				idx)
			continue
		}
		if temp.HasSameAsInputPolicy() {
			validator.errorf(
				"instruction %d temp %d has same-as-input policy",
				instrIndex,
				idx)
			continue
		}

		validator.checkFixedOperand(instrIndex, temp)
		if reservation, ok := validator.fixedReservationFor(
			temp,
			true,
			true); ok {

			reservations = append(reservations, reservation)
		}
	}

	for idx := 0; idx < instr.InputCount(); idx++ {
		input := instr.InputAt(idx)
		if !input.IsUnallocated() {
			if input.IsConstant() {
				continue
			}
			validator.errorf(
				"instruction %d input %d is neither constant nor unallocated",
				instrIndex,
				idx)
			continue
		}
		if input.HasSameAsInputPolicy() {
			validator.errorf(
				"instruction %d input %d has same-as-input policy",
				instrIndex,
				idx)
			continue
		}

		validator.checkFixedOperand(instrIndex, input)
		atEnd := !input.IsUsedAtStart()
		if reservation, ok := validator.fixedReservationFor(
			input,
			true,
			atEnd); ok {

			reservations = append(reservations, reservation)
		}
	}

	for idx, reservation := range reservations {
		for _, other := range reservations[idx+1:] {
			if reservation.conflictsWith(other) {
				validator.errorf(
					"instruction %d reserves fixed %s register %d twice at "+
						"the same use position",
					instrIndex,
					reservation.kind,
					reservation.code)
			}
		}
	}
}

func (validator *sequenceValidator) fixedReservationFor(
	operand *Operand,
	atStart bool,
	atEnd bool,
) (
	fixedReservation,
	bool,
) {
	if !operand.HasFixedRegisterPolicy() && !operand.HasFixedFPRegisterPolicy() {
		return fixedReservation{}, false
	}

	kind := architecture.GeneralRegisters
	if operand.HasFixedFPRegisterPolicy() {
		kind = architecture.DoubleRegisters
	}

	return fixedReservation{
		kind:    kind,
		code:    operand.FixedRegisterCode(),
		atStart: atStart,
		atEnd:   atEnd,
	}, true
}

func (validator *sequenceValidator) checkFixedOperand(
	instrIndex int,
	operand *Operand,
) {
	vreg := operand.VirtualRegister()
	rep := validator.seq.RepresentationFor(vreg)

	if operand.HasFixedRegisterPolicy() || operand.HasFixedFPRegisterPolicy() {
		kind := architecture.GeneralRegisters
		if operand.HasFixedFPRegisterPolicy() {
			kind = architecture.DoubleRegisters
		}

		if architecture.RegisterKindFor(rep) != kind {
			validator.errorf(
				"instruction %d operand v%d (%s) has fixed %s register policy",
				instrIndex,
				vreg,
				rep,
				kind)
			return
		}

		code := operand.FixedRegisterCode()
		found := false
		for _, allocatable := range validator.config.AllocatableRegisterCodes(
			kind) {

			if allocatable == code {
				found = true
				break
			}
		}
		if !found {
			validator.errorf(
				"instruction %d operand v%d requires unallocatable %s "+
					"register %d",
				instrIndex,
				vreg,
				kind,
				code)
		}
	} else if operand.HasFixedSlotPolicy() && operand.FixedSlotIndex() < 0 {
		validator.errorf(
			"instruction %d operand v%d has negative fixed slot index",
			instrIndex,
			vreg)
	}
}
