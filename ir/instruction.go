package ir

import (
	"strings"
)

// GapPosition identifies one of the two parallel moves in the gap
// preceding an instruction.  Start moves execute before end moves; both
// execute before the instruction itself.
type GapPosition int

const (
	StartGap = GapPosition(iota)
	EndGap
)

func (position GapPosition) String() string {
	if position == StartGap {
		return "start"
	}
	return "end"
}

type MoveOperands struct {
	Source      Operand
	Destination Operand
}

func (move *MoveOperands) String() string {
	return move.Destination.String() + " = " + move.Source.String()
}

// ParallelMove is a set of moves with simultaneous read-then-write
// semantics.
type ParallelMove struct {
	moves []*MoveOperands
}

func (parallel *ParallelMove) AddMove(from Operand, to Operand) *MoveOperands {
	move := &MoveOperands{
		Source:      from,
		Destination: to,
	}
	parallel.moves = append(parallel.moves, move)
	return move
}

func (parallel *ParallelMove) Moves() []*MoveOperands {
	return parallel.moves
}

// ReferenceMap lists the locations holding live heap references at a
// safepoint instruction, for consumption by the garbage collector.
type ReferenceMap struct {
	references []Operand
}

func (refMap *ReferenceMap) RecordReference(allocated Operand) {
	if !allocated.IsStackSlotLocation() {
		panic("reference map entries must be allocated stack slots")
	}
	refMap.references = append(refMap.references, allocated)
}

func (refMap *ReferenceMap) References() []Operand {
	return refMap.references
}

type Instruction struct {
	outputs []Operand
	inputs  []Operand
	temps   []Operand

	parallelMoves [2]*ParallelMove

	referenceMap *ReferenceMap

	clobbersRegisters       bool
	clobbersDoubleRegisters bool

	blockIndex int
}

func NewInstruction(
	outputs []Operand,
	inputs []Operand,
	temps []Operand,
) *Instruction {
	return &Instruction{
		outputs:    outputs,
		inputs:     inputs,
		temps:      temps,
		blockIndex: -1,
	}
}

func (instr *Instruction) OutputCount() int { return len(instr.outputs) }
func (instr *Instruction) InputCount() int  { return len(instr.inputs) }
func (instr *Instruction) TempCount() int   { return len(instr.temps) }

func (instr *Instruction) OutputAt(idx int) *Operand {
	return &instr.outputs[idx]
}

func (instr *Instruction) InputAt(idx int) *Operand {
	return &instr.inputs[idx]
}

func (instr *Instruction) TempAt(idx int) *Operand {
	return &instr.temps[idx]
}

func (instr *Instruction) GetParallelMove(
	position GapPosition,
) *ParallelMove {
	return instr.parallelMoves[position]
}

func (instr *Instruction) GetOrCreateParallelMove(
	position GapPosition,
) *ParallelMove {
	if instr.parallelMoves[position] == nil {
		instr.parallelMoves[position] = &ParallelMove{}
	}
	return instr.parallelMoves[position]
}

func (instr *Instruction) HasReferenceMap() bool {
	return instr.referenceMap != nil
}

func (instr *Instruction) ReferenceMap() *ReferenceMap {
	if !instr.HasReferenceMap() {
		panic("instruction has no reference map")
	}
	return instr.referenceMap
}

// EnsureReferenceMap marks the instruction as a safepoint.
func (instr *Instruction) EnsureReferenceMap() *ReferenceMap {
	if instr.referenceMap == nil {
		instr.referenceMap = &ReferenceMap{}
	}
	return instr.referenceMap
}

func (instr *Instruction) ClobbersRegisters() bool {
	return instr.clobbersRegisters
}

func (instr *Instruction) ClobbersDoubleRegisters() bool {
	return instr.clobbersDoubleRegisters
}

// MarkClobbersRegisters declares that the instruction destroys every
// general register, e.g. a call.
func (instr *Instruction) MarkClobbersRegisters() {
	instr.clobbersRegisters = true
}

func (instr *Instruction) MarkClobbersDoubleRegisters() {
	instr.clobbersDoubleRegisters = true
}

// BlockIndex returns the rpo index of the block holding this
// instruction.
func (instr *Instruction) BlockIndex() int {
	if instr.blockIndex < 0 {
		panic("instruction not attached to a block")
	}
	return instr.blockIndex
}

func (instr *Instruction) String() string {
	parts := []string{}
	for idx := 0; idx < instr.OutputCount(); idx++ {
		parts = append(parts, instr.OutputAt(idx).String())
	}
	line := strings.Join(parts, ", ")
	if line != "" {
		line += " = "
	}
	line += "op"

	parts = nil
	for idx := 0; idx < instr.InputCount(); idx++ {
		parts = append(parts, instr.InputAt(idx).String())
	}
	if len(parts) > 0 {
		line += " " + strings.Join(parts, ", ")
	}

	parts = nil
	for idx := 0; idx < instr.TempCount(); idx++ {
		parts = append(parts, instr.TempAt(idx).String())
	}
	if len(parts) > 0 {
		line += " temps(" + strings.Join(parts, ", ") + ")"
	}

	return line
}
