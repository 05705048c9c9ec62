package allocator

import (
	"bytes"
	"fmt"

	"github.com/pattyshack/towhee/ir"
)

type AllocatorDebugger struct {
	data *AllocationData
}

// Debug returns a pass that dumps the post-allocation state through the
// data's logger.
func Debug(data *AllocationData) Pass[*AllocationData] {
	return &AllocatorDebugger{
		data: data,
	}
}

func (debugger *AllocatorDebugger) Process(data *AllocationData) {
	buffer := &bytes.Buffer{}
	printf := func(template string, args ...interface{}) {
		fmt.Fprintf(buffer, template, args...)
	}

	printf("Spilled virtual registers:\n")
	set := data.SpilledVirtualRegisters()
	for vreg, ok := set.NextSet(0); ok; vreg, ok = set.NextSet(vreg + 1) {
		vregData := data.VirtualRegisterDataFor(int(vreg))

		operand := "(pending)"
		if vregData.HasAllocatedSpillOperand() {
			allocated := vregData.AllocatedSpillOperand()
			operand = allocated.String()
		}

		liveRange := vregData.SpillRange().LiveRange()
		printf(
			"  v%d: %s [%d %d]\n",
			vreg,
			operand,
			liveRange.Start(),
			liveRange.End())
	}

	printf("------------------------------------------\n")
	printf("Allocated listing:\n")
	for idx, block := range data.Code.Blocks() {
		printf("  Block %d:\n", idx)
		for instrIndex := block.FirstInstrIndex; instrIndex <= block.LastInstrIndex; instrIndex++ {
			instr := data.Code.InstructionAt(instrIndex)
			debugger.printGapMoves(printf, instr, ir.StartGap)
			debugger.printGapMoves(printf, instr, ir.EndGap)
			printf("    %d: %s\n", instrIndex, instr)
		}
	}

	printf("------------------------------------------\n")
	printf("Frame (%d spill slots):\n", data.Frame.SpillSlotCount())
	for slot := 0; slot < data.Frame.SpillSlotCount(); slot++ {
		printf(
			"  slot %d: offset %d width %d\n",
			slot,
			data.Frame.SpillSlotOffset(slot),
			data.Frame.SpillSlotByteWidth(slot))
	}

	data.Logger.Debug(buffer.String())
}

func (debugger *AllocatorDebugger) printGapMoves(
	printf func(string, ...interface{}),
	instr *ir.Instruction,
	position ir.GapPosition,
) {
	moves := instr.GetParallelMove(position)
	if moves == nil {
		return
	}

	for _, move := range moves.Moves() {
		printf("      gap (%s) %s\n", position, move)
	}
}
