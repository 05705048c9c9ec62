package allocator

// MidTierReferenceMapPopulator annotates safepoint reference maps with
// the stack slots of live reference-typed spills.
type MidTierReferenceMapPopulator struct {
	data *AllocationData
}

func NewMidTierReferenceMapPopulator(
	data *AllocationData,
) *MidTierReferenceMapPopulator {
	return &MidTierReferenceMapPopulator{
		data: data,
	}
}

// RecordReferences records the virtual register's spill slot in the
// reference map of every safepoint instruction that lies within the
// spill's live range and live block set.
func (populator *MidTierReferenceMapPopulator) RecordReferences(
	vregData *VirtualRegisterData,
) {
	if !vregData.HasAllocatedSpillOperand() {
		return
	}
	if !populator.data.Code.IsReference(vregData.Vreg()) {
		return
	}

	spillRange := vregData.SpillRange()
	liveRange := spillRange.LiveRange()
	allocated := vregData.AllocatedSpillOperand()
	for _, instrIndex := range populator.data.ReferenceMapInstructions() {
		if instrIndex > liveRange.End() || instrIndex < liveRange.Start() {
			continue
		}

		instr := populator.data.Code.InstructionAt(instrIndex)
		if !instr.HasReferenceMap() {
			panic("should never happen")
		}

		if spillRange.IsLiveAt(
			instrIndex,
			populator.data.GetBlock(instrIndex)) {

			instr.ReferenceMap().RecordReference(allocated)
		}
	}
}

func PopulateReferenceMaps(data *AllocationData) {
	populator := NewMidTierReferenceMapPopulator(data)
	set := data.SpilledVirtualRegisters()
	for vreg, ok := set.NextSet(0); ok; vreg, ok = set.NextSet(vreg + 1) {
		populator.RecordReferences(data.VirtualRegisterDataFor(int(vreg)))
	}
}
