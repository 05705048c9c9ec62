package allocator

import (
	"container/heap"
	"sort"

	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

// spillSlot is a stack slot together with the union of the live ranges
// of the virtual registers that have occupied it.
type spillSlot struct {
	stackSlot int
	byteWidth int

	slotRange Range
}

func newSpillSlot(stackSlot int, byteWidth int) *spillSlot {
	return &spillSlot{
		stackSlot: stackSlot,
		byteWidth: byteWidth,
		slotRange: NewEmptyRange(),
	}
}

func (slot *spillSlot) addRange(liveRange Range) {
	slot.slotRange.AddRange(liveRange)
}

func (slot *spillSlot) toOperand(
	rep architecture.MachineRepresentation,
) ir.Operand {
	return ir.NewStackSlotOperand(rep, slot.stackSlot)
}

func (slot *spillSlot) lastUse() int {
	return slot.slotRange.End()
}

// Min-heap keyed by last use, so the next slot to expire is on top.
type spillSlotQueue []*spillSlot

func (queue spillSlotQueue) Len() int { return len(queue) }

func (queue spillSlotQueue) Less(i int, j int) bool {
	return queue[i].lastUse() < queue[j].lastUse()
}

func (queue spillSlotQueue) Swap(i int, j int) {
	queue[i], queue[j] = queue[j], queue[i]
}

func (queue *spillSlotQueue) Push(item any) {
	*queue = append(*queue, item.(*spillSlot))
}

func (queue *spillSlotQueue) Pop() any {
	old := *queue
	item := old[len(old)-1]
	*queue = old[:len(old)-1]
	return item
}

// MidTierSpillSlotAllocator packs the pending spill operands of spilled
// virtual registers onto reusable stack slots, sweeping the spills in
// order of their first use.
type MidTierSpillSlotAllocator struct {
	data *AllocationData

	allocatedSlots spillSlotQueue
	freeSlots      []*spillSlot
	position       int
}

func NewMidTierSpillSlotAllocator(
	data *AllocationData,
) *MidTierSpillSlotAllocator {
	return &MidTierSpillSlotAllocator{
		data: data,
	}
}

// advanceTo moves slots that are no longer in use to the free list.
func (allocator *MidTierSpillSlotAllocator) advanceTo(instrIndex int) {
	if allocator.position > instrIndex {
		panic("should never happen")
	}

	for len(allocator.allocatedSlots) > 0 &&
		instrIndex > allocator.allocatedSlots[0].lastUse() {

		slot := heap.Pop(&allocator.allocatedSlots).(*spillSlot)
		allocator.freeSlots = append(allocator.freeSlots, slot)
	}
	allocator.position = instrIndex
}

func (allocator *MidTierSpillSlotAllocator) getFreeSpillSlot(
	byteWidth int,
) *spillSlot {
	for idx, slot := range allocator.freeSlots {
		if slot.byteWidth == byteWidth {
			allocator.freeSlots = append(
				allocator.freeSlots[:idx],
				allocator.freeSlots[idx+1:]...)
			return slot
		}
	}
	return nil
}

// Allocate assigns a stack slot to the virtual register's spill range
// and resolves its pending spill operands to the slot.
func (allocator *MidTierSpillSlotAllocator) Allocate(
	vregData *VirtualRegisterData,
) {
	if !vregData.HasPendingSpillOperand() {
		panic("should never happen")
	}

	spillRange := vregData.SpillRange()
	rep := allocator.data.RepresentationFor(vregData.Vreg())
	byteWidth := architecture.ByteWidthForStackSlot(rep)
	liveRange := *spillRange.LiveRange()

	allocator.advanceTo(liveRange.Start())

	// Try to re-use an existing free spill slot.
	slot := allocator.getFreeSpillSlot(byteWidth)
	if slot == nil {
		// Otherwise allocate a new slot.
		stackSlot := allocator.data.Frame.AllocateSpillSlot(byteWidth)
		slot = newSpillSlot(stackSlot, byteWidth)
	}

	// Extend the range of the slot to include this spill range, and
	// resolve the pending spill operands with the slot.
	slot.addRange(liveRange)
	vregData.AllocatePendingSpillOperand(slot.toOperand(rep))
	heap.Push(&allocator.allocatedSlots, slot)
}

// AllocateSpillSlots packs every spilled virtual register with a pending
// spill operand onto a stack slot.
func AllocateSpillSlots(data *AllocationData) {
	spilled := []*VirtualRegisterData{}
	set := data.SpilledVirtualRegisters()
	for vreg, ok := set.NextSet(0); ok; vreg, ok = set.NextSet(vreg + 1) {
		vregData := data.VirtualRegisterDataFor(int(vreg))
		if vregData.HasPendingSpillOperand() {
			spilled = append(spilled, vregData)
		}
	}

	// Sort the spill ranges by order of their first use to enable linear
	// allocation of spill slots.
	sort.Slice(
		spilled,
		func(i int, j int) bool {
			return spilled[i].SpillRange().LiveRange().Start() <
				spilled[j].SpillRange().LiveRange().Start()
		})

	allocator := NewMidTierSpillSlotAllocator(data)
	for _, vregData := range spilled {
		allocator.Allocate(vregData)
	}
}
