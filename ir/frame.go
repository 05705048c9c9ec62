package ir

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/pattyshack/towhee/architecture"
)

// Frame tracks the stack frame of the function being allocated: the
// spill slots handed out during allocation and the physical registers
// the allocator ended up touching.
//
// Spill slot layout (top to bottom of the spill area):
//
//	|            | (low address)
//	|------------|
//	|slot n      |  \ last allocated slot
//	|------------|
//	|...         |
//	|------------|
//	|slot 0      |  first allocated slot
//	|------------| <- spill area base, stack frame aligned
//	|            | (high address)
//
// Slots are assigned increasing byte offsets from the spill area base,
// each aligned to its own byte width.  The total frame size is finalized
// once allocation completes.
type Frame struct {
	slotWidths  []int
	slotOffsets []int
	nextOffset  int

	allocatedRegisters       *bitset.BitSet
	allocatedDoubleRegisters *bitset.BitSet

	totalFrameSize int
	finalized      bool
}

func NewFrame() *Frame {
	return &Frame{
		allocatedRegisters:       bitset.New(architecture.MaxAllocatableRegisters),
		allocatedDoubleRegisters: bitset.New(architecture.MaxAllocatableRegisters),
	}
}

// AllocateSpillSlot reserves a new stack slot of the given byte width and
// returns its slot index.
func (frame *Frame) AllocateSpillSlot(byteWidth int) int {
	if frame.finalized {
		panic("cannot allocate spill slot after finalize")
	}
	if byteWidth <= 0 {
		panic("invalid spill slot byte width")
	}

	offset := frame.nextOffset
	remainder := offset % byteWidth
	if remainder != 0 {
		offset += byteWidth - remainder
	}

	slot := len(frame.slotWidths)
	frame.slotWidths = append(frame.slotWidths, byteWidth)
	frame.slotOffsets = append(frame.slotOffsets, offset)
	frame.nextOffset = offset + byteWidth
	return slot
}

func (frame *Frame) SpillSlotCount() int {
	return len(frame.slotWidths)
}

func (frame *Frame) SpillSlotByteWidth(slot int) int {
	return frame.slotWidths[slot]
}

func (frame *Frame) SpillSlotOffset(slot int) int {
	return frame.slotOffsets[slot]
}

func (frame *Frame) SetAllocatedRegisters(registers *bitset.BitSet) {
	frame.allocatedRegisters = registers
}

func (frame *Frame) SetAllocatedDoubleRegisters(registers *bitset.BitSet) {
	frame.allocatedDoubleRegisters = registers
}

func (frame *Frame) AllocatedRegisters() *bitset.BitSet {
	return frame.allocatedRegisters
}

func (frame *Frame) AllocatedDoubleRegisters() *bitset.BitSet {
	return frame.allocatedDoubleRegisters
}

// Finalize computes the total frame size, rounded up to the stack frame
// alignment.
func (frame *Frame) Finalize() {
	if frame.finalized {
		panic("frame already finalized")
	}
	frame.finalized = true

	roundUp := (frame.nextOffset + architecture.StackFrameAlignment - 1) /
		architecture.StackFrameAlignment
	frame.totalFrameSize = roundUp * architecture.StackFrameAlignment
}

func (frame *Frame) TotalFrameSize() int {
	if !frame.finalized {
		panic("frame not finalized")
	}
	return frame.totalFrameSize
}
