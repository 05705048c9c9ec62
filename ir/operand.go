package ir

import (
	"fmt"

	"github.com/pattyshack/towhee/architecture"
)

const InvalidVirtualRegister = -1

type OperandKind int

const (
	InvalidOperand = OperandKind(iota)

	// A value producible without a register, e.g. an immediate.  The
	// operand doubles as its own spill location.
	ConstantOperand

	// A virtual register reference that the allocator must rewrite into an
	// allocated operand, subject to the operand's policy.
	UnallocatedOperand

	// A concrete register or stack slot.
	AllocatedOperand

	// A placeholder whose binding is not yet known.  Pending operands of
	// the same eventual binding form a singly linked chain and are all
	// overwritten in place once the binding is decided.
	PendingOperand
)

// OperandPolicy constrains where an unallocated operand may be placed.
type OperandPolicy int

const (
	RegisterPolicy = OperandPolicy(iota)
	RegisterOrSlotPolicy
	RegisterOrSlotOrConstantPolicy
	SlotPolicy
	FixedSlotPolicy
	FixedRegisterPolicy
	FixedFPRegisterPolicy
	SameAsInputPolicy
)

type LocationKind int

const (
	RegisterLocation = LocationKind(iota)
	StackSlotLocation
)

// Operand is a fixed-size tagged union.  Operand slots embedded in
// instructions and gap moves are rewritten in place as allocation
// progresses; ReplaceWith rewrites a whole slot, and SetNext relinks a
// pending operand's chain.
type Operand struct {
	kind OperandKind

	// UnallocatedOperand fields.
	policy      OperandPolicy
	usedAtStart bool

	// ConstantOperand / UnallocatedOperand identity.
	virtualRegister int

	// AllocatedOperand fields.
	location LocationKind
	rep      architecture.MachineRepresentation

	// Fixed slot/register index for unallocated operands, or the register
	// code / stack slot index for allocated operands.
	index int

	// PendingOperand chain link.
	next *Operand
}

func NewConstantOperand(virtualRegister int) Operand {
	return Operand{
		kind:            ConstantOperand,
		virtualRegister: virtualRegister,
	}
}

func NewUnallocatedOperand(
	policy OperandPolicy,
	virtualRegister int,
) Operand {
	switch policy {
	case FixedSlotPolicy, FixedRegisterPolicy, FixedFPRegisterPolicy:
		panic("fixed policy operand without index")
	}

	return Operand{
		kind:            UnallocatedOperand,
		policy:          policy,
		virtualRegister: virtualRegister,
	}
}

func NewFixedUnallocatedOperand(
	policy OperandPolicy,
	index int,
	virtualRegister int,
) Operand {
	switch policy {
	case FixedSlotPolicy, FixedRegisterPolicy, FixedFPRegisterPolicy:
	default:
		panic("not a fixed operand policy")
	}

	return Operand{
		kind:            UnallocatedOperand,
		policy:          policy,
		virtualRegister: virtualRegister,
		index:           index,
	}
}

func NewRegisterOperand(
	rep architecture.MachineRepresentation,
	regCode int,
) Operand {
	return Operand{
		kind:     AllocatedOperand,
		location: RegisterLocation,
		rep:      rep,
		index:    regCode,
	}
}

func NewStackSlotOperand(
	rep architecture.MachineRepresentation,
	slotIndex int,
) Operand {
	return Operand{
		kind:     AllocatedOperand,
		location: StackSlotLocation,
		rep:      rep,
		index:    slotIndex,
	}
}

func NewPendingOperand(next *Operand) Operand {
	return Operand{
		kind: PendingOperand,
		next: next,
	}
}

func (operand *Operand) Kind() OperandKind { return operand.kind }

func (operand *Operand) IsInvalid() bool {
	return operand.kind == InvalidOperand
}

func (operand *Operand) IsConstant() bool {
	return operand.kind == ConstantOperand
}

func (operand *Operand) IsUnallocated() bool {
	return operand.kind == UnallocatedOperand
}

func (operand *Operand) IsAllocated() bool {
	return operand.kind == AllocatedOperand
}

func (operand *Operand) IsPending() bool {
	return operand.kind == PendingOperand
}

func (operand *Operand) VirtualRegister() int {
	switch operand.kind {
	case ConstantOperand, UnallocatedOperand:
		return operand.virtualRegister
	default:
		panic("operand has no virtual register")
	}
}

func (operand *Operand) Policy() OperandPolicy {
	if !operand.IsUnallocated() {
		panic("not an unallocated operand")
	}
	return operand.policy
}

func (operand *Operand) HasRegisterPolicy() bool {
	return operand.IsUnallocated() && operand.policy == RegisterPolicy
}

func (operand *Operand) HasRegisterOrSlotPolicy() bool {
	return operand.IsUnallocated() && operand.policy == RegisterOrSlotPolicy
}

func (operand *Operand) HasRegisterOrSlotOrConstantPolicy() bool {
	return operand.IsUnallocated() &&
		operand.policy == RegisterOrSlotOrConstantPolicy
}

func (operand *Operand) HasSlotPolicy() bool {
	return operand.IsUnallocated() && operand.policy == SlotPolicy
}

func (operand *Operand) HasFixedSlotPolicy() bool {
	return operand.IsUnallocated() && operand.policy == FixedSlotPolicy
}

func (operand *Operand) HasFixedRegisterPolicy() bool {
	return operand.IsUnallocated() && operand.policy == FixedRegisterPolicy
}

func (operand *Operand) HasFixedFPRegisterPolicy() bool {
	return operand.IsUnallocated() && operand.policy == FixedFPRegisterPolicy
}

func (operand *Operand) HasFixedPolicy() bool {
	return operand.HasFixedSlotPolicy() ||
		operand.HasFixedRegisterPolicy() ||
		operand.HasFixedFPRegisterPolicy()
}

func (operand *Operand) HasSameAsInputPolicy() bool {
	return operand.IsUnallocated() && operand.policy == SameAsInputPolicy
}

func (operand *Operand) IsUsedAtStart() bool {
	if !operand.IsUnallocated() {
		panic("not an unallocated operand")
	}
	return operand.usedAtStart
}

// MarkUsedAtStart declares that the operand is only live through the
// first half of its instruction's gap.
func (operand *Operand) MarkUsedAtStart() {
	if !operand.IsUnallocated() {
		panic("not an unallocated operand")
	}
	operand.usedAtStart = true
}

func (operand *Operand) FixedSlotIndex() int {
	if !operand.HasFixedSlotPolicy() {
		panic("not a fixed slot operand")
	}
	return operand.index
}

func (operand *Operand) FixedRegisterCode() int {
	if !operand.HasFixedRegisterPolicy() && !operand.HasFixedFPRegisterPolicy() {
		panic("not a fixed register operand")
	}
	return operand.index
}

func (operand *Operand) IsRegisterLocation() bool {
	return operand.IsAllocated() && operand.location == RegisterLocation
}

func (operand *Operand) IsStackSlotLocation() bool {
	return operand.IsAllocated() && operand.location == StackSlotLocation
}

func (operand *Operand) RegisterCode() int {
	if !operand.IsRegisterLocation() {
		panic("not a register operand")
	}
	return operand.index
}

func (operand *Operand) StackSlotIndex() int {
	if !operand.IsStackSlotLocation() {
		panic("not a stack slot operand")
	}
	return operand.index
}

func (operand *Operand) Representation() architecture.MachineRepresentation {
	if !operand.IsAllocated() {
		panic("not an allocated operand")
	}
	return operand.rep
}

// Next returns the pending chain link.
func (operand *Operand) Next() *Operand {
	if !operand.IsPending() {
		panic("not a pending operand")
	}
	return operand.next
}

func (operand *Operand) SetNext(next *Operand) {
	if !operand.IsPending() {
		panic("not a pending operand")
	}
	operand.next = next
}

// WithVirtualRegister returns a copy of the operand rebound to another
// virtual register, preserving policy and use position.
func (operand *Operand) WithVirtualRegister(virtualRegister int) Operand {
	if !operand.IsUnallocated() {
		panic("not an unallocated operand")
	}
	copied := *operand
	copied.virtualRegister = virtualRegister
	return copied
}

// ReplaceWith overwrites the operand slot in place.  Callers walking a
// pending chain must save Next before replacing.
func (operand *Operand) ReplaceWith(other *Operand) {
	*operand = *other
}

func (operand *Operand) String() string {
	switch operand.kind {
	case InvalidOperand:
		return "(invalid)"
	case ConstantOperand:
		return fmt.Sprintf("const(v%d)", operand.virtualRegister)
	case UnallocatedOperand:
		return fmt.Sprintf(
			"v%d{%s}",
			operand.virtualRegister,
			operand.policyString())
	case AllocatedOperand:
		if operand.location == RegisterLocation {
			return fmt.Sprintf("R%d:%s", operand.index, operand.rep)
		}
		return fmt.Sprintf("slot%d:%s", operand.index, operand.rep)
	case PendingOperand:
		return "(pending)"
	default:
		panic("unhandled operand kind")
	}
}

func (operand *Operand) policyString() string {
	switch operand.policy {
	case RegisterPolicy:
		return "reg"
	case RegisterOrSlotPolicy:
		return "reg|slot"
	case RegisterOrSlotOrConstantPolicy:
		return "reg|slot|const"
	case SlotPolicy:
		return "slot"
	case FixedSlotPolicy:
		return fmt.Sprintf("slot%d", operand.index)
	case FixedRegisterPolicy:
		return fmt.Sprintf("R%d", operand.index)
	case FixedFPRegisterPolicy:
		return fmt.Sprintf("D%d", operand.index)
	case SameAsInputPolicy:
		return "same-as-input"
	default:
		panic("unhandled operand policy")
	}
}
