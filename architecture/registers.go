package architecture

import (
	"fmt"
)

// RegisterKind selects one of the two disjoint physical register files.
type RegisterKind int

const (
	GeneralRegisters = RegisterKind(iota)
	DoubleRegisters
)

func (kind RegisterKind) String() string {
	switch kind {
	case GeneralRegisters:
		return "general"
	case DoubleRegisters:
		return "double"
	default:
		panic("unknown register kind")
	}
}

// A physical register, identified within its kind by an external register
// code.  Codes need not be contiguous among allocatable registers; the
// dense allocatable index used during allocation is assigned by
// RegisterConfig.
type Register struct {
	Name string
	Code int
	Kind RegisterKind

	// When false, the register is visible to the configuration (its code
	// participates in the code space) but never handed out by the
	// allocator, e.g. the stack pointer or a designated scratch register.
	Allocatable bool
}

func NewGeneralRegister(name string, code int) *Register {
	return &Register{
		Name:        name,
		Code:        code,
		Kind:        GeneralRegisters,
		Allocatable: true,
	}
}

func NewDoubleRegister(name string, code int) *Register {
	return &Register{
		Name:        name,
		Code:        code,
		Kind:        DoubleRegisters,
		Allocatable: true,
	}
}

func NewReservedRegister(name string, code int, kind RegisterKind) *Register {
	return &Register{
		Name: name,
		Code: code,
		Kind: kind,
	}
}

// The allocator keeps per-kind register occupancy in single machine words.
const MaxAllocatableRegisters = 64

type kindConfig struct {
	// All registers of the kind, indexed by code.
	registers []*Register

	// Dense allocatable index -> register code.
	allocatableCodes []int
}

// RegisterConfig describes both register files and provides the
// bidirectional mapping between external register codes and the dense
// 0..K-1 indices used by the allocation bitmaps.
type RegisterConfig struct {
	kinds [2]kindConfig
}

func NewRegisterConfig(registers ...*Register) *RegisterConfig {
	config := &RegisterConfig{}

	names := map[string]struct{}{}
	byKind := [2][]*Register{}
	for _, register := range registers {
		if register.Name == "" {
			panic("no register name")
		}

		_, ok := names[register.Name]
		if ok {
			panic("added duplicate register: " + register.Name)
		}
		names[register.Name] = struct{}{}

		byKind[register.Kind] = append(byKind[register.Kind], register)
	}

	for kind, list := range byKind {
		config.kinds[kind] = newKindConfig(RegisterKind(kind), list)
	}

	return config
}

func newKindConfig(kind RegisterKind, list []*Register) kindConfig {
	maxCode := -1
	for _, register := range list {
		if register.Code < 0 {
			panic("negative register code: " + register.Name)
		}
		if register.Code > maxCode {
			maxCode = register.Code
		}
	}

	registers := make([]*Register, maxCode+1)
	allocatableCodes := []int{}
	for _, register := range list {
		if registers[register.Code] != nil {
			panic(fmt.Sprintf(
				"duplicate %s register code %d",
				kind,
				register.Code))
		}
		registers[register.Code] = register

		if register.Allocatable {
			allocatableCodes = append(allocatableCodes, register.Code)
		}
	}

	if len(allocatableCodes) > MaxAllocatableRegisters {
		panic(fmt.Sprintf(
			"too many allocatable %s registers (%d > %d)",
			kind,
			len(allocatableCodes),
			MaxAllocatableRegisters))
	}

	return kindConfig{
		registers:        registers,
		allocatableCodes: allocatableCodes,
	}
}

// NumRegisters returns the size of the kind's register code space.
func (config *RegisterConfig) NumRegisters(kind RegisterKind) int {
	return len(config.kinds[kind].registers)
}

func (config *RegisterConfig) NumAllocatableRegisters(
	kind RegisterKind,
) int {
	return len(config.kinds[kind].allocatableCodes)
}

// AllocatableRegisterCodes returns register codes in dense allocatable
// index order.
func (config *RegisterConfig) AllocatableRegisterCodes(
	kind RegisterKind,
) []int {
	return config.kinds[kind].allocatableCodes
}

func (config *RegisterConfig) RegisterAt(
	kind RegisterKind,
	code int,
) *Register {
	registers := config.kinds[kind].registers
	if code < 0 || code >= len(registers) || registers[code] == nil {
		panic(fmt.Sprintf("invalid %s register code %d", kind, code))
	}
	return registers[code]
}
