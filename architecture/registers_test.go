package architecture

import (
	"testing"
)

func TestRegisterConfigIndexMaps(t *testing.T) {
	config := NewRegisterConfig(
		NewGeneralRegister("r0", 0),
		NewReservedRegister("sp", 1, GeneralRegisters),
		NewGeneralRegister("r2", 2),
		NewDoubleRegister("d0", 0))

	if config.NumRegisters(GeneralRegisters) != 3 {
		t.Errorf(
			"expected general code space of 3, got %d",
			config.NumRegisters(GeneralRegisters))
	}
	if config.NumAllocatableRegisters(GeneralRegisters) != 2 {
		t.Errorf(
			"expected 2 allocatable general registers, got %d",
			config.NumAllocatableRegisters(GeneralRegisters))
	}

	codes := config.AllocatableRegisterCodes(GeneralRegisters)
	if len(codes) != 2 || codes[0] != 0 || codes[1] != 2 {
		t.Errorf("expected allocatable codes [0 2], got %v", codes)
	}

	if config.NumAllocatableRegisters(DoubleRegisters) != 1 {
		t.Errorf("expected 1 allocatable double register")
	}

	if config.RegisterAt(GeneralRegisters, 1).Name != "sp" {
		t.Errorf("expected reserved register lookup by code")
	}
}

func TestRegisterConfigRejectsDuplicates(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on duplicate register code")
		}
	}()

	NewRegisterConfig(
		NewGeneralRegister("r0", 0),
		NewGeneralRegister("other", 0))
}

func TestByteWidthForStackSlot(t *testing.T) {
	widths := map[MachineRepresentation]int{
		RepWord8:   1,
		RepWord16:  2,
		RepWord32:  4,
		RepWord64:  8,
		RepFloat32: 4,
		RepFloat64: 8,
		RepTagged:  8,
	}
	for rep, expected := range widths {
		if ByteWidthForStackSlot(rep) != expected {
			t.Errorf(
				"expected %s slot width %d, got %d",
				rep,
				expected,
				ByteWidthForStackSlot(rep))
		}
	}
}

func TestRegisterKindRouting(t *testing.T) {
	if RegisterKindFor(RepFloat64) != DoubleRegisters ||
		RegisterKindFor(RepFloat32) != DoubleRegisters {

		t.Errorf("floating point representations belong to double registers")
	}
	if RegisterKindFor(RepWord64) != GeneralRegisters ||
		RegisterKindFor(RepTagged) != GeneralRegisters {

		t.Errorf("word and tagged representations belong to general registers")
	}
}
