package main

import (
	"fmt"
	"os"

	"github.com/pattyshack/gt/parseutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/xyproto/env/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pattyshack/towhee/allocator"
	"github.com/pattyshack/towhee/architecture"
	"github.com/pattyshack/towhee/ir"
)

const optionsFileName = "towhee.toml"

type options struct {
	Trace          bool   `toml:"trace"`
	RegisterConfig string `toml:"register-config"`
}

func loadOptions() (options, error) {
	opts := options{}

	content, err := os.ReadFile(optionsFileName)
	if err == nil {
		err = toml.Unmarshal(content, &opts)
		if err != nil {
			return opts, fmt.Errorf("failed to parse %s: %w", optionsFileName, err)
		}
	} else if !os.IsNotExist(err) {
		return opts, fmt.Errorf("failed to read %s: %w", optionsFileName, err)
	}

	if env.Bool("TOWHEE_TRACE") {
		opts.Trace = true
	}
	opts.RegisterConfig = env.Str("TOWHEE_CONFIG", opts.RegisterConfig)

	return opts, nil
}

type registerDescription struct {
	Name     string `yaml:"name"`
	Code     int    `yaml:"code"`
	Kind     string `yaml:"kind"`
	Reserved bool   `yaml:"reserved"`
}

type registerConfigFile struct {
	Registers []registerDescription `yaml:"registers"`
}

func loadRegisterConfig(path string) (*architecture.RegisterConfig, error) {
	if path == "" {
		return defaultRegisterConfig(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read register config: %w", err)
	}

	configFile := registerConfigFile{}
	err = yaml.Unmarshal(content, &configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse register config: %w", err)
	}

	registers := []*architecture.Register{}
	for _, desc := range configFile.Registers {
		var kind architecture.RegisterKind
		switch desc.Kind {
		case "general":
			kind = architecture.GeneralRegisters
		case "double":
			kind = architecture.DoubleRegisters
		default:
			return nil, fmt.Errorf(
				"register %s has unknown kind %q",
				desc.Name,
				desc.Kind)
		}

		register := &architecture.Register{
			Name:        desc.Name,
			Code:        desc.Code,
			Kind:        kind,
			Allocatable: !desc.Reserved,
		}
		registers = append(registers, register)
	}

	return architecture.NewRegisterConfig(registers...), nil
}

func defaultRegisterConfig() *architecture.RegisterConfig {
	return architecture.NewRegisterConfig(
		architecture.NewGeneralRegister("rax", 0),
		architecture.NewGeneralRegister("rbx", 1),
		architecture.NewGeneralRegister("rcx", 2),
		architecture.NewGeneralRegister("rdx", 3),
		architecture.NewReservedRegister(
			"rsp",
			4,
			architecture.GeneralRegisters),
		architecture.NewDoubleRegister("xmm0", 0),
		architecture.NewDoubleRegister("xmm1", 1),
		architecture.NewDoubleRegister("xmm2", 2),
		architecture.NewDoubleRegister("xmm3", 3))
}

func newLogger(trace bool) (*zap.Logger, error) {
	if !trace {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

type demoBuilder func() *ir.Sequence

var demos = map[string]demoBuilder{
	"straight-line": buildStraightLineDemo,
	"diamond":       buildDiamondDemo,
	"loop":          buildLoopDemo,
}

var demoOrder = []string{"straight-line", "diamond", "loop"}

// Two constant definitions combined into a result, all in one block.
func buildStraightLineDemo() *ir.Sequence {
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
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v2)},
		[]ir.Operand{
			ir.NewUnallocatedOperand(ir.RegisterPolicy, v0),
			ir.NewUnallocatedOperand(ir.RegisterPolicy, v1),
		},
		nil))

	ret := ir.NewUnallocatedOperand(ir.RegisterPolicy, v2)
	ret.MarkUsedAtStart()
	builder.Emit(ir.NewInstruction(nil, []ir.Operand{ret}, nil))
	builder.EndBlock()

	return builder.Build()
}

// A constant defined before a branch and consumed on both branch sides;
// the two results merge in a phi at the join block and enter it through
// the phi's spill slot.
func buildDiamondDemo() *ir.Sequence {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)
	v1 := builder.AddVirtualRegister(architecture.RepWord64)
	v2 := builder.AddVirtualRegister(architecture.RepWord64)
	v3 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewConstantOperand(v0)},
		nil,
		nil))
	branch := ir.NewUnallocatedOperand(ir.RegisterPolicy, v0)
	branch.MarkUsedAtStart()
	builder.Emit(ir.NewInstruction(nil, []ir.Operand{branch}, nil))
	builder.EndBlock(1, 2)

	builder.StartBlock(0)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v1)},
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterPolicy, v0)},
		nil))
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(3)

	builder.StartBlock(0)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v2)},
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterPolicy, v0)},
		nil))
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(3)

	builder.StartBlock(0)
	builder.AddPhi(v3, v1, v2)
	ret := ir.NewUnallocatedOperand(ir.RegisterPolicy, v3)
	ret.MarkUsedAtStart()
	builder.Emit(ir.NewInstruction(nil, []ir.Operand{ret}, nil))
	builder.EndBlock()

	return builder.Build()
}

// A counting loop with a phi-carried value.
func buildLoopDemo() *ir.Sequence {
	builder := ir.NewSequenceBuilder()
	v0 := builder.AddVirtualRegister(architecture.RepWord64)
	v1 := builder.AddVirtualRegister(architecture.RepWord64)
	v2 := builder.AddVirtualRegister(architecture.RepWord64)

	builder.StartBlock(-1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewConstantOperand(v0)},
		nil,
		nil))
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(1)

	builder.StartBlock(0)
	builder.MarkLoopHeader(3)
	builder.AddPhi(v1, v0, v2)
	cond := ir.NewUnallocatedOperand(ir.RegisterPolicy, v1)
	cond.MarkUsedAtStart()
	builder.Emit(ir.NewInstruction(nil, []ir.Operand{cond}, nil))
	builder.EndBlock(2, 3)

	builder.StartBlock(1)
	builder.Emit(ir.NewInstruction(
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterOrSlotPolicy, v2)},
		[]ir.Operand{ir.NewUnallocatedOperand(ir.RegisterPolicy, v1)},
		nil))
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock(1)

	builder.StartBlock(1)
	builder.Emit(ir.NewInstruction(nil, nil, nil))
	builder.EndBlock()

	return builder.Build()
}

func printSequence(seq *ir.Sequence, frame *ir.Frame) {
	for _, block := range seq.Blocks() {
		fmt.Printf("Block %d:\n", block.Index)
		for instrIndex := block.FirstInstrIndex; instrIndex <= block.LastInstrIndex; instrIndex++ {
			instr := seq.InstructionAt(instrIndex)
			printGapMoves(instr, ir.StartGap)
			printGapMoves(instr, ir.EndGap)
			fmt.Printf("  %d: %s\n", instrIndex, instr)
		}
	}

	fmt.Printf(
		"Frame: %d spill slots, %d bytes\n",
		frame.SpillSlotCount(),
		frame.TotalFrameSize())
}

func printGapMoves(instr *ir.Instruction, position ir.GapPosition) {
	moves := instr.GetParallelMove(position)
	if moves == nil {
		return
	}
	for _, move := range moves.Moves() {
		fmt.Printf("    gap (%s) %s\n", position, move)
	}
}

func processDemo(
	name string,
	config *architecture.RegisterConfig,
	logger *zap.Logger,
	trace bool,
) error {
	build, ok := demos[name]
	if !ok {
		return fmt.Errorf("unknown demo: %s", name)
	}

	fmt.Println("=====================")
	fmt.Println("Demo:", name)
	fmt.Println("---------------------")

	seq := build()

	emitter := &parseutil.Emitter{}
	ir.ValidateSequence(seq, config, emitter)
	if emitter.HasErrors() {
		return multierr.Combine(emitter.Errors()...)
	}

	frame := ir.NewFrame()
	data := allocator.NewAllocationData(config, seq, frame, nil, logger)
	allocator.AllocateRegisters(data)

	if trace {
		allocator.Debug(data).Process(data)
	}

	printSequence(seq, frame)
	return nil
}

func main() {
	opts, err := loadOptions()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	config, err := loadRegisterConfig(opts.RegisterConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(opts.Trace)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	names := os.Args[1:]
	if len(names) == 0 {
		names = demoOrder
	}

	var errs error
	for _, name := range names {
		err := processDemo(name, config, logger, opts.Trace)
		if err != nil {
			errs = multierr.Append(
				errs,
				fmt.Errorf("demo %s: %w", name, err))
		}
	}

	if errs != nil {
		fmt.Fprintln(os.Stderr, errs)
		os.Exit(1)
	}
}
