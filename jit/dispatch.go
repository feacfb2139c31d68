package jit

// CPU is the part of the guest CPU state the dispatcher needs.
type CPU interface {
	RIP() uint64
	SetRIP(rip uint64)
}

// Interpreter executes one guest basic block starting at cpu.RIP() and leaves
// the CPU at the next block boundary.
type Interpreter[C CPU] interface {
	ExecBlock(cpu C) error
}

// Tier identifies which engine executed a step.
type Tier uint8

const (
	TierInterpreter Tier = iota
	TierJit
)

func (t Tier) String() string {
	switch t {
	case TierJit:
		return "jit"
	default:
		return "interp"
	}
}

// StepOutcome describes one dispatcher step.
type StepOutcome struct {
	Tier             Tier
	EntryRIP         uint64
	InstructionCount uint32 // retired instructions when Tier is TierJit and the exit committed
	Committed        bool
}

// Dispatcher runs guest code one block at a time, preferring cached
// translations and falling back to the interpreter.
type Dispatcher[C CPU] struct {
	rt     *Runtime[C]
	interp Interpreter[C]
}

func NewDispatcher[C CPU](rt *Runtime[C], interp Interpreter[C]) *Dispatcher[C] {
	return &Dispatcher[C]{rt: rt, interp: interp}
}

func (d *Dispatcher[C]) Runtime() *Runtime[C] { return d.rt }

// Step executes one block.
func (d *Dispatcher[C]) Step(cpu C) (StepOutcome, error) {
	rip := cpu.RIP()
	h, ok := d.rt.PrepareBlock(rip)
	if !ok {
		if err := d.interp.ExecBlock(cpu); err != nil {
			return StepOutcome{Tier: TierInterpreter, EntryRIP: rip}, err
		}
		return StepOutcome{Tier: TierInterpreter, EntryRIP: rip, Committed: true}, nil
	}

	exit := d.rt.Execute(h, cpu)
	out := StepOutcome{Tier: TierJit, EntryRIP: rip, Committed: exit.Committed}
	if exit.Committed {
		out.InstructionCount = h.Meta.InstructionCount
	}
	cpu.SetRIP(exit.NextRIP)
	if exit.ExitToInterpreter {
		if err := d.interp.ExecBlock(cpu); err != nil {
			return out, err
		}
	}
	return out, nil
}
