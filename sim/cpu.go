package sim

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/jit/compiler"
)

var (
	ErrUnsupported = errors.New("sim: unsupported instruction")
	ErrHalted      = errors.New("sim: cpu halted")
)

// CPU is the simulated guest: the eight 32-bit general registers, RIP and
// the zero flag.
type CPU struct {
	rip     uint64
	Regs    [8]uint32
	ZF      bool
	Halted  bool
	Retired uint64
}

var _ jit.CPU = (*CPU)(nil)

func (c *CPU) RIP() uint64       { return c.rip }
func (c *CPU) SetRIP(rip uint64) { c.rip = rip }

func (c *CPU) String() string {
	return fmt.Sprintf("rip=%#x eax=%#x ecx=%#x edx=%#x ebx=%#x esi=%#x edi=%#x zf=%v retired=%d",
		c.rip, c.Regs[0], c.Regs[1], c.Regs[2], c.Regs[3], c.Regs[6], c.Regs[7], c.ZF, c.Retired)
}

// op is one pre-decoded instruction. It returns the next RIP and whether
// the instruction ended the block.
type op func(c *CPU) (next uint64, done bool)

func regArg(a x86asm.Arg) (byte, error) {
	r, ok := a.(x86asm.Reg)
	if !ok {
		return 0, fmt.Errorf("%w: operand %v", ErrUnsupported, a)
	}
	return compiler.RegIndex(r)
}

// lower turns one decoded instruction into an op. Both execution tiers use
// it, so they agree on semantics by construction.
func lower(in compiler.Instruction) (op, error) {
	inst := in.Inst
	next := in.RIP + uint64(inst.Len)
	switch inst.Op {
	case x86asm.NOP:
		return func(c *CPU) (uint64, bool) { return next, false }, nil

	case x86asm.MOV:
		dst, err := regArg(inst.Args[0])
		if err != nil {
			return nil, err
		}
		imm, ok := inst.Args[1].(x86asm.Imm)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}
		v := uint32(imm)
		return func(c *CPU) (uint64, bool) { c.Regs[dst] = v; return next, false }, nil

	case x86asm.ADD, x86asm.SUB, x86asm.XOR, x86asm.CMP:
		dst, err := regArg(inst.Args[0])
		if err != nil {
			return nil, err
		}
		var src func(c *CPU) uint32
		switch a := inst.Args[1].(type) {
		case x86asm.Reg:
			s, err := compiler.RegIndex(a)
			if err != nil {
				return nil, err
			}
			src = func(c *CPU) uint32 { return c.Regs[s] }
		case x86asm.Imm:
			v := uint32(a)
			src = func(*CPU) uint32 { return v }
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}
		alu := aluFunc(inst.Op)
		write := inst.Op != x86asm.CMP
		return func(c *CPU) (uint64, bool) {
			r := alu(c.Regs[dst], src(c))
			c.ZF = r == 0
			if write {
				c.Regs[dst] = r
			}
			return next, false
		}, nil

	case x86asm.JMP, x86asm.JE, x86asm.JNE:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, inst)
		}
		target := next + uint64(int64(rel))
		switch inst.Op {
		case x86asm.JE:
			return func(c *CPU) (uint64, bool) {
				if c.ZF {
					return target, true
				}
				return next, true
			}, nil
		case x86asm.JNE:
			return func(c *CPU) (uint64, bool) {
				if !c.ZF {
					return target, true
				}
				return next, true
			}, nil
		}
		return func(*CPU) (uint64, bool) { return target, true }, nil

	case x86asm.HLT:
		rip := in.RIP
		return func(c *CPU) (uint64, bool) { c.Halted = true; return rip, true }, nil
	}
	return nil, fmt.Errorf("%w: %v at %#x", ErrUnsupported, inst.Op, in.RIP)
}

func aluFunc(o x86asm.Op) func(a, b uint32) uint32 {
	switch o {
	case x86asm.ADD:
		return func(a, b uint32) uint32 { return a + b }
	case x86asm.XOR:
		return func(a, b uint32) uint32 { return a ^ b }
	default:
		return func(a, b uint32) uint32 { return a - b }
	}
}

// Interpreter is the baseline tier. It decodes every block afresh from
// guest memory, so it always sees the latest bytes.
type Interpreter struct {
	src    compiler.CodeSource
	limits compiler.Limits
}

var _ jit.Interpreter[*CPU] = (*Interpreter)(nil)

func NewInterpreter(src compiler.CodeSource, limits compiler.Limits) *Interpreter {
	return &Interpreter{src: src, limits: limits}
}

func (it *Interpreter) ExecBlock(c *CPU) error {
	if c.Halted {
		return ErrHalted
	}
	b, err := compiler.DiscoverBlock(it.src, c.RIP(), it.limits)
	if err != nil {
		return err
	}
	next := b.EndRIP()
	for _, in := range b.Insts {
		o, err := lower(in)
		if err != nil {
			return err
		}
		n, done := o(c)
		c.Retired++
		next = n
		if done {
			break
		}
	}
	c.SetRIP(next)
	return nil
}
