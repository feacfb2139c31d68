package sim

import (
	"fmt"
	"math/rand/v2"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/tierjit/jit/compiler"
)

var scratchRegs = []x86asm.Reg{x86asm.EBX, x86asm.EDX, x86asm.ESI, x86asm.EDI}

// Loop is one counted loop in a generated program.
type Loop struct {
	Header uint64 // mov ecx, trip; jmp body
	Body   uint64 // mov eax, imm; alu ...; sub ecx, 1; jnz body
	Trip   uint32
	// ImmAddr is the address of the body's mov eax immediate, the target of
	// self-modifying writes.
	ImmAddr uint64
}

// Program is a generated guest program: a ring of counted loops. Control
// falls from each loop into the next and the last one jumps back to the
// first, so the program never terminates.
type Program struct {
	Base  uint64
	Code  []byte
	Loops []Loop
}

func (p *Program) End() uint64 { return p.Base + uint64(len(p.Code)) }

// EntryRIPs lists every block entry in the program.
func (p *Program) EntryRIPs() []uint64 {
	out := make([]uint64, 0, 2*len(p.Loops)+1)
	for _, l := range p.Loops {
		out = append(out, l.Header, l.Body)
	}
	return append(out, p.End()-5)
}

// GenerateProgram builds a program of n loops at base. The same seed always
// yields the same bytes.
func GenerateProgram(base uint64, n int, seed uint64) (*Program, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sim: program needs at least one loop, got %d", n)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	e := compiler.NewEmitter(base)
	p := &Program{Base: base, Loops: make([]Loop, n)}

	for i := range p.Loops {
		l := &p.Loops[i]
		l.Header = e.PC()
		l.Trip = uint32(4 + rng.IntN(13))
		e.MovImm32(x86asm.ECX, l.Trip)
		e.Jmp(e.PC() + 5)

		l.Body = e.PC()
		l.ImmAddr = e.PC() + 1
		e.MovImm32(x86asm.EAX, rng.Uint32())
		dst := scratchRegs[rng.IntN(len(scratchRegs))]
		switch rng.IntN(3) {
		case 0:
			e.XorReg32(dst, x86asm.EAX)
		default:
			e.AddReg32(dst, x86asm.EAX)
		}
		for k := rng.IntN(4); k > 0; k-- {
			e.Nop()
		}
		if rng.IntN(2) == 0 {
			e.AddImm8(x86asm.EDX, int8(1+rng.IntN(8)))
		}
		e.SubImm8(x86asm.ECX, 1)
		e.Jnz(l.Body)
	}
	e.Jmp(base)

	p.Code = e.Bytes()
	return p, nil
}

// PatchImm returns a self-modifying write for loop i: the address and the
// four new immediate bytes.
func (p *Program) PatchImm(i int, v uint32) (uint64, []byte) {
	l := p.Loops[i%len(p.Loops)]
	return l.ImmAddr, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
