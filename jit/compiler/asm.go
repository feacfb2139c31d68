package compiler

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Emitter assembles the small x86-64 subset used by synthetic guest
// programs: 32-bit moves and arithmetic on EAX..EDI, and rel32 branches.
type Emitter struct {
	base uint64
	buf  []byte
}

func NewEmitter(base uint64) *Emitter {
	return &Emitter{base: base}
}

// PC is the address of the next emitted byte.
func (e *Emitter) PC() uint64    { return e.base + uint64(len(e.buf)) }
func (e *Emitter) Base() uint64  { return e.base }
func (e *Emitter) Bytes() []byte { return e.buf }
func (e *Emitter) Len() int      { return len(e.buf) }

// RegIndex returns the ModRM encoding of a 32-bit general register.
func RegIndex(r x86asm.Reg) (byte, error) {
	if r < x86asm.EAX || r > x86asm.EDI {
		return 0, fmt.Errorf("compiler: unsupported register %v", r)
	}
	return byte(r - x86asm.EAX), nil
}

func mustReg(r x86asm.Reg) byte {
	idx, err := RegIndex(r)
	if err != nil {
		panic(err)
	}
	return idx
}

func (e *Emitter) emit(b ...byte) *Emitter {
	e.buf = append(e.buf, b...)
	return e
}

func (e *Emitter) emit32(v uint32) *Emitter {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return e
}

// rel32 encodes target relative to the end of an instruction whose
// remaining length after the opcode is 4.
func (e *Emitter) rel32(target uint64) *Emitter {
	end := e.PC() + 4
	return e.emit32(uint32(int32(int64(target - end))))
}

func (e *Emitter) MovImm32(dst x86asm.Reg, imm uint32) *Emitter {
	return e.emit(0xB8 + mustReg(dst)).emit32(imm)
}

func (e *Emitter) alu(op byte, dst, src x86asm.Reg) *Emitter {
	return e.emit(op, 0xC0|mustReg(src)<<3|mustReg(dst))
}

func (e *Emitter) AddReg32(dst, src x86asm.Reg) *Emitter { return e.alu(0x01, dst, src) }
func (e *Emitter) SubReg32(dst, src x86asm.Reg) *Emitter { return e.alu(0x29, dst, src) }
func (e *Emitter) XorReg32(dst, src x86asm.Reg) *Emitter { return e.alu(0x31, dst, src) }

func (e *Emitter) aluImm8(ext byte, dst x86asm.Reg, imm int8) *Emitter {
	return e.emit(0x83, 0xC0|ext<<3|mustReg(dst), byte(imm))
}

func (e *Emitter) AddImm8(dst x86asm.Reg, imm int8) *Emitter { return e.aluImm8(0, dst, imm) }
func (e *Emitter) SubImm8(dst x86asm.Reg, imm int8) *Emitter { return e.aluImm8(5, dst, imm) }
func (e *Emitter) CmpImm8(dst x86asm.Reg, imm int8) *Emitter { return e.aluImm8(7, dst, imm) }

func (e *Emitter) Nop() *Emitter { return e.emit(0x90) }
func (e *Emitter) Ret() *Emitter { return e.emit(0xC3) }
func (e *Emitter) Hlt() *Emitter { return e.emit(0xF4) }
func (e *Emitter) Sti() *Emitter { return e.emit(0xFB) }

func (e *Emitter) Jmp(target uint64) *Emitter { return e.emit(0xE9).rel32(target) }
func (e *Emitter) Jz(target uint64) *Emitter  { return e.emit(0x0F, 0x84).rel32(target) }
func (e *Emitter) Jnz(target uint64) *Emitter { return e.emit(0x0F, 0x85).rel32(target) }

// Call emits a direct rel32 call.
func (e *Emitter) Call(target uint64) *Emitter { return e.emit(0xE8).rel32(target) }

// JmpReg emits an indirect jump through a 64-bit register (jmp rax for EAX).
func (e *Emitter) JmpReg(r x86asm.Reg) *Emitter { return e.emit(0xFF, 0xE0|mustReg(r)) }

// PatchRel32 rewrites the rel32 operand that ends at end so that it points at
// target. It is used to fix up forward branches.
func (e *Emitter) PatchRel32(end, target uint64) {
	off := int(end-e.base) - 4
	binary.LittleEndian.PutUint32(e.buf[off:], uint32(int32(int64(target-end))))
}
