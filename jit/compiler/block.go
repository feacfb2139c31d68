package compiler

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

const (
	// DefaultMaxInstructions and DefaultMaxBytes bound a discovered block.
	DefaultMaxInstructions = 64
	DefaultMaxBytes        = 1024

	maxInstLen = 15
)

var ErrEmptyBlock = errors.New("compiler: no decodable instruction at block entry")

// CodeSource gives the discoverer access to guest code.
type CodeSource interface {
	Translate(rip uint64) (uint64, error)
	Fetch(paddr uint64, n int) ([]byte, error)
}

// TermKind says why a block ended.
type TermKind uint8

const (
	TermLimit    TermKind = iota // instruction or byte limit, or undecodable next instruction
	TermJump                     // direct unconditional jump
	TermBranch                   // conditional branch, loop or jcxz
	TermCall                     // direct call
	TermIndirect                 // indirect jump or call
	TermReturn                   // ret, lret, iret
	TermTrap                     // int, hlt, ud, syscall and friends
)

var termNames = [...]string{"limit", "jump", "branch", "call", "indirect", "return", "trap"}

func (k TermKind) String() string {
	if int(k) < len(termNames) {
		return termNames[k]
	}
	return fmt.Sprintf("term(%d)", k)
}

// Instruction is one decoded guest instruction.
type Instruction struct {
	RIP  uint64
	Inst x86asm.Inst
}

// Block is a straight-line run of guest code ending at a control transfer
// or a limit. Blocks are immutable once built and may be shared between
// goroutines.
type Block struct {
	EntryRIP uint64
	Paddr    uint64
	Bytes    []byte
	Insts    []Instruction
	Term     TermKind

	// Successors lists statically known next RIPs: the target first for
	// jumps, branches and calls, then the fall-through address.
	Successors []uint64

	// InhibitInterrupts is set when the block was cut by a limit right after
	// an instruction that shadows interrupts for one instruction (STI,
	// MOV SS, POP SS).
	InhibitInterrupts bool
}

func (b *Block) ByteLen() uint32          { return uint32(len(b.Bytes)) }
func (b *Block) InstructionCount() uint32 { return uint32(len(b.Insts)) }

// EndRIP is the address right after the last instruction.
func (b *Block) EndRIP() uint64 { return b.EntryRIP + uint64(len(b.Bytes)) }

func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %#x paddr=%#x len=%d insts=%d term=%s", b.EntryRIP, b.Paddr, len(b.Bytes), len(b.Insts), b.Term)
	for _, s := range b.Successors {
		fmt.Fprintf(&sb, " ->%#x", s)
	}
	return sb.String()
}

// Limits bounds block discovery.
type Limits struct {
	MaxInstructions int `yaml:"max_instructions" json:"max_instructions"`
	MaxBytes        int `yaml:"max_bytes" json:"max_bytes"`
}

func DefaultLimits() Limits {
	return Limits{MaxInstructions: DefaultMaxInstructions, MaxBytes: DefaultMaxBytes}
}

// DiscoverBlock decodes 64-bit guest code starting at rip until a control
// transfer or a limit is reached.
func DiscoverBlock(src CodeSource, rip uint64, lim Limits) (*Block, error) {
	if lim.MaxInstructions <= 0 {
		lim.MaxInstructions = DefaultMaxInstructions
	}
	if lim.MaxBytes <= 0 {
		lim.MaxBytes = DefaultMaxBytes
	}
	paddr, err := src.Translate(rip)
	if err != nil {
		return nil, fmt.Errorf("discover %#x: %w", rip, err)
	}

	b := &Block{EntryRIP: rip, Paddr: paddr, Term: TermLimit}
	offset := 0
	for len(b.Insts) < lim.MaxInstructions {
		window, err := src.Fetch(paddr+uint64(offset), maxInstLen)
		if err != nil || len(window) == 0 {
			break
		}
		inst, err := x86asm.Decode(window, 64)
		if err != nil {
			break
		}
		if offset+inst.Len > lim.MaxBytes {
			break
		}
		pc := rip + uint64(offset)
		b.Insts = append(b.Insts, Instruction{RIP: pc, Inst: inst})
		b.Bytes = append(b.Bytes, window[:inst.Len]...)
		offset += inst.Len

		if kind, ok := terminator(inst); ok {
			b.Term = kind
			b.Successors = successors(kind, inst, pc)
			break
		}
	}
	if len(b.Insts) == 0 {
		return nil, fmt.Errorf("discover %#x: %w", rip, ErrEmptyBlock)
	}
	if b.Term == TermLimit {
		b.Successors = []uint64{b.EndRIP()}
		b.InhibitInterrupts = shadowsInterrupts(b.Insts[len(b.Insts)-1].Inst)
	}
	return b, nil
}

// terminator classifies inst as a block end.
func terminator(inst x86asm.Inst) (TermKind, bool) {
	switch inst.Op {
	case x86asm.JMP:
		if _, ok := inst.Args[0].(x86asm.Rel); ok {
			return TermJump, true
		}
		return TermIndirect, true
	case x86asm.CALL:
		if _, ok := inst.Args[0].(x86asm.Rel); ok {
			return TermCall, true
		}
		return TermIndirect, true
	case x86asm.LJMP, x86asm.LCALL:
		return TermIndirect, true
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return TermBranch, true
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return TermReturn, true
	case x86asm.INT, x86asm.INTO, x86asm.HLT, x86asm.UD1, x86asm.UD2,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSEXIT, x86asm.SYSRET:
		return TermTrap, true
	}
	return TermLimit, false
}

func successors(kind TermKind, inst x86asm.Inst, pc uint64) []uint64 {
	next := pc + uint64(inst.Len)
	rel, isRel := inst.Args[0].(x86asm.Rel)
	target := next + uint64(int64(rel))
	switch kind {
	case TermJump:
		return []uint64{target}
	case TermBranch, TermCall:
		if isRel {
			return []uint64{target, next}
		}
		return []uint64{next}
	}
	return nil
}

func shadowsInterrupts(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.STI:
		return true
	case x86asm.MOV, x86asm.POP:
		return inst.Args[0] == x86asm.SS
	}
	return false
}

// Disassemble lists code as if loaded at base, one instruction per line.
// Undecodable bytes are shown as db.
func Disassemble(code []byte, base uint64) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%08x: %-30s db 0x%02x\n", base+uint64(offset), fmt.Sprintf("%02x", code[offset]), code[offset]))
			offset++
			continue
		}

		var hexBytes []string
		for i := 0; i < inst.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		pc := base + uint64(offset)
		sb.WriteString(fmt.Sprintf(
			"0x%08x: %-30s %s\n",
			pc,
			strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst, pc, nil),
		))
		offset += inst.Len
	}
	return sb.String()
}
