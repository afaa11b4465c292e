package flamingo

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// InsnID names the small set of instruction shapes the fixup writer
// must treat specially. Anything else decodes as InsnOther and is
// transcribed verbatim.
type InsnID int

const (
	InsnOther InsnID = iota
	InsnB
	InsnBL
	InsnCBZ
	InsnCBNZ
	InsnTBZ
	InsnTBNZ
	InsnLDRLiteral
	InsnLDRSWLiteral
	InsnADR
	InsnADRP
	InsnPRFM
)

// Cond is an AArch64 condition code, attached to InsnB to represent
// B.cond. CondInvalid means "not a conditional branch".
type Cond int

const CondInvalid Cond = -1

// OperandKind classifies one decoded operand.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandBit // the #<bit> operand of TBZ/TBNZ
)

// Operand is one decoded operand. Imm is already sign-extended and, for
// branch/literal-load/ADR forms, already resolved to an absolute
// target address (pc + encoded offset).
type Operand struct {
	Kind OperandKind
	Reg  uint8 // 5-bit register encoding, valid when Kind == OperandReg
	Imm  int64
}

// Instruction is the normalized record the fixup writer consumes,
// satisfying the decoder capability described in spec.md §4.1.
type Instruction struct {
	ID       InsnID
	Cond     Cond
	Operands []Operand
	// Is64 reports whether an LDR (literal) targets a 64-bit register
	// (X form) rather than 32-bit (W form); used to choose whether 8 or
	// 4 bytes are read when dereferencing the literal (the data pool
	// entry is always 8 bytes).
	Is64 bool
	// Raw is the original 4-byte little-endian encoding.
	Raw uint32
}

// Decoder decodes one AArch64 instruction word at a given address. Any
// decoder satisfying this signature may be substituted for the default
// one; the fixup writer depends only on this interface (spec.md §4.1,
// §6 "Disassembler capability dependency").
type Decoder interface {
	Decode(word uint32, pc uint64) (Instruction, error)
}

// untagPC clears the top-byte pointer tag that Android 11+ (and
// AArch64 MTE in general) may set on live pointers, so that
// PC-relative arithmetic operates on the real address. Ported from
// original_source/src/fixups.cpp's get_untagged_pc.
func untagPC(pc uint64) uint64 {
	const mask = ^(uint64(0xFF) << 56)
	return pc & mask
}

// arm64Decoder is the default Decoder, backed by
// golang.org/x/arch/arm64/arm64asm, the same decoding package the
// teacher uses directly in asm_arm64.go.
type arm64Decoder struct{}

// DefaultDecoder is the Decoder used when none is supplied explicitly.
var DefaultDecoder Decoder = arm64Decoder{}

func (arm64Decoder) Decode(word uint32, pc uint64) (Instruction, error) {
	pc = untagPC(pc)

	var raw [4]byte
	raw[0] = byte(word)
	raw[1] = byte(word >> 8)
	raw[2] = byte(word >> 16)
	raw[3] = byte(word >> 24)

	inst, err := arm64asm.Decode(raw[:])
	if err != nil {
		return Instruction{Raw: word}, fmt.Errorf("flamingo: decode error at pc %#x: %w", pc, err)
	}

	out := Instruction{Raw: word, Cond: CondInvalid}

	switch inst.Op {
	case arm64asm.B:
		out.ID = InsnB
		if cond, ok := inst.Args[0].(arm64asm.Cond); ok {
			// B.cond: Args[0] is the condition, Args[1] the target.
			out.Cond = Cond(cond.Value)
			out.Operands = []Operand{pcRelOperand(inst, pc, 1)}
		} else {
			out.Operands = []Operand{pcRelOperand(inst, pc, 0)}
		}
	case arm64asm.BL:
		out.ID = InsnBL
		out.Operands = []Operand{pcRelOperand(inst, pc, 0)}
	case arm64asm.CBZ:
		out.ID = InsnCBZ
		out.Operands = []Operand{regOperand(inst, 0), pcRelOperand(inst, pc, 1)}
	case arm64asm.CBNZ:
		out.ID = InsnCBNZ
		out.Operands = []Operand{regOperand(inst, 0), pcRelOperand(inst, pc, 1)}
	case arm64asm.TBZ:
		out.ID = InsnTBZ
		out.Operands = []Operand{regOperand(inst, 0), bitOperand(inst, 1), pcRelOperand(inst, pc, 2)}
	case arm64asm.TBNZ:
		out.ID = InsnTBNZ
		out.Operands = []Operand{regOperand(inst, 0), bitOperand(inst, 1), pcRelOperand(inst, pc, 2)}
	case arm64asm.LDR, arm64asm.LDRSW:
		if isLiteralLoad(inst) {
			if inst.Op == arm64asm.LDRSW {
				out.ID = InsnLDRSWLiteral
			} else {
				out.ID = InsnLDRLiteral
			}
			dest := regOperand(inst, 0)
			if reg, ok := inst.Args[0].(arm64asm.Reg); !ok || reg > arm64asm.XZR {
				// A SIMD/FP literal load (St/Dt/Qt destination, which
				// arm64asm also reports as a Reg) shares this encoding
				// shape but isn't representable by the
				// general-purpose-register rewrite path below.
				return Instruction{Raw: word}, fmt.Errorf("flamingo: unsupported SIMD literal load at pc %#x", pc)
			}
			out.Operands = []Operand{dest, pcRelOperand(inst, pc, 1)}
			out.Is64 = is64BitDest(inst)
		}
	case arm64asm.PRFM:
		out.ID = InsnPRFM
	case arm64asm.ADR:
		out.ID = InsnADR
		out.Operands = []Operand{regOperand(inst, 0), pcRelOperand(inst, pc, 1)}
	case arm64asm.ADRP:
		out.ID = InsnADRP
		out.Operands = []Operand{regOperand(inst, 0), pcRelPageOperand(inst, pc, 1)}
	}

	return out, nil
}

func regOperand(inst arm64asm.Inst, idx int) Operand {
	if reg, ok := inst.Args[idx].(arm64asm.Reg); ok {
		return Operand{Kind: OperandReg, Reg: uint8(reg5(reg))}
	}
	return Operand{Kind: OperandNone}
}

// reg5 extracts the 5-bit register encoding from a decoded W/X
// register, folding the two ranges (W0..WZR, X0..XZR) back to their
// shared 0-31 hardware encoding.
func reg5(reg arm64asm.Reg) uint8 {
	switch {
	case reg >= arm64asm.X0 && reg <= arm64asm.XZR:
		return uint8(reg - arm64asm.X0)
	case reg >= arm64asm.W0 && reg <= arm64asm.WZR:
		return uint8(reg - arm64asm.W0)
	default:
		return 0
	}
}

func bitOperand(inst arm64asm.Inst, idx int) Operand {
	if imm, ok := inst.Args[idx].(arm64asm.Imm); ok {
		return Operand{Kind: OperandBit, Imm: int64(imm.Imm)}
	}
	return Operand{Kind: OperandNone}
}

func pcRelOperand(inst arm64asm.Inst, pc uint64, idx int) Operand {
	if rel, ok := inst.Args[idx].(arm64asm.PCRel); ok {
		return Operand{Kind: OperandImm, Imm: int64(pc) + int64(rel)}
	}
	return Operand{Kind: OperandNone}
}

// pcRelPageOperand resolves ADRP's PCRel the way the architecture
// defines it: arm64asm hands back the bare imm<<12 page offset, and the
// base is the *page-aligned* PC, not the PC itself. Ported from
// asm_arm64.go's fixPCRelAddress (srcPC &^ 0xfff + oldOffset).
func pcRelPageOperand(inst arm64asm.Inst, pc uint64, idx int) Operand {
	if rel, ok := inst.Args[idx].(arm64asm.PCRel); ok {
		base := pc &^ 0xFFF
		return Operand{Kind: OperandImm, Imm: int64(base) + int64(rel)}
	}
	return Operand{Kind: OperandNone}
}

func isLiteralLoad(inst arm64asm.Inst) bool {
	for _, arg := range inst.Args {
		if _, ok := arg.(arm64asm.PCRel); ok {
			return true
		}
	}
	return false
}

func is64BitDest(inst arm64asm.Inst) bool {
	if reg, ok := inst.Args[0].(arm64asm.Reg); ok {
		return reg >= arm64asm.X0 && reg <= arm64asm.XZR
	}
	return false
}
