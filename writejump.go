package flamingo

// AArch64 encodings used by the write-jump primitive and the fixup
// writer, per spec.md §6 "Assembly emitted". Grounded on the teacher's
// asm_arm64.go constants (_B), extended with the far-stub encodings
// from original_source/src/fixups.cpp.
const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	opB = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	opBL = uint32(1<<31 | opB)

	branchImmMask = uint32(1<<26 - 1)
	// maxBranchDelta is the largest |delta| a direct B/BL can reach.
	maxBranchDelta = int64(1) << 27

	// LDR (literal) Xt, imm19 with imm19 = 8>>2 == 2, i.e. "load the
	// word pair immediately following this instruction".
	ldrX17PCPlus8 = uint32(0x58000000) | (2 << 5) | 17
	brX17         = uint32(0xD61F0000) | (17 << 5)
)

// wordWriter accepts a sequential stream of instruction words.
type wordWriter interface {
	WriteUint32(word uint32)
}

// kNormalFixupInstCount is the minimum number of leading instructions
// the fixup writer needs to preserve, per spec.md §3 invariant 5.
const kNormalFixupInstCount = 4

// WriteJump overwrites the instruction(s) at addr so that they
// transfer control to dest, per spec.md §4.4 "Write-jump-at-target
// primitive". scope must write exactly the instruction words at addr
// in order (word[i] lives at addr+4*i) and must have room for at least
// kNormalFixupInstCount words (the caller — Install/Reinstall — is
// responsible for that check; WriteJump itself checks no length).
//
// Near form (delta fits in 26 signed bits, shifted by 2): one `b`
// instruction. Far form: `LDR X17,[PC+8]; BR X17; <lo32>; <hi32>`,
// four words, using X17 (IP1 per AAPCS) as scratch.
//
// scope only needs to accept a sequence of instruction words; both
// *ProtectScope (writing into an allocated fixup region) and the
// installer's raw view of live target memory satisfy wordWriter.
func WriteJump(scope wordWriter, addr, dest uint64) error {
	delta := int64(dest) - int64(addr)

	if delta > -maxBranchDelta && delta < maxBranchDelta {
		inst := opB | (uint32(delta>>2) & branchImmMask)
		scope.WriteUint32(inst)
		return nil
	}

	scope.WriteUint32(ldrX17PCPlus8)
	scope.WriteUint32(brX17)
	scope.WriteUint32(uint32(dest))
	scope.WriteUint32(uint32(dest >> 32))
	return nil
}

// jumpWordsNeeded returns how many instruction words WriteJump will
// occupy for the given addr/dest pair, without performing the write.
// Used by the installer to validate a target has enough room before
// committing to a write.
func jumpWordsNeeded(addr, dest uint64) int {
	delta := int64(dest) - int64(addr)
	if delta > -maxBranchDelta && delta < maxBranchDelta {
		return 1
	}
	return 4
}

// requiredPrologueInsts returns the minimum instruction count a target
// must offer for hooks with the given need-orig requirement, per
// spec.md §3 invariant 5: "kNormalFixupInstCount, +1 if need_orig so a
// branch-back instruction fits in the overwrite window."
func requiredPrologueInsts(needOrig bool) int {
	if needOrig {
		return kNormalFixupInstCount + 1
	}
	return kNormalFixupInstCount
}

func errTooSmall(target TargetDescriptor, actual, needed int) error {
	return &ErrTargetTooSmall{Target: target, Actual: actual, Needed: needed}
}
