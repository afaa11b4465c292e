package flamingo

import (
	"fmt"
	"unsafe"
)

// Encodings for the instruction forms the fixup writer emits.
// Grounded on original_source/src/fixups.cpp's BranchImmTypeTrait and
// the ARM Architecture Reference Manual encodings named in spec.md §6.
const (
	condBranchImmMask = uint32(0x00FFFFE0) // imm19 at bits 5..23
	tbzImmMask        = uint32(0x0007FFE0) // imm14 at bits 5..18
	ldrLiteralImmMask = uint32(0x00FFFFE0) // imm19 at bits 5..23, shared shape with condBranchImmMask

	adrOpcode = uint32(0x10000000)

	blrX17 = uint32(0xD63F0000) | (17 << 5)
)

// dataPoolEntry is one word of the fixup region's literal data pool
// (spec.md §4.4 "Data pool"). alignment is 1 for a standalone 32-bit
// entry and 2 for the low word of a 64-bit pair (the high word that
// follows has alignment 1).
type dataPoolEntry struct {
	value     uint32
	alignment int
}

// litRef records an emitted `LDR reg, =literal` pseudo-instruction that
// must be patched, once the pool's final layout is known, to point at
// its data.
type litRef struct {
	outputIndex int
	dataIndex   int
}

// branchPatch is a deferred back-patch for an intra-window forward
// branch: outputIndex names the emitted instruction word to rewrite
// once its target's output offset becomes known (the target's source
// index is the pendingBranch map key, not stored here).
type branchPatch struct {
	outputIndex int
	mask        uint32
	lshift      uint32
	rshift      uint32
}

// fixupContext holds everything needed to rewrite one target's
// prologue into its fixup region (spec.md §4.4).
type fixupContext struct {
	dec Decoder

	targetAddr  uint64
	targetWords []uint32

	fixupAddr uint64
	out       []uint32

	targetToFixup []int // source index -> output index, -1 until known
	pendingBranch map[int][]branchPatch

	pool           []dataPoolEntry
	litRefs        []litRef
	poolFinalIndex []int
}

// BuildFixups transcribes the K instructions in targetWords (originally
// located at targetAddr) into a rewritten form starting at fixupAddr,
// followed by a tail call back to targetAddr+len(targetWords)*4. It
// covers near/far branch rewriting, conditional-branch-over-stub
// emission, ADR re-encoding (ADRP always goes through the data pool),
// LDR literal dereferencing, intra-window deferred branch patching, and
// the trailing data pool. An LDRSW literal load is rejected with an
// error.
//
// The returned slice is exactly the words to be written into the
// fixup region, in order; the caller (installer.go, via ProtectScope)
// is responsible for writing them and invalidating the instruction
// cache afterward.
func BuildFixups(dec Decoder, targetAddr uint64, targetWords []uint32, fixupAddr uint64) ([]uint32, error) {
	if dec == nil {
		dec = DefaultDecoder
	}

	c := &fixupContext{
		dec:           dec,
		targetAddr:    targetAddr,
		targetWords:   targetWords,
		fixupAddr:     fixupAddr,
		targetToFixup: make([]int, len(targetWords)),
		pendingBranch: make(map[int][]branchPatch),
	}
	for i := range c.targetToFixup {
		c.targetToFixup[i] = -1
	}

	for i, word := range targetWords {
		srcPC := targetAddr + uint64(i)*4

		// This source index's output offset is now known: resolve any
		// forward branches that were deferred waiting for it.
		c.targetToFixup[i] = len(c.out)
		c.resolvePending(i)

		inst, err := dec.Decode(word, srcPC)
		if err != nil {
			return nil, fmt.Errorf("flamingo: fixup: %w", err)
		}

		if err := c.emitOne(i, inst); err != nil {
			return nil, err
		}
	}

	// Tail call back to the first instruction past the overwritten
	// window.
	c.writeB(c.targetAddr + uint64(len(targetWords))*4)

	c.layoutPool()
	c.resolveLitRefs()

	return c.out, nil
}

func (c *fixupContext) pc() uint64 {
	return c.fixupAddr + uint64(len(c.out))*4
}

func (c *fixupContext) emit(word uint32) int {
	idx := len(c.out)
	c.out = append(c.out, word)
	return idx
}

// resolvePending rewrites every deferred branch waiting on source
// index i now that its output offset is known.
func (c *fixupContext) resolvePending(i int) {
	patches := c.pendingBranch[i]
	if len(patches) == 0 {
		return
	}
	delete(c.pendingBranch, i)

	targetOffset := uint64(c.targetToFixup[i])
	for _, p := range patches {
		instrPC := c.fixupAddr + uint64(p.outputIndex)*4
		delta := int64(c.fixupAddr+targetOffset*4) - int64(instrPC)
		c.out[p.outputIndex] = encodeImm(c.out[p.outputIndex], p.mask, p.lshift, p.rshift, delta)
	}
}

// intraWindowTarget reports whether addr falls inside the source
// window [targetAddr, targetAddr+len(targetWords)*4), returning the
// corresponding source index.
func (c *fixupContext) intraWindowTarget(addr uint64) (int, bool) {
	end := c.targetAddr + uint64(len(c.targetWords))*4
	if addr < c.targetAddr || addr >= end {
		return 0, false
	}
	return int(addr-c.targetAddr) / 4, true
}

// emitBranchFamily handles B, B.cond, CBZ/CBNZ, TBZ/TBNZ uniformly:
// if the destination lies inside the overwritten window, retarget to
// the corresponding rewritten instruction (resolving immediately if
// backward, deferring if forward); otherwise fall back to the normal
// external rewriting rule for that instruction shape.
//
// raw is the original instruction word with its immediate field intact
// (used as the base pattern for the near re-encode); mask/lshift/rshift
// describe where that field lives, per BranchImmTypeTrait in
// original_source/src/fixups.cpp. external is called when the target
// is outside the window; it owns whatever far-branch encoding that
// instruction shape needs, including its own field width.
func (c *fixupContext) emitBranchFamily(srcIdx int, dest uint64, raw uint32, mask, lshift, rshift uint32, external func()) {
	targetIdx, ok := c.intraWindowTarget(dest)
	if !ok {
		external()
		return
	}

	if c.targetToFixup[targetIdx] >= 0 {
		// Backward (or self) reference: resolve immediately.
		instrPC := c.pc()
		delta := int64(c.fixupAddr+uint64(c.targetToFixup[targetIdx])*4) - int64(instrPC)
		c.emit(encodeImm(raw, mask, lshift, rshift, delta))
		return
	}

	// Forward reference: emit now with a placeholder immediate and
	// come back to it once the target's output offset is known.
	// Deferring a branch never changes its instruction length, so this
	// patch site stays valid.
	idx := c.emit(raw)
	c.pendingBranch[targetIdx] = append(c.pendingBranch[targetIdx], branchPatch{
		outputIndex: idx,
		mask:        mask,
		lshift:      lshift,
		rshift:      rshift,
	})
}

func encodeImm(base, mask uint32, lshift, rshift uint32, delta int64) uint32 {
	field := (uint32(delta) >> rshift) << lshift & mask
	return (base &^ mask) | field
}

func (c *fixupContext) emitOne(srcIdx int, inst Instruction) error {
	switch inst.ID {
	case InsnB:
		dest := uint64(inst.Operands[0].Imm)
		if inst.Cond == CondInvalid {
			c.emitBranchFamily(srcIdx, dest, inst.Raw, branchImmMask, 0, 2, func() {
				c.writeB(dest)
			})
		} else {
			c.emitBranchFamily(srcIdx, dest, inst.Raw, condBranchImmMask, 5, 2, func() {
				c.writeCondBranch(inst.Raw, condBranchImmMask, 19, dest)
			})
		}

	case InsnBL:
		// BL targets outside the function being hooked essentially
		// always; still checked for symmetry with the other branch
		// forms, per spec.md §4.4's general intra-window rule.
		dest := uint64(inst.Operands[0].Imm)
		c.emitBranchFamily(srcIdx, dest, inst.Raw, branchImmMask, 0, 2, func() {
			c.writeBL(dest)
		})

	case InsnCBZ, InsnCBNZ:
		dest := uint64(inst.Operands[1].Imm)
		c.emitBranchFamily(srcIdx, dest, inst.Raw, condBranchImmMask, 5, 2, func() {
			c.writeCondBranch(inst.Raw, condBranchImmMask, 19, dest)
		})

	case InsnTBZ, InsnTBNZ:
		dest := uint64(inst.Operands[2].Imm)
		c.emitBranchFamily(srcIdx, dest, inst.Raw, tbzImmMask, 5, 2, func() {
			c.writeCondBranch(inst.Raw, tbzImmMask, 14, dest)
		})

	case InsnADR:
		reg := inst.Operands[0].Reg
		dest := uint64(inst.Operands[1].Imm)
		c.writeAdr(reg, dest)

	case InsnADRP:
		reg := inst.Operands[0].Reg
		dest := uint64(inst.Operands[1].Imm)
		c.writeAdrp(reg, dest)

	case InsnLDRLiteral:
		reg := inst.Operands[0].Reg
		addr := uint64(inst.Operands[1].Imm)
		c.writeLdrLiteral(reg, addr, inst.Is64)

	case InsnLDRSWLiteral:
		// LDRSW =lit loads a 32-bit word and sign-extends into Xt; a
		// naive 64-bit dereference would read 4 bytes past the literal
		// and never sign-extend, so this is fatal rather than
		// mis-relocated. Matches fixups.cpp's ARM64_INS_LDRSW abort.
		return fmt.Errorf("flamingo: fixup: LDRSW literal at target+%#x is unsupported", srcIdx*4)

	case InsnPRFM:
		// Prefetch literal is a hint; a stale relocated address can't
		// corrupt correctness, so it's silently skipped rather than
		// rewritten through the data pool (spec.md §4.4).

	default:
		c.emit(inst.Raw)
	}

	return nil
}

// writeB emits a direct branch if dest is reachable from the current
// output PC, otherwise a far stub. Grounded on
// original_source/src/fixups.cpp's WriteCallback.
func (c *fixupContext) writeB(dest uint64) {
	delta := int64(dest) - int64(c.pc())
	if delta > -maxBranchDelta && delta < maxBranchDelta {
		c.emit(opB | (uint32(delta>>2) & branchImmMask))
		return
	}
	c.writeLdrWithData(17, dest)
	c.emit(brX17)
}

func (c *fixupContext) writeBL(dest uint64) {
	delta := int64(dest) - int64(c.pc())
	if delta > -maxBranchDelta && delta < maxBranchDelta {
		c.emit(opBL | (uint32(delta>>2) & branchImmMask))
		return
	}
	c.writeLdrWithData(17, dest)
	c.emit(blrX17)
}

// writeCondBranch emits the near re-encode of a B.cond/CBZ/CBNZ/TBZ/TBNZ
// when dest is reachable, otherwise the "branch over stub" sequence:
// a copy of the conditional branch retargeted to skip the next
// instruction, an unconditional branch that skips the far stub
// entirely, then the far stub itself.
func (c *fixupContext) writeCondBranch(raw uint32, mask uint32, bits int, dest uint64) {
	delta := int64(dest) - int64(c.pc())
	maxDelta := (int64(1) << (bits - 1)) << 2
	if delta > -maxDelta && delta < maxDelta {
		c.emit(encodeImm(raw, mask, 5, 2, delta))
		return
	}

	// Skip forward 8 bytes (past the "b" below) into the far stub.
	c.emit(encodeImm(raw, mask, 5, 2, 8))
	// Skip forward 12 bytes (past LDR;BR) when the condition is false.
	c.emit(opB | (uint32(12>>2) & branchImmMask))
	c.writeLdrWithData(17, dest)
	c.emit(brX17)
}

// writeAdr re-encodes ADR directly if dest is within +-1 MiB of the
// emission point, otherwise falls back to the data pool.
func (c *fixupContext) writeAdr(reg uint8, dest uint64) {
	delta := int64(dest) - int64(c.pc())
	const adrRange = int64(1) << 20
	if delta > -adrRange && delta < adrRange {
		immlo := uint32(delta) & 3
		immhi := (uint32(delta) >> 2) & 0x7FFFF
		c.emit(adrOpcode | (immlo << 29) | (immhi << 5) | uint32(reg&0x1f))
		return
	}
	c.writeLdrWithData(reg, dest)
}

// writeAdrp always falls through to the data pool form. The "close
// ADRP" optimization (re-encoding ADRP directly when the rewritten
// page offset still fits) is intentionally left unimplemented; see
// DESIGN.md, Open Question 3.
//
//	// Missed optimization: when |page(dst_pc) - page(dest)| < 4GiB,
//	// ADRP could be re-encoded directly instead of promoted to a
//	// pool load. The reference implementation this was ported from
//	// disabled this path after observing it mis-encode in practice.
func (c *fixupContext) writeAdrp(reg uint8, dest uint64) {
	c.writeLdrWithData(reg, dest)
}

// writeLdrLiteral dereferences the live literal at addr and places the
// loaded value in the data pool, per spec.md §4.4: "emit LDR xd,
// =*literal". A 32-bit source load zero-extends into value, matching
// the architectural zero-extend a "LDR Wt" performs into Xt, so both
// widths are safe to relocate through the same 64-bit pool entry.
func (c *fixupContext) writeLdrLiteral(reg uint8, addr uint64, is64 bool) {
	if is64 {
		c.writeLdrWithData(reg, readMem64(addr))
	} else {
		c.writeLdrWithData(reg, uint64(readMem32(addr)))
	}
}

// writeLdrWithData emits a 64-bit `LDR xd, =value` and appends value to
// the data pool as a full 8-byte entry, recording a litRef to patch
// once the pool's layout is known. Every caller relocates through the
// 64-bit form and a matching 8-byte literal, even ADR/ADRP/branch
// targets and 32-bit literal loads (zero-extended per Go doc comment
// above), so the emitted load and its literal's size never disagree.
// Grounded on original_source/src/fixups.cpp's WriteLdrWithData, which
// keeps the same invariant.
func (c *fixupContext) writeLdrWithData(reg uint8, value uint64) {
	ldrIdx := c.emit(uint32(0x58000000) | uint32(reg&0x1f))
	dataIdx := len(c.pool)
	c.pool = append(c.pool,
		dataPoolEntry{value: uint32(value), alignment: 2},
		dataPoolEntry{value: uint32(value >> 32), alignment: 1},
	)
	c.litRefs = append(c.litRefs, litRef{outputIndex: ldrIdx, dataIndex: dataIdx})
}

// layoutPool appends the data pool to the instruction stream,
// inserting a zero-word of padding wherever an entry needs 2-word
// alignment and isn't already aligned.
func (c *fixupContext) layoutPool() {
	// finalIndex[i] tracks, per pool entry, its eventual index within
	// c.out once padding is inserted.
	finalIndex := make([]int, len(c.pool))
	for i, entry := range c.pool {
		if entry.alignment == 2 && len(c.out)%2 != 0 {
			c.out = append(c.out, 0)
		}
		finalIndex[i] = len(c.out)
		c.out = append(c.out, entry.value)
	}
	c.poolFinalIndex = finalIndex
}

// resolveLitRefs patches every LDR reg,=value pseudo-instruction with
// its literal's now-known PC-relative offset.
func (c *fixupContext) resolveLitRefs() {
	for _, ref := range c.litRefs {
		instrPC := c.fixupAddr + uint64(ref.outputIndex)*4
		litAddr := c.fixupAddr + uint64(c.poolFinalIndex[ref.dataIndex])*4
		delta := int64(litAddr) - int64(instrPC)
		c.out[ref.outputIndex] = encodeImm(c.out[ref.outputIndex], ldrLiteralImmMask, 5, 2, delta)
	}
}

func readMem32(addr uint64) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(addr)))
}

func readMem64(addr uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(addr)))
}
