package flamingo

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDecoder maps specific raw words to a pre-built Instruction, so
// fixupwriter tests can exercise BuildFixups' control flow (branch
// deferral, far-stub promotion, data-pool layout) without depending on
// real AArch64 encodings for every operand shape. Anything not in the
// map decodes as a plain, verbatim InsnOther word — exactly what
// arm64Decoder would do for an instruction the fixup writer doesn't
// special-case.
type fakeDecoder struct {
	m map[uint32]Instruction
}

func (f fakeDecoder) Decode(word uint32, pc uint64) (Instruction, error) {
	if inst, ok := f.m[word]; ok {
		inst.Raw = word
		if inst.Cond == 0 {
			inst.Cond = CondInvalid
		}
		return inst, nil
	}
	return Instruction{ID: InsnOther, Cond: CondInvalid, Raw: word}, nil
}

func ldrLiteralOpcode(reg uint8) uint32 {
	return uint32(0x58000000) | uint32(reg&0x1f)
}

// TestBuildFixups_FarRewrite_NoPCRelative is scenario 1: a prologue
// with no PC-relative instructions still needs its tail call rewritten
// into a far stub when the fixup region lands far from the target.
func TestBuildFixups_FarRewrite_NoPCRelative(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	// STR; STP; STP; STP (little-endian words from
	// "f7 0f 1c f8 f6 57 01 a9 f4 4f 02 a9 fd 7b 03 a9"), none of which
	// the decoder needs to special-case.
	words := []uint32{0xF81C0FF7, 0xA90157F6, 0xA9024FF4, 0xA9037BFD}

	targetAddr := uint64(0x1000)
	fixupAddr := targetAddr + 0x10000000 // far enough that the tail call can't reach directly

	out, err := BuildFixups(fakeDecoder{}, targetAddr, words, fixupAddr)
	require.NoError(err)
	require.Len(out, 8)

	assert.Equal(words, out[:4], "the four non-PC-relative instructions must transcribe verbatim")

	tailDest := targetAddr + uint64(len(words))*4
	assert.Equal(ldrX17PCPlus8, out[4], "far tail call opens with LDR X17,[PC+8]")
	assert.Equal(brX17, out[5])
	assert.Equal(uint32(tailDest), out[6])
	assert.Equal(uint32(tailDest>>32), out[7])
}

// TestBuildFixups_ForwardTBNZAndFarBL is scenario 2: a forward
// intra-window TBNZ retargeted to a near re-encode, and two BL calls
// outside the window promoted to far stubs, with their literals landing
// in the data pool in encounter order.
func TestBuildFixups_ForwardTBNZAndFarBL(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const (
		wordTBNZ = uint32(0xAAAA0001)
		wordMOV1 = uint32(0xAAAA0002)
		wordBL1  = uint32(0xAAAA0003)
		wordMOV2 = uint32(0xAAAA0004)
		wordBL2  = uint32(0xAAAA0005)
	)

	targetAddr := uint64(0x2000)
	fixupAddr := targetAddr + 0x10000000

	tbnzDest := targetAddr + 2*4 // two instructions forward: the first BL
	blDest1 := targetAddr + 0x20000000
	blDest2 := targetAddr + 0x30000000

	dec := fakeDecoder{m: map[uint32]Instruction{
		wordTBNZ: {
			ID: InsnTBNZ,
			Operands: []Operand{
				{Kind: OperandReg, Reg: 8},
				{Kind: OperandBit, Imm: 0},
				{Kind: OperandImm, Imm: int64(tbnzDest)},
			},
		},
		wordBL1: {ID: InsnBL, Operands: []Operand{{Kind: OperandImm, Imm: int64(blDest1)}}},
		wordBL2: {ID: InsnBL, Operands: []Operand{{Kind: OperandImm, Imm: int64(blDest2)}}},
	}}

	words := []uint32{wordTBNZ, wordMOV1, wordBL1, wordMOV2, wordBL2}
	out, err := BuildFixups(dec, targetAddr, words, fixupAddr)
	require.NoError(err)
	require.Len(out, 16)

	wantTBNZ := encodeImm(wordTBNZ, tbzImmMask, 5, 2, 8)
	assert.Equal(wantTBNZ, out[0], "TBNZ must be re-encoded near, retargeted at the rewritten instruction two slots ahead")
	assert.Equal(wordMOV1, out[1])
	assert.Equal(ldrLiteralOpcode(17), out[2]&^ldrLiteralImmMask, "BL1's far stub opens with an LDR X17 literal load")
	assert.Equal(blrX17, out[3])
	assert.Equal(wordMOV2, out[4])
	assert.Equal(ldrLiteralOpcode(17), out[5]&^ldrLiteralImmMask, "BL2's far stub opens with an LDR X17 literal load")
	assert.Equal(blrX17, out[6])
	assert.Equal(ldrLiteralOpcode(17), out[7]&^ldrLiteralImmMask, "the tail call is also far, given fixupAddr's distance from targetAddr")
	assert.Equal(brX17, out[8])

	assert.Equal(uint32(0), out[9], "8-byte-aligned pool entries pad to an even word boundary first")
	assert.Equal(uint32(blDest1), out[10])
	assert.Equal(uint32(blDest1>>32), out[11])
	assert.Equal(uint32(blDest2), out[12])
	assert.Equal(uint32(blDest2>>32), out[13])

	tailDest := targetAddr + uint64(len(words))*4
	assert.Equal(uint32(tailDest), out[14], "the tail literal follows both BL literals, in encounter order")
	assert.Equal(uint32(tailDest>>32), out[15])
}

// TestBuildFixups_ADRP_AlwaysUsesDataPool locks in Open Question 3's
// decision: ADRP is always promoted to a data-pool load, even when a
// direct re-encode would plausibly reach, because the "close ADRP"
// optimization is the one the source disabled after observing
// mis-encodes.
func TestBuildFixups_ADRP_AlwaysUsesDataPool(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const wordADRP = uint32(0xBBBB0009)
	targetAddr := uint64(0x4000)
	fixupAddr := uint64(0x4000) // deliberately adjacent: a near re-encode would easily reach
	dest := fixupAddr + 0x1000  // well within any plausible near-ADRP range

	dec := fakeDecoder{m: map[uint32]Instruction{
		wordADRP: {ID: InsnADRP, Operands: []Operand{
			{Kind: OperandReg, Reg: 9},
			{Kind: OperandImm, Imm: int64(dest)},
		}},
	}}

	out, err := BuildFixups(dec, targetAddr, []uint32{wordADRP}, fixupAddr)
	require.NoError(err)
	require.GreaterOrEqual(len(out), 2)

	assert.Equal(ldrLiteralOpcode(9), out[0]&^ldrLiteralImmMask, "ADRP must always promote to an LDR X9 literal load")
}

// TestBuildFixups_ADR_NearAndFar covers both of ADR's paths: a direct
// re-encode when the destination is within range, and a fall back to
// the data pool when it isn't.
func TestBuildFixups_ADR_NearAndFar(t *testing.T) {
	const wordADR = uint32(0xCCCC0007)

	t.Run("near", func(t *testing.T) {
		require := require.New(t)
		assert := assert.New(t)

		targetAddr := uint64(0x5000)
		fixupAddr := uint64(0x9000)
		dest := fixupAddr + 0x100 // well within +-1 MiB

		dec := fakeDecoder{m: map[uint32]Instruction{
			wordADR: {ID: InsnADR, Operands: []Operand{
				{Kind: OperandReg, Reg: 3},
				{Kind: OperandImm, Imm: int64(dest)},
			}},
		}}

		out, err := BuildFixups(dec, targetAddr, []uint32{wordADR}, fixupAddr)
		require.NoError(err)
		require.NotEmpty(out)

		delta := int64(dest) - int64(fixupAddr)
		immlo := uint32(delta) & 3
		immhi := (uint32(delta) >> 2) & 0x7FFFF
		want := adrOpcode | (immlo << 29) | (immhi << 5) | uint32(3)
		assert.Equal(want, out[0], "a reachable ADR must be re-encoded directly, not pooled")
	})

	t.Run("far", func(t *testing.T) {
		require := require.New(t)
		assert := assert.New(t)

		targetAddr := uint64(0x5000)
		fixupAddr := uint64(0x9000)
		dest := fixupAddr + (1 << 21) // 2 MiB away, outside ADR's +-1 MiB range

		dec := fakeDecoder{m: map[uint32]Instruction{
			wordADR: {ID: InsnADR, Operands: []Operand{
				{Kind: OperandReg, Reg: 3},
				{Kind: OperandImm, Imm: int64(dest)},
			}},
		}}

		out, err := BuildFixups(dec, targetAddr, []uint32{wordADR}, fixupAddr)
		require.NoError(err)
		require.NotEmpty(out)

		assert.Equal(ldrLiteralOpcode(3), out[0]&^ldrLiteralImmMask, "an out-of-range ADR must fall back to the data pool")
	})
}

// TestBuildFixups_DecodeErrorPropagates confirms a failing Decoder
// aborts the whole rewrite rather than silently transcribing a
// corrupted instruction.
func TestBuildFixups_DecodeErrorPropagates(t *testing.T) {
	assert := assert.New(t)

	dec := failingDecoder{}
	_, err := BuildFixups(dec, 0x1000, []uint32{0xdeadbeef}, 0x2000)
	assert.Error(err)
}

type failingDecoder struct{}

func (failingDecoder) Decode(word uint32, pc uint64) (Instruction, error) {
	return Instruction{}, assert.AnError
}

var ldrLiteralTestSrc32 = uint32(0xCAFEF00D)

// TestBuildFixups_LDRLiteral32BitZeroExtends dereferences a live 32-bit
// literal through BuildFixups and checks that the relocated load is the
// 64-bit form over a full 8-byte pool entry whose high word is zero,
// not a 32-bit load over a 4-byte entry (which would read 4 bytes past
// the intended literal).
func TestBuildFixups_LDRLiteral32BitZeroExtends(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const wordLDR = uint32(0xDDDD0011)
	srcAddr := uint64(uintptr(unsafe.Pointer(&ldrLiteralTestSrc32)))

	targetAddr := uint64(0x6000)
	fixupAddr := uint64(0x6000)

	dec := fakeDecoder{m: map[uint32]Instruction{
		wordLDR: {ID: InsnLDRLiteral, Is64: false, Operands: []Operand{
			{Kind: OperandReg, Reg: 5},
			{Kind: OperandImm, Imm: int64(srcAddr)},
		}},
	}}

	out, err := BuildFixups(dec, targetAddr, []uint32{wordLDR}, fixupAddr)
	require.NoError(err)
	require.GreaterOrEqual(len(out), 3)

	assert.Equal(uint32(0x58000000)|uint32(5), out[0]&^ldrLiteralImmMask, "a 32-bit literal load must relocate through the 64-bit LDR form")

	poolStart := len(out) - 2
	assert.Equal(ldrLiteralTestSrc32, out[poolStart], "the pool's low word must hold the dereferenced 32-bit value")
	assert.Equal(uint32(0), out[poolStart+1], "the pool's high word must be zero, matching LDR Wt's implicit zero-extend into Xt")
}

// TestBuildFixups_LDRSWLiteralIsFatal confirms LDRSW =literal aborts the
// whole rewrite instead of being relocated through the 64-bit
// zero-extending pool form, which would read past the literal and drop
// its sign extension.
func TestBuildFixups_LDRSWLiteralIsFatal(t *testing.T) {
	assert := assert.New(t)

	const wordLDRSW = uint32(0xEEEE0013)

	dec := fakeDecoder{m: map[uint32]Instruction{
		wordLDRSW: {ID: InsnLDRSWLiteral, Operands: []Operand{
			{Kind: OperandReg, Reg: 5},
			{Kind: OperandImm, Imm: 0x7000},
		}},
	}}

	_, err := BuildFixups(dec, 0x7000, []uint32{wordLDRSW}, 0x8000)
	assert.Error(err)
}

// TestBuildFixups_PRFMIsSkipped confirms a prefetch literal is dropped
// from the rewritten stream entirely rather than transcribed with a
// now-stale PC-relative offset.
func TestBuildFixups_PRFMIsSkipped(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const wordPRFM = uint32(0xFFFF0017)
	const wordMOV = uint32(0xFFFF0018)

	dec := fakeDecoder{m: map[uint32]Instruction{
		wordPRFM: {ID: InsnPRFM},
	}}

	out, err := BuildFixups(dec, 0x9000, []uint32{wordPRFM, wordMOV}, 0x9000)
	require.NoError(err)
	require.NotEmpty(out)

	assert.NotContains(out, wordPRFM, "PRFM must not appear anywhere in the rewritten stream")
	assert.Equal(wordMOV, out[0], "PRFM contributes no output word, so the next instruction shifts into its slot")
}
