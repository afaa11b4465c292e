//go:build arm64

package flamingo

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const nopWord = uint32(0xD503201F)

// newTargetPage mmaps a fresh page, fills it with NOPs, and returns its
// address as a live "target" a hook can be installed on. Unlike the
// fixup region (which the page allocator owns), this page stands in for
// someone else's already-executing code, exactly the shape Install
// expects to find at a real target address.
func newTargetPage(t *testing.T) uint64 {
	t.Helper()
	buf, err := mmapPage(protRWX)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(buf) })

	for i := 0; i+4 <= len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], nopWord)
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

func hookFnA() {}
func hookFnB() {}

// wantJumpWords returns the words WriteJump would produce for a branch
// from addr to dest, independent of whether Install chose the near or
// far form.
func wantJumpWords(addr, dest uint64) []uint32 {
	delta := int64(dest) - int64(addr)
	if delta > -maxBranchDelta && delta < maxBranchDelta {
		return []uint32{opB | (uint32(delta>>2) & branchImmMask)}
	}
	return []uint32{ldrX17PCPlus8, brX17, uint32(dest), uint32(dest >> 32)}
}

func TestInstallSingleHookRoundTrip(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	addr := newTargetPage(t)
	target := TargetDescriptor(addr)
	hookAddr := reflect.ValueOf(hookFnA).Pointer()

	var origPtr uintptr
	handle, err := Install(HookInfo{
		Target:   target,
		HookPtr:  hookAddr,
		OrigPtr:  &origPtr,
		Metadata: InstallMetadata{MakeFixups: true, NumInsts: kNormalFixupInstCount + 1},
	})
	require.NoError(err)

	fixupAddr, ok := FixupPointerFor(target)
	require.True(ok)
	assert.EqualValues(fixupAddr, origPtr)

	want := wantJumpWords(addr, uint64(hookAddr))
	got := readTargetWords(addr, len(want))
	assert.Equal(want, got)

	origBytes := OriginalInstsFor(target)
	require.Len(origBytes, (kNormalFixupInstCount+1)*4)
	for i := 0; i < len(origBytes); i += 4 {
		assert.Equal(nopWord, binary.LittleEndian.Uint32(origBytes[i:]))
	}

	remain, err := Uninstall(handle)
	require.NoError(err)
	assert.False(remain)

	restored := readTargetWords(addr, kNormalFixupInstCount+1)
	for _, w := range restored {
		assert.Equal(nopWord, w)
	}

	_, ok = FixupPointerFor(target)
	assert.False(ok, "the target must be fully evicted from the registry once its last hook is gone")
}

func TestInstallChainOrderingAndPartialUninstall(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	addr := newTargetPage(t)
	target := TargetDescriptor(addr)
	hookA := reflect.ValueOf(hookFnA).Pointer()
	hookB := reflect.ValueOf(hookFnB).Pointer()

	var origA, origB uintptr
	handleA, err := Install(HookInfo{
		Target:   target,
		HookPtr:  hookA,
		OrigPtr:  &origA,
		Name:     NameInfo{Name: "first"},
		Metadata: InstallMetadata{MakeFixups: true, NumInsts: kNormalFixupInstCount + 1},
	})
	require.NoError(err)

	handleB, err := Install(HookInfo{
		Target:   target,
		HookPtr:  hookB,
		OrigPtr:  &origB,
		Name:     NameInfo{Name: "second"},
		Metadata: InstallMetadata{MakeFixups: true, NumInsts: kNormalFixupInstCount + 1},
	})
	require.NoError(err)

	// Unconstrained installs are newest-wins: B, installed second, leads.
	snaps := Hooks(target)
	require.Len(snaps, 2)
	assert.Equal(hookB, snaps[0].HookPtr)
	assert.Equal(hookA, snaps[1].HookPtr)

	assert.EqualValues(hookA, origB, "the head hook's orig pointer must chain to the next hook")
	fixupAddr, ok := FixupPointerFor(target)
	require.True(ok)
	assert.EqualValues(fixupAddr, origA, "the tail hook's orig pointer must name the fixup region")

	want := wantJumpWords(addr, uint64(hookB))
	got := readTargetWords(addr, len(want))
	assert.Equal(want, got, "the head jump must target the newest (head) hook")

	remain, err := Uninstall(handleB)
	require.NoError(err)
	assert.True(remain)

	want = wantJumpWords(addr, uint64(hookA))
	got = readTargetWords(addr, len(want))
	assert.Equal(want, got, "removing the head hook must retarget the head jump at the new head")

	remain, err = Uninstall(handleA)
	require.NoError(err)
	assert.False(remain)

	restored := readTargetWords(addr, kNormalFixupInstCount+1)
	for _, w := range restored {
		assert.Equal(nopWord, w)
	}
}

func TestInstallTargetTooSmall(t *testing.T) {
	assert := assert.New(t)

	addr := newTargetPage(t)
	target := TargetDescriptor(addr)
	hookAddr := reflect.ValueOf(hookFnA).Pointer()

	_, err := Install(HookInfo{
		Target:   target,
		HookPtr:  hookAddr,
		Metadata: InstallMetadata{MakeFixups: true, NumInsts: kNormalFixupInstCount},
	})
	var tooSmall *ErrTargetTooSmall
	assert.True(errors.As(err, &tooSmall), "need_orig with exactly kNormalFixupInstCount must fail, since a branch-back needs one more instruction")
}

func TestInstallWithoutFixupsUsesSentinel(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	addr := newTargetPage(t)
	target := TargetDescriptor(addr)
	hookAddr := reflect.ValueOf(hookFnA).Pointer()

	var origPtr uintptr = 0xdeadbeef
	handle, err := Install(HookInfo{
		Target:   target,
		HookPtr:  hookAddr,
		OrigPtr:  &origPtr,
		Metadata: InstallMetadata{MakeFixups: false, NumInsts: kNormalFixupInstCount},
	})
	require.NoError(err)

	assert.Equal(noOrigAddr, origPtr)

	_, ok := FixupPointerFor(target)
	assert.False(ok, "a hook that never requested fixups must not report a fixup region")

	_, err = Uninstall(handle)
	require.NoError(err)
}

func TestInstallNullTarget(t *testing.T) {
	assert := assert.New(t)
	_, err := Install(HookInfo{Target: 0, HookPtr: reflect.ValueOf(hookFnA).Pointer()})
	assert.ErrorIs(err, ErrTargetIsNull)
}

// TestReinstallPreservesInterHookOrigPointers locks in spec.md §9 Open
// Question decision 2: Reinstall never rewrites an orig pointer between
// two live hooks, only the head jump and the tail's fixup pointer,
// since the fixup region (unlike a hook function) moves on every
// rebuild.
func TestReinstallPreservesInterHookOrigPointers(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	addr := newTargetPage(t)
	target := TargetDescriptor(addr)
	hookA := reflect.ValueOf(hookFnA).Pointer()
	hookB := reflect.ValueOf(hookFnB).Pointer()

	var origA, origB uintptr
	handleA, err := Install(HookInfo{
		Target:   target,
		HookPtr:  hookA,
		OrigPtr:  &origA,
		Metadata: InstallMetadata{MakeFixups: true, NumInsts: kNormalFixupInstCount + 1},
	})
	require.NoError(err)
	handleB, err := Install(HookInfo{
		Target:   target,
		HookPtr:  hookB,
		OrigPtr:  &origB,
		Metadata: InstallMetadata{MakeFixups: true, NumInsts: kNormalFixupInstCount + 1},
	})
	require.NoError(err)

	require.EqualValues(hookA, origB, "head's orig pointer must chain to the tail hook before Reinstall")

	reinstalled, err := Reinstall(target)
	require.NoError(err)
	assert.True(reinstalled)

	assert.EqualValues(hookA, origB, "Reinstall must not touch an orig pointer between two live hooks")

	newFixupAddr, ok := FixupPointerFor(target)
	require.True(ok)
	assert.EqualValues(newFixupAddr, origA, "the tail's orig pointer must follow the fixup region to its new address")

	want := wantJumpWords(addr, uint64(hookB))
	got := readTargetWords(addr, len(want))
	assert.Equal(want, got, "the head jump must still target the head hook after Reinstall")

	_, err = Uninstall(handleB)
	require.NoError(err)
	_, err = Uninstall(handleA)
	require.NoError(err)
}
