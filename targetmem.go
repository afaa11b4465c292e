package flamingo

import (
	"encoding/binary"
	"unsafe"
)

// targetWordsView returns a byte slice aliasing exactly n instruction
// words of live process memory starting at addr. The caller owns
// synchronizing access to it; flamingo itself is documented
// single-threaded (spec.md §5).
func targetWordsView(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n*4)
}

// readTargetWords copies n little-endian instruction words out of live
// memory at addr, without altering its protection.
func readTargetWords(addr uint64, n int) []uint32 {
	buf := targetWordsView(addr, n)
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out
}

// spanAddr returns the address of a byte slice returned by the page
// allocator, for use as a fixup region's base address.
func spanAddr(span []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(span))))
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// rawWordWriter is the wordWriter used to rewrite the live head-jump at
// a target address: unlike a fixup region, target memory doesn't come
// from the page allocator, so it can't use a ProtectScope (which
// unprotects an allocatedPage); mprotectRange is called directly on
// the caller's aliased view instead.
type rawWordWriter struct {
	buf    []byte
	offset int
}

func (w *rawWordWriter) WriteUint32(word uint32) {
	if w.offset+4 > len(w.buf) {
		panic("flamingo: fatal: write past end of target overwrite window")
	}
	binary.LittleEndian.PutUint32(w.buf[w.offset:], word)
	w.offset += 4
}

// writeAtTarget promotes the n words at addr to writable, writes them
// via write, and invalidates the instruction cache over the range. Used
// both for the head-jump (spec.md §4.4 "Write-jump-at-target primitive")
// and for restoring original_instructions on uninstall. When
// keepWritable is false the page's protection is set to read-execute
// afterward; when true (InstallMetadata.WriteProt, spec.md
// §4.8) it's left temporarily-writable-turned-permanent, matching the
// original implementation's "also mark the page where the target is as
// writable" install-time request.
func writeAtTarget(addr uint64, n int, keepWritable bool, write func(w *rawWordWriter)) error {
	buf := targetWordsView(addr, n)

	if err := mprotectRange(buf, protRWX); err != nil {
		return err
	}

	w := &rawWordWriter{buf: buf}
	write(w)

	if !keepWritable {
		if err := mprotectRange(buf, protRX); err != nil {
			return err
		}
	}
	cacheflush(buf)
	return nil
}
