//go:build arm64

package flamingo

import "unsafe"

/*
static void cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

// cacheflush invalidates the instruction cache over buf. Called at the
// end of every fixup emission and every head-jump rewrite (spec.md
// §4.4 "Icache", §5).
func cacheflush(buf []byte) {
	start := unsafe.Pointer(unsafe.SliceData(buf))
	end := unsafe.Pointer(uintptr(len(buf)) + uintptr(start))
	C.cacheflush((*C.char)(start), (*C.char)(end))
}
