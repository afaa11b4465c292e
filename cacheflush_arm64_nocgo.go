//go:build arm64 && !cgo

package flamingo

// arm64 requires a C compiler to flush the instruction cache after
// writing a fixup region or a head jump. Install a C compiler and
// build with CGO_ENABLED=1.
func cacheflush(buf []byte) {
	arm64_requires_cgo_for_instruction_cache_flushing()
}

// Intentionally left without a body: linking a CGO_ENABLED=0 arm64
// build fails here instead of silently producing code with a stale
// icache.
func arm64_requires_cgo_for_instruction_cache_flushing()
