//go:build linux || android

package flamingo

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	protRX  = unix.PROT_READ | unix.PROT_EXEC
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// pageSize returns the runtime page size. The page allocator (§4.2)
// never hands out a span larger than this.
func pageSize() int {
	return unix.Getpagesize()
}

// mmapPage acquires a single fresh, page-aligned anonymous mapping
// with the requested protection. Grounded on the teacher's mmap
// helper (syscalls_unix.go), rounded to exactly one page since the
// page allocator only ever asks for one page at a time, and ported
// from syscall to golang.org/x/sys/unix the way the teacher already
// does for its Windows and FreeBSD variants.
func mmapPage(prot int) ([]byte, error) {
	size := pageSize()
	return unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// mprotectRange changes the protection of the pages backing buf.
// Grounded on the teacher's mprotect (syscalls_unix.go / mprotect_linux.go),
// generalized to operate on an arbitrary byte range instead of a
// single function's code.
func mprotectRange(buf []byte, flags int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	ps := pageSize()

	// Round address down to page boundary.
	pageStart := addr - (addr % uintptr(ps))

	offsetWithinPage := int(addr - pageStart)
	totalBytes := offsetWithinPage + len(buf)

	regionSize := (totalBytes + ps - 1) / ps * ps

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)

	return unix.Mprotect(region, flags)
}
