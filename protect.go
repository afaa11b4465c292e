package flamingo

import "fmt"

// ProtectScope temporarily promotes a page to writable for the
// duration of a sequential write sequence, restoring the original
// protection on Close. It implements spec.md §4.3.
//
// Grounded on the teacher's allocator.BeginMutate/EndMutate pair
// (clone.go), turned into an explicit RAII-style value instead of a
// package-global toggle, since flamingo may hold several fixup regions
// (and their pages) open across nested Install/Reinstall calls.
type ProtectScope struct {
	page   *allocatedPage
	steady int
	buf    []byte
	offset int
	moved  bool
}

// OpenProtectScope promotes page (and any other allocation sharing it)
// to read-write-execute, remembering steadyState as the protection to
// restore on Close.
func OpenProtectScope(page *allocatedPage, buf []byte, steadyState int) (*ProtectScope, error) {
	if err := page.beginMutate(); err != nil {
		return nil, fmt.Errorf("flamingo: unable to open protect scope: %w", err)
	}
	return &ProtectScope{page: page, steady: steadyState, buf: buf}, nil
}

// Write appends n bytes at the current offset and advances it. Writes
// through a scope must be sequential (spec.md §4.3); an attempt to
// write past the end of buf is fatal, matching the "overflow is fatal"
// requirement.
func (s *ProtectScope) Write(p []byte) {
	if s.moved {
		panic("flamingo: fatal: write through a moved-from ProtectScope")
	}
	if s.offset+len(p) > len(s.buf) {
		panic("flamingo: fatal: write past end of protected region")
	}
	copy(s.buf[s.offset:], p)
	s.offset += len(p)
}

// WriteUint32 writes one little-endian instruction word.
func (s *ProtectScope) WriteUint32(word uint32) {
	s.Write([]byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)})
}

// Close restores the page's steady-state protection. A ProtectScope
// that has been moved from (see Move) must not re-protect the page a
// second time.
func (s *ProtectScope) Close() error {
	if s.moved {
		return nil
	}
	s.moved = true
	return s.page.endMutate(s.steady)
}

// Move transfers ownership of the underlying page protection to a new
// scope value, leaving the receiver inert. Used when a scope must
// outlive the stack frame that opened it (e.g. handed to a caller that
// finishes the write sequence later).
func (s *ProtectScope) Move() *ProtectScope {
	moved := *s
	s.moved = true
	return &moved
}
