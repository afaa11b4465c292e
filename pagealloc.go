package flamingo

import (
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

// pageSpan is a span inside exactly one page returned by pageAllocator.
type pageSpan struct {
	page  *allocatedPage
	bytes []byte
}

// allocatedPage tracks one mmap'd region and how much of it has been
// handed out. Pages are never freed, matching spec.md §4.2's "pages
// are never freed" and the teacher's cloneAllocator posture of never
// releasing mmap'd memory back to the OS.
type allocatedPage struct {
	arena    *malloc.Arena
	protect  func(int) error
	prot     int
	usedSize int
	size     int
}

// pageAllocator hands out aligned, executable spans for trampolines
// (spec.md §4.2). One bucket of pages is kept per protection value so
// that r-x pages are never mixed with the transient r-w-x pages used
// while a fixup region is being written.
type pageAllocator struct {
	mu    sync.Mutex
	pages map[int][]*allocatedPage
}

var trampolineAllocator = &pageAllocator{
	pages: make(map[int][]*allocatedPage),
}

// Allocate returns a zero-filled span of size bytes, aligned to
// alignment (a power of two smaller than the page size), backed by a
// page with the requested protection. It walks existing pages with
// matching protection first, bump-allocating from usedSize rounded up
// to alignment; if none fit, it acquires a fresh page.
//
// Failure to obtain or protect a page is fatal, per spec.md §7 ("Fatal
// conditions"): this mirrors the teacher's own posture in clone.go,
// where an allocator error is only ever wrapped and returned up to a
// public API, never silently swallowed, but the caller here can offer
// no degraded mode for an executable-memory failure, so this call
// panics rather than returning error like clone.go's Allocate does.
func (p *pageAllocator) Allocate(alignment, size, protection int) (*allocatedPage, []byte, error) {
	if size <= 0 || size > pageSize() {
		return nil, nil, fmt.Errorf("flamingo: page allocation size %d exceeds page size", size)
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, nil, fmt.Errorf("flamingo: page allocation alignment %d is not a power of two", alignment)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, page := range p.pages[protection] {
		if span, ok := page.bump(alignment, size); ok {
			return page, span, nil
		}
	}

	page, err := newAllocatedPage(protection)
	if err != nil {
		panic(fmt.Sprintf("flamingo: fatal: unable to allocate executable page: %v", err))
	}
	p.pages[protection] = append(p.pages[protection], page)

	span, ok := page.bump(alignment, size)
	if !ok {
		panic("flamingo: fatal: freshly allocated page cannot satisfy its own allocation request")
	}
	return page, span, nil
}

func newAllocatedPage(protection int) (*allocatedPage, error) {
	backend := malloc.MmapBackend(protRWX, 0)
	arena := malloc.NewArena(uint64(pageSize()), malloc.Backend(backend))
	if arena == nil {
		return nil, fmt.Errorf("flamingo: unable to initialize page arena")
	}

	page := &allocatedPage{
		arena: arena,
		size:  pageSize(),
		prot:  protRWX,
	}

	if protBE, ok := backend.(malloc.ProtectedArenaBackend); ok {
		page.protect = protBE.Protect
	} else {
		page.protect = func(int) error { return nil }
	}

	// Pages start out writable (RWX) so the fixup writer can populate
	// them; drop to the caller's requested steady-state protection
	// immediately, matching spec.md §4.2's "set the requested
	// protection once".
	if protection != protRWX {
		if err := page.protect(protection); err != nil {
			return nil, fmt.Errorf("flamingo: unable to set page protection: %w", err)
		}
		page.prot = protection
	}

	return page, nil
}

// bump hands out size bytes aligned to alignment. malloc.MallocSlice
// itself has no notion of alignment, so alignment is enforced here by
// discarding whatever padding is needed to bring the arena's own bump
// cursor (tracked in lockstep by page.usedSize, since this page's arena
// has no other caller) up to the next aligned offset before the real
// request; the page's own backing mmap is at least page-aligned, so
// aligning the offset from its base aligns the returned address too.
func (page *allocatedPage) bump(alignment, size int) ([]byte, bool) {
	padding := (alignment - page.usedSize%alignment) % alignment
	if page.usedSize+padding+size > page.size {
		return nil, false
	}

	if padding > 0 {
		if _, err := malloc.MallocSlice[byte](page.arena, padding); err != nil {
			return nil, false
		}
		page.usedSize += padding
	}

	buf, err := malloc.MallocSlice[byte](page.arena, size)
	if err != nil {
		return nil, false
	}
	page.usedSize += size
	return buf, true
}

// beginMutate temporarily promotes a page back to writable so a fixup
// region on it can be populated or repaired. Grounded on clone.go's
// allocator.BeginMutate/EndMutate pair.
func (page *allocatedPage) beginMutate() error {
	if page.prot == protRWX {
		return nil
	}
	if err := page.protect(protRWX); err != nil {
		return err
	}
	page.prot = protRWX
	return nil
}

func (page *allocatedPage) endMutate(steadyState int) error {
	if page.prot == steadyState {
		return nil
	}
	if err := page.protect(steadyState); err != nil {
		return err
	}
	page.prot = steadyState
	return nil
}
