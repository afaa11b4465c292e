package flamingo

import (
	"sort"
	"sync"
)

// targetData is everything flamingo tracks about one hooked address:
// its agreed prologue shape, the saved original bytes, its fixup
// region (if one was built), and the chain of installed hooks
// (spec.md §4.5, §4.8).
type targetData struct {
	mu sync.Mutex

	addr TargetDescriptor

	// Agreed-upon shape, set by the first successful Install and
	// checked against every later one (spec.md §4.8 validation).
	// numInsts is lowered to any smaller count a later hook supplies,
	// and returnType/params are taken from the first hook that
	// supplies them.
	callConv   CallingConvention
	isMidpoint bool
	numInsts   int
	returnType *TypeInfo
	params     []TypeInfo

	needOrig bool

	originalBytes []byte // the untouched bytes Install overwrote
	writeProt     bool   // spec.md §4.8: leave the target page writable rather than setting it read-execute

	page       *allocatedPage
	fixupAddr  uint64
	fixupWords []uint32

	chain *hookChain
}

// registry is the process-wide, address-ordered set of hooked targets.
// It's kept sorted (rather than a plain map) so a future range query —
// "every target between two addresses", useful for module-unload
// cleanup — is a binary search away instead of a full scan; no example
// in the corpus carries an ordered-map library keyed on a numeric
// address range (the pack's one ordered-map dependency is
// insertion-ordered, not key-ordered, and unwired in its own repo), so
// this stays a mutex-guarded slice searched with sort.Search, the
// direct idiomatic-Go answer for a small, dynamically-changing key set.
type registry struct {
	mu   sync.Mutex
	data []*targetData
}

var defaultRegistry = &registry{}

func (r *registry) search(addr TargetDescriptor) int {
	return sort.Search(len(r.data), func(i int) bool {
		return r.data[i].addr >= addr
	})
}

// find returns the targetData for addr, or nil.
func (r *registry) find(addr TargetDescriptor) *targetData {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.search(addr)
	if i < len(r.data) && r.data[i].addr == addr {
		return r.data[i]
	}
	return nil
}

// findOrCreate returns the targetData for addr, creating and inserting
// an empty one (with a fresh chain) if this is the first hook on it.
func (r *registry) findOrCreate(addr TargetDescriptor) *targetData {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.search(addr)
	if i < len(r.data) && r.data[i].addr == addr {
		return r.data[i]
	}

	td := &targetData{addr: addr, chain: newHookChain()}
	r.data = append(r.data, nil)
	copy(r.data[i+1:], r.data[i:])
	r.data[i] = td
	return td
}

// remove drops addr from the registry. Called once a target's chain
// becomes empty (spec.md §4.8: full uninstall tears the target down).
func (r *registry) remove(addr TargetDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.search(addr)
	if i < len(r.data) && r.data[i].addr == addr {
		r.data = append(r.data[:i], r.data[i+1:]...)
	}
}
