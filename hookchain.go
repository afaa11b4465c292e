package flamingo

import "container/list"

// hookElement is one installed hook inside a target's chain. It is the
// concrete type behind HookHandle.element; its address is the handle's
// identity and never changes across reorderings, only its position
// within the chain's list.List does.
type hookElement struct {
	info HookInfo
	le   *list.Element
}

// hookChain orders the hooks installed on a single target, honoring
// each hook's Priority constraints (spec.md §4.6). It's built on
// container/list, per spec.md §9's Design Notes: reordering a chain
// happens far more often than iterating it end to end, and a
// doubly-linked list gives every hookElement a stable identity across
// arbitrary MoveBefore/MoveAfter-style reshuffling, which a slice would
// only offer by index (and indexes shift on every insert/remove).
type hookChain struct {
	l *list.List
}

func newHookChain() *hookChain {
	return &hookChain{l: list.New()}
}

func (c *hookChain) len() int { return c.l.Len() }

func (c *hookChain) nodes() []*hookElement {
	out := make([]*hookElement, 0, c.l.Len())
	for e := c.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*hookElement))
	}
	return out
}

// Front returns the first hook to run, or nil if the chain is empty.
func (c *hookChain) Front() *hookElement {
	if e := c.l.Front(); e != nil {
		return e.Value.(*hookElement)
	}
	return nil
}

// insert places info into the chain honoring priority constraints
// against every hook already present. On success it returns the new
// hookElement and commits the reordering; on failure (a cycle, or a
// conflict with an IsFinal hook) it returns an error and the chain is
// left exactly as it was, per spec.md §9 Open Question decision 4.
func (c *hookChain) insert(info HookInfo) (*hookElement, error) {
	newElem := &hookElement{info: info}

	order, err := computeInsertOrder(c.nodes(), newElem)
	if err != nil {
		return nil, err
	}

	c.l.Init()
	for _, n := range order {
		n.le = c.l.PushBack(n)
	}
	return newElem, nil
}

// remove takes elem out of the chain. It is idempotent: removing an
// already-removed element is a no-op.
func (c *hookChain) remove(elem *hookElement) {
	if elem.le == nil {
		return
	}
	c.l.Remove(elem.le)
	elem.le = nil
}

// snapshot returns a read-only view of the chain in execution order.
func (c *hookChain) snapshot() []HookSnapshot {
	out := make([]HookSnapshot, 0, c.l.Len())
	for e := c.l.Front(); e != nil; e = e.Next() {
		he := e.Value.(*hookElement)
		var orig uintptr
		if he.info.OrigPtr != nil {
			orig = *he.info.OrigPtr
		}
		out = append(out, HookSnapshot{HookPtr: he.info.HookPtr, OrigPtr: orig, Name: he.info.Name})
	}
	return out
}
