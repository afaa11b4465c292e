package flamingo

import "strings"

// computeInsertOrder decides where a new hook belongs among the hooks
// already installed on a target, per spec.md §4.6. It is pure: existing
// is read-only and newElem isn't linked into anything until the caller
// commits the returned order, so a failed insert never needs to undo
// partial state.
//
// Two paths exist, mirroring the two the reference design distinguishes:
// a cheap linear scan when the new hook carries no ordering constraints
// and nothing already installed constrains it either, and a full
// topological sort (Kahn's algorithm) otherwise.
func computeInsertOrder(existing []*hookElement, newElem *hookElement) ([]*hookElement, error) {
	if newElem.info.Priority.IsFinal {
		// §4.6's final-hook rule is a flat prohibition, not an
		// ordering constraint: two IsFinal hooks can't both be "last",
		// and the topological sort below has no edge to express that
		// (an IsFinal node has no outgoing final-rule edges to
		// another IsFinal node, so nothing would ever detect this as
		// a cycle).
		for _, e := range existing {
			if e.info.Priority.IsFinal {
				return nil, &ErrBadPriorities{
					Target: newElem.info.Target,
					Detail: "a final hook (" + e.info.Name.Name + ") is already installed on this target",
				}
			}
		}
	}

	if canUseLinearScan(existing, newElem) {
		return linearScanInsert(existing, newElem), nil
	}
	return topoSortInsert(existing, newElem)
}

// canUseLinearScan reports whether newElem can be positioned without
// building a dependency graph: it must have no Befores/Afters of its
// own, must not be IsFinal, and nothing already in the chain may name
// it in one of their own Befores/Afters (an existing hook could still
// require running before or after a hook that hasn't been installed
// yet).
func canUseLinearScan(existing []*hookElement, newElem *hookElement) bool {
	if newElem.info.Priority.IsFinal {
		return false
	}
	if len(newElem.info.Priority.Befores) > 0 || len(newElem.info.Priority.Afters) > 0 {
		return false
	}
	for _, e := range existing {
		for _, f := range e.info.Priority.Befores {
			if f.Matches(newElem.info.Name) {
				return false
			}
		}
		for _, f := range e.info.Priority.Afters {
			if f.Matches(newElem.info.Name) {
				return false
			}
		}
	}
	return true
}

// linearScanInsert places newElem at the head of the chain: "insert
// before the first hook H such that none of incoming's afters match
// H" degenerates to exactly this when incoming has no afters at all,
// which is canUseLinearScan's precondition. This is also §4.6's fast
// path, "newest-wins ordering" — an unconstrained hook always runs
// before every hook installed so far. It's still always valid with
// respect to any existing IsFinal hook, since IsFinal only requires
// being last, never first.
func linearScanInsert(existing []*hookElement, newElem *hookElement) []*hookElement {
	out := make([]*hookElement, 0, len(existing)+1)
	out = append(out, newElem)
	out = append(out, existing...)
	return out
}

// topoSortInsert builds a dependency graph over every hook (existing
// plus the incoming one) and runs Kahn's algorithm to find a valid
// order. Edges:
//
//   - a Before filter matching hook B on hook A means A must run before B.
//   - an After filter matching hook B on hook A means A must run after B
//     (i.e. B before A).
//   - every non-final hook must run before every IsFinal hook (the
//     final-hook placement rule).
//
// Ties are broken by list order, with the incoming hook placed first:
// spec.md §4.6 point 4 is "insert incoming at the front, then run a
// stable topological sort", so an unconstrained tie between the
// incoming hook and an existing one must still resolve newest-wins,
// exactly like the linear-scan fast path does.
func topoSortInsert(existing []*hookElement, newElem *hookElement) ([]*hookElement, error) {
	nodes := make([]*hookElement, 0, len(existing)+1)
	nodes = append(nodes, newElem)
	nodes = append(nodes, existing...)

	adj := make(map[*hookElement]map[*hookElement]bool, len(nodes))
	indegree := make(map[*hookElement]int, len(nodes))
	for _, n := range nodes {
		adj[n] = make(map[*hookElement]bool)
		indegree[n] = 0
	}

	addEdge := func(from, to *hookElement) {
		if from == to || adj[from][to] {
			return
		}
		adj[from][to] = true
		indegree[to]++
	}

	for _, a := range nodes {
		for _, f := range a.info.Priority.Befores {
			for _, b := range nodes {
				if b != a && f.Matches(b.info.Name) {
					addEdge(a, b)
				}
			}
		}
		for _, f := range a.info.Priority.Afters {
			for _, b := range nodes {
				if b != a && f.Matches(b.info.Name) {
					addEdge(b, a)
				}
			}
		}
	}
	for _, a := range nodes {
		if a.info.Priority.IsFinal {
			continue
		}
		for _, f := range nodes {
			if f.info.Priority.IsFinal {
				addEdge(a, f)
			}
		}
	}

	order := make([]*hookElement, 0, len(nodes))
	remaining := append([]*hookElement(nil), nodes...)
	for len(remaining) > 0 {
		idx := -1
		for i, n := range remaining {
			if indegree[n] == 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			names := make([]string, len(remaining))
			for i, n := range remaining {
				names[i] = n.info.Name.Name
			}
			return nil, &ErrBadPriorities{
				Target: newElem.info.Target,
				Detail: "priority constraints form a cycle among: " + strings.Join(names, ", "),
			}
		}
		n := remaining[idx]
		order = append(order, n)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		for to := range adj[n] {
			indegree[to]--
		}
	}
	return order, nil
}
