package flamingo

import (
	"fmt"
)

// kNumFixupsPerInst estimates the worst-case expansion of one source
// instruction in the fixup region: a conditional branch rewritten as
// "branch over stub, branch over stub, far stub" is 4 words, plus up
// to a 2-word data-pool entry for its literal. Sizing the fixup region
// by this factor (spec.md §4.8: "min(PageSize, method_num_insts * 4 *
// kNumFixupsPerInst)") avoids a second allocation mid-build in the
// overwhelming majority of cases; BuildFixups is still checked against
// the actual region size before anything is written.
const kNumFixupsPerInst = 6

// Install adds a hook to target, per spec.md §4.8. On the first
// Install for an address it builds the target's fixup region (if
// requested) and writes the head jump; on later installs for the same
// address it validates compatibility and finds the hook a
// priority-legal slot.
func Install(info HookInfo) (HookHandle, error) {
	if info.Target == 0 {
		return HookHandle{}, ErrTargetIsNull
	}

	if td := defaultRegistry.find(info.Target); td != nil {
		return installAdditional(td, info)
	}
	return installFirst(info)
}

func installFirst(info HookInfo) (HookHandle, error) {
	needOrig := info.Metadata.MakeFixups
	required := requiredPrologueInsts(needOrig)
	if info.Metadata.NumInsts < required {
		return HookHandle{}, errTooSmall(info.Target, info.Metadata.NumInsts, required)
	}

	targetAddr := uint64(info.Target)
	words := readTargetWords(targetAddr, info.Metadata.NumInsts)

	td := defaultRegistry.findOrCreate(info.Target)
	td.mu.Lock()
	defer td.mu.Unlock()

	td.callConv = info.Convention
	td.isMidpoint = info.Metadata.IsMidpoint
	td.numInsts = info.Metadata.NumInsts
	td.needOrig = needOrig
	td.writeProt = info.Metadata.WriteProt
	td.originalBytes = wordsToBytes(words)
	adoptTypes(td, &info)

	if needOrig {
		if err := buildFixupRegion(td, targetAddr, words); err != nil {
			defaultRegistry.remove(info.Target)
			return HookHandle{}, err
		}
	}

	origAddr := noOrigAddr
	if needOrig {
		origAddr = uintptr(td.fixupAddr)
	}
	if info.OrigPtr != nil {
		*info.OrigPtr = origAddr
	}

	elem, err := td.chain.insert(info)
	if err != nil {
		// The chain is guaranteed empty here, so this can only be a
		// final-hook self-conflict, which can't happen with a single
		// candidate; kept for symmetry with installAdditional and to
		// avoid ever silently dropping an error.
		defaultRegistry.remove(info.Target)
		return HookHandle{}, err
	}

	if err := writeHeadJump(td, elem.info.HookPtr); err != nil {
		panic(fmt.Sprintf("flamingo: fatal: unable to write head jump at target %#x: %v", targetAddr, err))
	}

	return HookHandle{target: info.Target, element: elem}, nil
}

func installAdditional(td *targetData, info HookInfo) (HookHandle, error) {
	td.mu.Lock()
	defer td.mu.Unlock()

	if err := validateMetadata(td, &info); err != nil {
		return HookHandle{}, err
	}

	elem, err := td.chain.insert(info)
	if err != nil {
		return HookHandle{}, err
	}

	if info.Metadata.NumInsts > 0 && info.Metadata.NumInsts < td.numInsts {
		td.numInsts = info.Metadata.NumInsts
	}
	adoptTypes(td, &info)

	if err := relinkChain(td); err != nil {
		panic(fmt.Sprintf("flamingo: fatal: %v", err))
	}

	return HookHandle{target: info.Target, element: elem}, nil
}

func validateMetadata(td *targetData, info *HookInfo) error {
	var errs []error
	if info.Convention != td.callConv {
		errs = append(errs, &ErrTargetMismatch{Target: td.addr, Kind: MismatchCallingConvention})
	}
	if info.Metadata.IsMidpoint != td.isMidpoint {
		errs = append(errs, &ErrTargetMismatch{Target: td.addr, Kind: MismatchMidpoint})
	}
	if err := checkTypesMatch(td, info); err != nil {
		errs = append(errs, err)
	}
	return joinMismatches(errs...)
}

// buildFixupRegion allocates a fixup region for td, runs the fixup
// writer, and writes the result through a protection scope. Failure
// here is fatal per spec.md §7 ("Page allocation or protection change
// failure", "Decoder failure on bytes that must be rewritten") except
// for the one recoverable case Install can still reject cleanly:
// BuildFixups reporting an unsupported instruction it hasn't yet
// touched target memory over, which is why decoding happens before any
// write.
func buildFixupRegion(td *targetData, targetAddr uint64, words []uint32) error {
	sizeBytes := len(words) * 4 * kNumFixupsPerInst
	if sizeBytes > pageSize() {
		sizeBytes = pageSize()
	}
	if sizeBytes < 16 {
		sizeBytes = 16
	}

	page, span, err := trampolineAllocator.Allocate(4, sizeBytes, protRX)
	if err != nil {
		panic(fmt.Sprintf("flamingo: fatal: unable to allocate fixup region: %v", err))
	}

	fixupAddr := spanAddr(span)

	out, err := BuildFixups(DefaultDecoder, targetAddr, words, fixupAddr)
	if err != nil {
		return fmt.Errorf("flamingo: cannot build fixups for target %#x: %w", targetAddr, err)
	}

	needed := len(out) * 4
	if needed > len(span) {
		panic(fmt.Sprintf("flamingo: fatal: fixup region for target %#x needs %d bytes, allocated %d", targetAddr, needed, len(span)))
	}

	scope, err := OpenProtectScope(page, span, protRX)
	if err != nil {
		panic(fmt.Sprintf("flamingo: fatal: unable to open protect scope for target %#x: %v", targetAddr, err))
	}
	for _, w := range out {
		scope.WriteUint32(w)
	}
	if err := scope.Close(); err != nil {
		panic(fmt.Sprintf("flamingo: fatal: unable to close protect scope for target %#x: %v", targetAddr, err))
	}
	cacheflush(span[:needed])

	td.page = page
	td.fixupAddr = fixupAddr
	td.fixupWords = out
	return nil
}

// relinkChain restores the linkage invariants (spec.md §4.7) across
// the entire chain: the head jump targets the first hook, each
// non-null orig_ptr points at the next hook (or, for the tail, the
// fixup region / no-orig sentinel).
func relinkChain(td *targetData) error {
	nodes := td.chain.nodes()
	if len(nodes) == 0 {
		return fmt.Errorf("invariant violated: target %#x has an empty hook chain", uintptr(td.addr))
	}

	if err := writeHeadJump(td, nodes[0].info.HookPtr); err != nil {
		return fmt.Errorf("unable to write head jump at target %#x: %w", uintptr(td.addr), err)
	}

	for i, n := range nodes {
		if n.info.OrigPtr == nil {
			continue
		}
		if i+1 < len(nodes) {
			*n.info.OrigPtr = nodes[i+1].info.HookPtr
			continue
		}
		if td.needOrig {
			*n.info.OrigPtr = uintptr(td.fixupAddr)
		} else {
			*n.info.OrigPtr = noOrigAddr
		}
	}
	return nil
}

func writeHeadJump(td *targetData, dest uintptr) error {
	targetAddr := uint64(td.addr)
	n := jumpWordsNeeded(targetAddr, uint64(dest))
	if n > td.numInsts {
		return &ErrTargetTooSmall{Target: td.addr, Actual: td.numInsts, Needed: n}
	}
	return writeAtTarget(targetAddr, n, td.writeProt, func(w *rawWordWriter) {
		if err := WriteJump(w, targetAddr, uint64(dest)); err != nil {
			panic(fmt.Sprintf("flamingo: fatal: %v", err))
		}
	})
}

// Reinstall re-derives a target's fixups and head jump from whatever
// is currently at its address, per spec.md §4.8: the published
// recovery path when a target has been overwritten externally (e.g. by
// a JIT). It does not touch inter-hook orig pointers past the head.
func Reinstall(target TargetDescriptor) (bool, error) {
	td := defaultRegistry.find(target)
	if td == nil {
		return false, nil
	}

	td.mu.Lock()
	defer td.mu.Unlock()

	targetAddr := uint64(target)
	words := readTargetWords(targetAddr, td.numInsts)
	td.originalBytes = wordsToBytes(words)

	nodes := td.chain.nodes()
	if len(nodes) == 0 {
		return false, fmt.Errorf("flamingo: fatal: invariant violated: target %#x has an empty hook chain", targetAddr)
	}

	if td.needOrig {
		if err := buildFixupRegion(td, targetAddr, words); err != nil {
			return false, err
		}
		// The fixup region moved; the tail's orig pointer must follow
		// it even though Reinstall otherwise leaves inter-hook orig
		// pointers untouched (spec.md §9 Open Question decision 2) —
		// those still point at hook functions that haven't moved, but
		// the tail's is the one link that names the fixup region
		// itself.
		if tail := nodes[len(nodes)-1]; tail.info.OrigPtr != nil {
			*tail.info.OrigPtr = uintptr(td.fixupAddr)
		}
	}

	if err := writeHeadJump(td, nodes[0].info.HookPtr); err != nil {
		panic(fmt.Sprintf("flamingo: fatal: %v", err))
	}

	return true, nil
}

// Uninstall removes exactly the hook named by handle, per spec.md
// §4.8. The bool result reports whether the target still has other
// hooks installed; the error is non-nil only when handle no longer
// names a live hook.
func Uninstall(handle HookHandle) (bool, error) {
	td := defaultRegistry.find(handle.target)
	if td == nil || handle.element == nil || handle.element.le == nil {
		return false, fmt.Errorf("flamingo: no such hook")
	}

	td.mu.Lock()
	defer td.mu.Unlock()

	nodes := td.chain.nodes()
	idx := -1
	for i, n := range nodes {
		if n == handle.element {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, fmt.Errorf("flamingo: no such hook")
	}

	if len(nodes) == 1 {
		if err := restoreOriginalBytes(td); err != nil {
			panic(fmt.Sprintf("flamingo: fatal: %v", err))
		}
		td.chain.remove(handle.element)
		defaultRegistry.remove(td.addr)
		return false, nil
	}

	td.chain.remove(handle.element)

	switch {
	case idx == 0:
		if err := writeHeadJump(td, nodes[1].info.HookPtr); err != nil {
			panic(fmt.Sprintf("flamingo: fatal: %v", err))
		}
	case idx == len(nodes)-1:
		prev := nodes[idx-1]
		if prev.info.OrigPtr != nil {
			if td.needOrig {
				*prev.info.OrigPtr = uintptr(td.fixupAddr)
			} else {
				*prev.info.OrigPtr = noOrigAddr
			}
		}
	default:
		prev, next := nodes[idx-1], nodes[idx+1]
		if prev.info.OrigPtr != nil {
			*prev.info.OrigPtr = next.info.HookPtr
		}
	}

	return true, nil
}

func restoreOriginalBytes(td *targetData) error {
	targetAddr := uint64(td.addr)
	return writeAtTarget(targetAddr, len(td.originalBytes)/4, false, func(w *rawWordWriter) {
		for i := 0; i < len(td.originalBytes); i += 4 {
			w.WriteUint32(uint32(td.originalBytes[i]) |
				uint32(td.originalBytes[i+1])<<8 |
				uint32(td.originalBytes[i+2])<<16 |
				uint32(td.originalBytes[i+3])<<24)
		}
	})
}

// OriginalInstsFor returns the bytes that were at target immediately
// before its first Install (or, after a Reinstall, the bytes Reinstall
// read from target), or nil if target isn't hooked.
func OriginalInstsFor(target TargetDescriptor) []byte {
	td := defaultRegistry.find(target)
	if td == nil {
		return nil
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	return append([]byte(nil), td.originalBytes...)
}

// MetadataFor returns target's agreed calling convention, midpoint
// flag, and instruction count, and whether target is hooked at all.
func MetadataFor(target TargetDescriptor) (conv CallingConvention, isMidpoint bool, numInsts int, ok bool) {
	td := defaultRegistry.find(target)
	if td == nil {
		return 0, false, 0, false
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.callConv, td.isMidpoint, td.numInsts, true
}

// FixupPointerFor returns the start of target's fixup region, and
// whether one has been built (it never is for a target whose first
// hook requested MakeFixups == false).
func FixupPointerFor(target TargetDescriptor) (addr uintptr, ok bool) {
	td := defaultRegistry.find(target)
	if td == nil || !td.needOrig {
		return 0, false
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	return uintptr(td.fixupAddr), true
}

// Hooks returns a read-only snapshot of target's chain in execution
// order.
func Hooks(target TargetDescriptor) []HookSnapshot {
	td := defaultRegistry.find(target)
	if td == nil {
		return nil
	}
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.chain.snapshot()
}
