package flamingo

// TargetDescriptor identifies a hooked function by its entry address.
// Addresses must be word-aligned (4-byte AArch64 instructions).
type TargetDescriptor uintptr

// CallingConvention describes how a hooked function receives arguments.
// All hooks installed on the same target must agree.
type CallingConvention int

const (
	Cdecl CallingConvention = iota
	Fastcall
	Thiscall
)

func (c CallingConvention) String() string {
	switch c {
	case Cdecl:
		return "cdecl"
	case Fastcall:
		return "fastcall"
	case Thiscall:
		return "thiscall"
	default:
		return "unknown"
	}
}

// NameInfo names a hook for priority matching and diagnostics.
type NameInfo struct {
	Name      string
	Namespace string
}

// NameFilter matches hooks by name or namespace equality. See
// NameFilter.Matches for the exact (non-wildcard) semantics.
type NameFilter struct {
	Name      string
	Namespace string
}

// Matches reports whether filter matches the given hook name.
//
// The rule, preserved from the original implementation, is "name OR
// namespace equality": an empty Name or Namespace field on the filter
// does not act as a wildcard, it simply never matches, not even a hook
// whose corresponding field is also empty. Callers that
// expect an empty field to mean "any" will be surprised; this is a
// deliberate open question resolved in favor of the source's literal
// behavior. See DESIGN.md, Open Question 1.
func (f NameFilter) Matches(n NameInfo) bool {
	if f.Name != "" && f.Name == n.Name {
		return true
	}
	if f.Namespace != "" && f.Namespace == n.Namespace {
		return true
	}
	return false
}

// Priority describes ordering constraints for a hook relative to other
// hooks already installed (or later installed) on the same target.
type Priority struct {
	Befores []NameFilter
	Afters  []NameFilter
	IsFinal bool
}

// TypeInfo records a parameter or return type's footprint, for
// mismatch checking across multiple installs on the same target.
// References are expected to be pre-collapsed to pointer width by the
// caller; void return types use SizeBytes == 0.
type TypeInfo struct {
	Name      string
	SizeBytes int
}

// InstallMetadata carries per-install hints. These are treated as
// requirements by this implementation, even though the original C++
// documented them only as hints.
type InstallMetadata struct {
	// MakeFixups requests that a trampoline be built for the target.
	// Only the first hook installed on a target decides this; later
	// hooks' MakeFixups is ignored. When no trampoline is built, the
	// last hook in the chain has its OrigPtr set to the no-orig
	// sentinel.
	MakeFixups bool
	// IsMidpoint marks a hook installed mid-function rather than at
	// entry. Must agree across all hooks on a target.
	IsMidpoint bool
	// WriteProt requests that the target's own page stay writable after
	// the head jump is written, rather than being set to read-execute;
	// see writeAtTarget's keepWritable parameter.
	WriteProt bool
	// NumInsts is the number of leading instructions at the target
	// the caller has verified are safe to overwrite. The target's
	// agreed count (targetData.numInsts) is the smallest nonzero
	// NumInsts of any hook installed on it.
	NumInsts int
}

// HookInfo describes a hook to install. OrigPtr, when non-nil, is
// populated by Install/Reinstall with the address the hook should call
// to continue the chain (the next hook, or the trampoline, or the
// no-orig sentinel).
type HookInfo struct {
	Target     TargetDescriptor
	HookPtr    uintptr
	OrigPtr    *uintptr
	Name       NameInfo
	Priority   Priority
	Convention CallingConvention
	Metadata   InstallMetadata

	// Return and Params are optional; when present on more than one
	// hook for the same target, their sizes must match (see
	// typeinfo.go).
	Return *TypeInfo
	Params []TypeInfo
}

// HookHandle names exactly one hook in exactly one chain. It stays
// valid across other insertions/removals on the same target, and is
// invalidated once its target is fully uninstalled.
type HookHandle struct {
	target  TargetDescriptor
	element *hookElement
}

// Target returns the target address this handle's hook is installed on.
func (h HookHandle) Target() TargetDescriptor {
	return h.target
}

// HookSnapshot is a read-only view of one hook in a chain, returned by
// enumeration queries.
type HookSnapshot struct {
	HookPtr uintptr
	OrigPtr uintptr
	Name    NameInfo
}
