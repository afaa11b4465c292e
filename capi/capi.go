// Package capi mirrors the opaque-handle, constructor-then-consume
// shape of original_source/shared/capi.h, translating each call
// directly onto github.com/pboyd/flamingo's operations.
//
// It carries no allocation/ownership semantics of its own beyond
// normal Go garbage collection: the C ABI's "construct, then hand off
// to exactly one consuming call, which frees" contract only matters
// once a package like this is compiled with -buildmode=c-shared and
// exported via //export, which is out of scope here. This package
// exists so that shape is preserved for whoever eventually does that.
package capi

import (
	"unsafe"

	"github.com/pboyd/flamingo"
)

// NameHandle, PriorityHandle, InstallMetadataHandle and TypeInfoHandle
// stand in for capi.h's opaque pointer-sized handles. Each wraps
// exactly the flamingo value it names.
type (
	NameHandle            struct{ v flamingo.NameInfo }
	PriorityHandle        struct{ v flamingo.Priority }
	InstallMetadataHandle struct{ v flamingo.InstallMetadata }
	TypeInfoHandle        struct{ v flamingo.TypeInfo }
	HookHandle            struct{ v flamingo.HookHandle }
)

// MakeName builds a NameHandle from a name and namespace.
func MakeName(name, namespace string) *NameHandle {
	return &NameHandle{v: flamingo.NameInfo{Name: name, Namespace: namespace}}
}

// MakePriority builds a PriorityHandle from before/after name filters
// and the is-final flag.
func MakePriority(befores, afters []flamingo.NameFilter, isFinal bool) *PriorityHandle {
	return &PriorityHandle{v: flamingo.Priority{Befores: befores, Afters: afters, IsFinal: isFinal}}
}

// MakeInstallMetadata builds an InstallMetadataHandle.
func MakeInstallMetadata(makeFixups, isMidpoint, writeProt bool, numInsts int) *InstallMetadataHandle {
	return &InstallMetadataHandle{v: flamingo.InstallMetadata{
		MakeFixups: makeFixups,
		IsMidpoint: isMidpoint,
		WriteProt:  writeProt,
		NumInsts:   numInsts,
	}}
}

// MakeTypeInfo builds a TypeInfoHandle.
func MakeTypeInfo(name string, sizeBytes int) *TypeInfoHandle {
	return &TypeInfoHandle{v: flamingo.TypeInfo{Name: name, SizeBytes: sizeBytes}}
}

// InstallResult mirrors capi.h's FlamingoInstallationResult: either a
// live handle or a formattable error, never both.
type InstallResult struct {
	Handle *HookHandle
	Err    error
}

// InstallHook installs hookFn on target under name, using the default
// calling convention (Cdecl) and no priority constraints.
func InstallHook(hookFn, target uintptr, origPP *uintptr, name *NameHandle, metadata *InstallMetadataHandle) InstallResult {
	return installHookFull(hookFn, target, origPP, flamingo.Priority{}, flamingo.CallingConvention(0), name, metadata, nil, nil)
}

// InstallHookNoName installs hookFn without a name (both fields empty,
// so it can never be targeted by another hook's priority filters).
func InstallHookNoName(hookFn, target uintptr, origPP *uintptr, metadata *InstallMetadataHandle) InstallResult {
	return installHookFull(hookFn, target, origPP, flamingo.Priority{}, flamingo.CallingConvention(0), nil, metadata, nil, nil)
}

// InstallHookFull is the fully general install, matching capi.h's
// install_hook_full. When ret/params are non-nil, this is the
// "_checked" variant: the target's return/parameter shape is validated
// against every other hook already installed there.
func InstallHookFull(hookFn, target uintptr, origPP *uintptr, convention flamingo.CallingConvention, name *NameHandle, priority *PriorityHandle, metadata *InstallMetadataHandle, ret *TypeInfoHandle, params []TypeInfoHandle) InstallResult {
	var prio flamingo.Priority
	if priority != nil {
		prio = priority.v
	}
	return installHookFull(hookFn, target, origPP, prio, convention, name, metadata, ret, params)
}

func installHookFull(hookFn, target uintptr, origPP *uintptr, prio flamingo.Priority, convention flamingo.CallingConvention, name *NameHandle, metadata *InstallMetadataHandle, ret *TypeInfoHandle, params []TypeInfoHandle) InstallResult {
	info := flamingo.HookInfo{
		Target:     flamingo.TargetDescriptor(target),
		HookPtr:    hookFn,
		OrigPtr:    origPP,
		Priority:   prio,
		Convention: convention,
	}
	if name != nil {
		info.Name = name.v
	}
	if metadata != nil {
		info.Metadata = metadata.v
	}
	if ret != nil {
		rt := ret.v
		info.Return = &rt
	}
	if len(params) > 0 {
		info.Params = make([]flamingo.TypeInfo, len(params))
		for i, p := range params {
			info.Params[i] = p.v
		}
	}

	handle, err := flamingo.Install(info)
	if err != nil {
		return InstallResult{Err: err}
	}
	return InstallResult{Handle: &HookHandle{v: handle}}
}

// OrigResult mirrors orig_for's { hook_size, original_instructions_ptr }
// pair. HookSize is 0 and Ptr aliases addr itself when addr isn't the
// start of a hooked region.
type OrigResult struct {
	HookSize int
	Ptr      unsafe.Pointer
}

// OrigFor returns the original instruction bytes at addr, if any.
func OrigFor(addr uintptr) OrigResult {
	bytes := flamingo.OriginalInstsFor(flamingo.TargetDescriptor(addr))
	if len(bytes) == 0 {
		return OrigResult{HookSize: 0, Ptr: unsafe.Pointer(addr)}
	}
	return OrigResult{HookSize: len(bytes), Ptr: unsafe.Pointer(&bytes[0])}
}

// ReinstallResult mirrors reinstall_hook's { success, any_hooks_reinstalled | error_data }.
type ReinstallResult struct {
	Success             bool
	AnyHooksReinstalled bool
	Err                 error
}

// ReinstallHook re-derives target's fixups and head jump.
func ReinstallHook(target uintptr) ReinstallResult {
	reinstalled, err := flamingo.Reinstall(flamingo.TargetDescriptor(target))
	if err != nil {
		return ReinstallResult{Success: false, Err: err}
	}
	return ReinstallResult{Success: true, AnyHooksReinstalled: reinstalled}
}

// UninstallResult mirrors uninstall_hook's { success, any_hooks_remain | remap_failure }.
type UninstallResult struct {
	Success       bool
	AnyHooksRemain bool
	Err           error
}

// UninstallHook removes exactly the hook named by handle.
func UninstallHook(handle *HookHandle) UninstallResult {
	if handle == nil {
		return UninstallResult{Success: false, Err: errNoSuchHook}
	}
	remain, err := flamingo.Uninstall(handle.v)
	if err != nil {
		return UninstallResult{Success: false, Err: err}
	}
	return UninstallResult{Success: true, AnyHooksRemain: remain}
}

// FormatError writes err's diagnostic message and "consumes" it — in
// this Go translation that just means callers shouldn't format the
// same error twice, mirroring capi.h's ownership note without an
// actual free.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// GetHookCount returns the number of hooks installed on target.
func GetHookCount(target uintptr) int {
	return len(flamingo.Hooks(flamingo.TargetDescriptor(target)))
}

// GetHooks returns a snapshot of every hook installed on target, in
// execution order. There is no separate FreeHooksArray: the slice is
// ordinary garbage-collected memory.
func GetHooks(target uintptr) []flamingo.HookSnapshot {
	return flamingo.Hooks(flamingo.TargetDescriptor(target))
}

var errNoSuchHook = flamingoError("capi: nil hook handle")

type flamingoError string

func (e flamingoError) Error() string { return string(e) }
