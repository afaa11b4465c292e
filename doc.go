// Package flamingo hooks AArch64 functions at runtime.
//
// Given the address of an already-loaded function, Install diverts
// execution to a user-supplied hook function and, optionally, builds a
// trampoline ("orig") that reproduces the semantics of the overwritten
// prologue so the hook can call the rest of the chain, or the original
// function itself.
//
// Multiple hooks may be stacked on the same target address; their
// execution order is controlled with Priority (before/after name and
// namespace constraints), and any individual hook can be removed with
// Uninstall without disturbing the others.
//
// Limitations:
//   - AArch64 only, no x86/x64 support.
//   - Not safe for concurrent installation on the same target; callers
//     must serialize Install/Reinstall/Uninstall themselves.
//   - Uninstalled trampoline memory is never reclaimed.
//   - Control flow that jumps into the middle of an overwritten
//     prologue from code other than the trampoline is not supported.
package flamingo
