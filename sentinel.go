package flamingo

import "reflect"

// noOrigSentinel is the address written into a hook's OrigPtr when no
// trampoline exists to call (spec.md invariant 4: a hook installed
// with Metadata.MakeFixups == false, or the innermost hook in a chain
// with no fixup region, must never be handed a garbage or null
// "original" pointer to call through).
//
// It's a real, callable, //go:noinline function rather than a null or
// sentinel integer so that a hook author who ignores MakeFixups and
// calls OrigPtr anyway gets a controlled panic with a stack pointing
// straight at this function, instead of a wild jump.
//
//go:noinline
func noOrigSentinel() {
	panic("flamingo: called the original of a hook installed with MakeFixups == false")
}

// noOrigAddr is resolved once, the same way the teacher takes a
// runtime address for an arbitrary Go func value (redefine.go's
// reflect.ValueOf(fn).Pointer()).
var noOrigAddr = reflect.ValueOf(noOrigSentinel).Pointer()
