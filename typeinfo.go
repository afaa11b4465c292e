package flamingo

// checkTypesMatch compares a new hook's declared Return/Params against
// a target's already-agreed shape, reporting every differing slot
// rather than stopping at the first, in the spirit of the teacher's
// funcdiff.go (which does the same for two reflect.Type function
// shapes, joined into one error via errors.Join). Here TypeInfo is
// deliberately smaller: spec.md §3 collapses references to pointer
// width, so all that's ever compared is a size (Name is carried but
// not compared).
//
// Either side lacking type info entirely is not a mismatch: spec.md
// treats type info as optional per-install metadata, only checked when
// both sides provide it.
func checkTypesMatch(target *targetData, hook *HookInfo) error {
	var mismatches []error

	if target.returnType != nil && hook.Return != nil {
		if !typesEqual(*target.returnType, *hook.Return) {
			mismatches = append(mismatches, &ErrTargetMismatch{Target: target.addr, Kind: MismatchReturn})
		}
	}

	if len(target.params) > 0 && len(hook.Params) > 0 {
		if len(target.params) != len(hook.Params) {
			mismatches = append(mismatches, &ErrTargetMismatch{Target: target.addr, Kind: MismatchParamCount})
		} else {
			for i := range target.params {
				if !typesEqual(target.params[i], hook.Params[i]) {
					mismatches = append(mismatches, &ErrTargetMismatch{Target: target.addr, Kind: MismatchParam, Index: i})
				}
			}
		}
	}

	return joinMismatches(mismatches...)
}

func typesEqual(a, b TypeInfo) bool {
	return a.SizeBytes == b.SizeBytes
}

// adoptTypes records hook's Return/Params on target if it's the first
// hook to supply them; later hooks are checked against, not merged
// into, whatever was recorded first.
func adoptTypes(target *targetData, hook *HookInfo) {
	if target.returnType == nil && hook.Return != nil {
		rt := *hook.Return
		target.returnType = &rt
	}
	if target.params == nil && hook.Params != nil {
		target.params = append([]TypeInfo(nil), hook.Params...)
	}
}
