package query

import "reflect"

// ReplaceEqualDeep merges next into prev while keeping as many previous
// references as possible: any subtree of next that is deeply equal to
// the corresponding subtree of prev is replaced by the previous value.
// When the whole value is equal, prev itself is returned, so unchanged
// refetches produce an identical result and observers stay quiet.
// JSON-shaped data (map[string]any and []any) is merged recursively;
// other types swap wholesale on deep equality.
func ReplaceEqualDeep(prev, next any) any {
	if sameRef(prev, next) {
		return prev
	}
	if prev == nil || next == nil {
		return next
	}

	switch nextVal := next.(type) {
	case map[string]any:
		prevVal, ok := prev.(map[string]any)
		if !ok {
			return next
		}
		out := make(map[string]any, len(nextVal))
		equal := len(prevVal) == len(nextVal)
		for k, nchild := range nextVal {
			pchild, had := prevVal[k]
			if !had {
				out[k] = nchild
				equal = false
				continue
			}
			merged := ReplaceEqualDeep(pchild, nchild)
			out[k] = merged
			if !sameRef(merged, pchild) {
				equal = false
			}
		}
		if equal {
			return prev
		}
		return out
	case []any:
		prevVal, ok := prev.([]any)
		if !ok {
			return next
		}
		out := make([]any, len(nextVal))
		equal := len(prevVal) == len(nextVal)
		for i, nchild := range nextVal {
			if i >= len(prevVal) {
				out[i] = nchild
				continue
			}
			merged := ReplaceEqualDeep(prevVal[i], nchild)
			out[i] = merged
			if !sameRef(merged, prevVal[i]) {
				equal = false
			}
		}
		if equal {
			return prev
		}
		return out
	}

	if reflect.DeepEqual(prev, next) {
		return prev
	}
	return next
}

// sameRef reports whether a and b are the same value without walking
// them: identity for reference kinds, == for comparable scalars. It is
// the change test observers use on result fields, where structural
// sharing has already collapsed equal-but-distinct values.
func sameRef(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	case reflect.Map:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		return ra.Len() == rb.Len() && (ra.Len() == 0 || ra.Pointer() == rb.Pointer())
	}
	if ra.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
