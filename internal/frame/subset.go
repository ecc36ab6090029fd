package frame

import "reflect"

// IsSubset reports whether every key of sub is present in super with an
// equal value. Nested objects recurse; arrays compare by value. Values
// are expected to be JSON-shaped (maps, slices, numbers, strings, bools,
// nil), but typed Go numbers from hand-built filters are normalized so
// that int64(5) matches the float64(5) produced by json.Unmarshal.
func IsSubset(sub, super map[string]any) bool {
	for k, want := range sub {
		got, ok := super[k]
		if !ok {
			return false
		}
		if !equalValue(want, got) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		// Subset semantics recurse into nested objects.
		return ok && IsSubset(am, bm)
	}
	if as, ok := asSlice(a); ok {
		bs, ok := asSlice(b)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !equalValue(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []int64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
