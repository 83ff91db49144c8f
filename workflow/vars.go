package workflow

import "strings"

// CloneVars deep-copies a variable map. Nested map[string]any and []any
// values are copied; scalars are shared (they are immutable as far as the
// engine is concerned). Parallel branches fork their variable maps with this
// so siblings never share mutable state.
func CloneVars(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneVars(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// LookupPath resolves a dotted path ("nodes.n1.output") against a variable
// map. Intermediate segments must be map[string]any. Returns false if any
// segment is missing.
func LookupPath(m map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes a value at a dotted path, creating intermediate maps as
// needed. Existing non-map intermediates are replaced.
func SetPath(m map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}
