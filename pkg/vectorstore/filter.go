package vectorstore

import (
	"fmt"
	"strings"
)

// Filter constrains search candidates by metadata. Keys are dotted paths
// into the chunk's metadata; values match by equality, array membership,
// or comparator objects ({"$gt": 3, "$lte": 9} — all supplied comparators
// must hold).
type Filter map[string]any

// comparator keys recognized inside an operator object.
const (
	opGT  = "$gt"
	opGTE = "$gte"
	opLT  = "$lt"
	opLTE = "$lte"
	opNE  = "$ne"
)

// Matches reports whether metadata satisfies every condition in the filter.
// A chunk with no metadata never matches a non-empty filter.
func (f Filter) Matches(metadata map[string]any) bool {
	if len(f) == 0 {
		return true
	}
	if len(metadata) == 0 {
		return false
	}
	for path, cond := range f {
		value, ok := lookupPath(metadata, path)
		if !ok {
			return false
		}
		if !matchValue(value, cond) {
			return false
		}
	}
	return true
}

// lookupPath resolves a dotted path through nested string-keyed maps.
func lookupPath(metadata map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = metadata
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchValue(candidate, cond any) bool {
	// Operator object: every supplied comparator must hold.
	if ops, ok := cond.(map[string]any); ok && isOperatorObject(ops) {
		for op, bound := range ops {
			if !compare(candidate, op, bound) {
				return false
			}
		}
		return true
	}

	// Filter value is an array: candidate must be contained, or overlap if
	// the candidate is itself an array.
	if wanted, ok := toSlice(cond); ok {
		if candidates, ok := toSlice(candidate); ok {
			for _, c := range candidates {
				for _, w := range wanted {
					if equal(c, w) {
						return true
					}
				}
			}
			return false
		}
		for _, w := range wanted {
			if equal(candidate, w) {
				return true
			}
		}
		return false
	}

	return equal(candidate, cond)
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		switch k {
		case opGT, opGTE, opLT, opLTE, opNE:
		default:
			return false
		}
	}
	return true
}

func compare(candidate any, op string, bound any) bool {
	if op == opNE {
		return !equal(candidate, bound)
	}
	c, okC := toFloat(candidate)
	b, okB := toFloat(bound)
	if !okC || !okB {
		return false
	}
	switch op {
	case opGT:
		return c > b
	case opGTE:
		return c >= b
	case opLT:
		return c < b
	case opLTE:
		return c <= b
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	return nil, false
}
