package audit

import (
	"reflect"
	"regexp"
)

// secretKeyPattern matches metadata keys that may carry secret material.
var secretKeyPattern = regexp.MustCompile(`(?i)access[_-]?token|refresh[_-]?token|password|secret|api[_-]?key|private[_-]?key|credential`)

const circularSentinel = "[circular]"

// Sanitize removes secret-bearing keys from metadata, recursively. Arrays
// are preserved; circular references are replaced with a sentinel.
func Sanitize(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out, _ := sanitizeValue(meta, map[uintptr]bool{}).(map[string]any)
	return out
}

func sanitizeValue(v any, seen map[uintptr]bool) any {
	switch val := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return circularSentinel
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, len(val))
		for k, inner := range val {
			if secretKeyPattern.MatchString(k) {
				continue
			}
			out[k] = sanitizeValue(inner, seen)
		}
		return out
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return circularSentinel
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner, seen)
		}
		return out
	default:
		return v
	}
}
