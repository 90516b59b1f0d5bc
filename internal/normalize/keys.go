package normalize

import (
	"encoding/json"
	"strings"
	"unicode"
)

// enrichmentKey is the one metadata key allowed to carry nested values.
const enrichmentKey = "enrichment"

// camelize rewrites every object key in v from snake/kebab case to camelCase.
func camelize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[camelKey(k)] = camelize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = camelize(val)
		}
		return out
	default:
		return v
	}
}

// camelKey upper-cases any letter preceded by '-' or '_' and drops the
// separator. Separators not followed by a letter are kept.
func camelKey(k string) string {
	if !strings.ContainsAny(k, "-_") {
		return k
	}
	runes := []rune(k)
	var b strings.Builder
	b.Grow(len(k))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if (r == '-' || r == '_') && i+1 < len(runes) && isASCIILetter(runes[i+1]) {
			b.WriteRune(unicode.ToUpper(runes[i+1]))
			i++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// cleanMetadata keeps first-level scalars and scalar arrays. Nested
// objects are dropped, except under the enrichment key.
func cleanMetadata(v any) map[string]any {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		if k == enrichmentKey {
			out[k] = val
			continue
		}
		switch t := val.(type) {
		case []any:
			elems := make([]any, len(t))
			for i, el := range t {
				if isScalar(el) {
					elems[i] = el
				}
			}
			out[k] = elems
		default:
			if isScalar(t) {
				out[k] = t
			}
		}
	}
	return out
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, json.Number, float64, int, int64:
		return true
	}
	return false
}
