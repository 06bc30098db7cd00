package gateway

import (
	"encoding/json"

	"odmflush/internal/document"
	"odmflush/internal/schema"
	pkgstrings "odmflush/pkg/platform/strings"
)

// NullKey is the key a non-sparse index records for a body that lacks the field.
const NullKey = "null"

// Keys returns the unique keys body occupies in idx. Arrays along the path fan
// out so every embedded element contributes its own key; repeated keys inside
// one body collapse. A body without the field occupies no key when the index
// is sparse and NullKey otherwise.
func Keys(body document.Document, idx schema.Index) []string {
	values, found := collect(map[string]any(body), document.Split(idx.Path))
	if !found {
		if idx.Sparse {
			return nil
		}
		return []string{NullKey}
	}
	keys := make([]string, 0, len(values))
	for _, v := range values {
		keys = append(keys, EncodeKey(v))
	}
	return pkgstrings.Dedupe(keys)
}

// EncodeKey renders a field value as an index key.
func EncodeKey(v any) string {
	b, err := json.Marshal(document.Normalize(v))
	if err != nil {
		return NullKey
	}
	return string(b)
}

func collect(v any, segs []string) ([]any, bool) {
	if len(segs) == 0 {
		if list, ok := v.([]any); ok {
			return list, len(list) > 0
		}
		return []any{v}, true
	}
	switch node := v.(type) {
	case map[string]any:
		child, ok := node[segs[0]]
		if !ok {
			return nil, false
		}
		return collect(child, segs[1:])
	case document.Document:
		return collect(map[string]any(node), segs)
	case []any:
		var out []any
		found := false
		for _, elem := range node {
			vals, ok := collect(elem, segs)
			if ok {
				found = true
				out = append(out, vals...)
			}
		}
		return out, found
	default:
		return nil, false
	}
}

// Occupancy maps each unique key a body holds, per index name.
func Occupancy(body document.Document, indexes []schema.Index) map[string][]string {
	out := make(map[string][]string, len(indexes))
	for _, idx := range indexes {
		if keys := Keys(body, idx); len(keys) > 0 {
			out[idx.Name] = keys
		}
	}
	return out
}
