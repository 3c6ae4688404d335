// Package flatten converts nested evaluation contexts to and from the flat
// dotted-path form the rule engine addresses fields by.
package flatten

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
)

// MaxDepth caps recursion when flattening a context. Contexts are JSON-like
// and should never be this deep; anything beyond the cap is dropped.
const MaxDepth = 32

// Flatten converts a nested context to a mapping of dotted-path to string.
// Nested objects produce "parent.child" keys, arrays produce "name.0" keys,
// empty objects and arrays produce a single key with value "", and nil
// produces "". A bare primitive at the root lands at the empty key.
func Flatten(v any) map[string]string {
	return FlattenWithLogger(v, zerolog.Nop())
}

// FlattenWithLogger is Flatten with a logger for depth-cap diagnostics.
func FlattenWithLogger(v any, logger zerolog.Logger) map[string]string {
	out := make(map[string]string)
	flattenInto("", v, out, 0, logger)
	return out
}

func flattenInto(path string, v any, out map[string]string, depth int, logger zerolog.Logger) {
	if depth > MaxDepth {
		logger.Warn().
			Str("path", path).
			Int("max_depth", MaxDepth).
			Msg("Context exceeds maximum nesting depth, dropping subtree")
		return
	}

	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			out[path] = ""
			return
		}
		for key, child := range val {
			flattenInto(join(path, key), child, out, depth+1, logger)
		}
	case []any:
		if len(val) == 0 {
			out[path] = ""
			return
		}
		for i, child := range val {
			flattenInto(join(path, strconv.Itoa(i)), child, out, depth+1, logger)
		}
	default:
		out[path] = Stringify(v)
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// Stringify renders a primitive context value in its textual form. Numbers
// print without a decimal point when integral; non-finite floats keep the
// "Infinity"/"NaN" spellings shared by the other SDKs.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

// Unflatten rebuilds a nested object from a flattened context. Keys are
// processed in sorted order so that when a prefix is both a leaf and a
// subtree, the shorter-path leaf wins and the deeper keys are dropped.
// Arrays are not reconstructed; numeric segments become object properties.
func Unflatten(flat map[string]string) map[string]any {
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	root := make(map[string]any)
	for _, key := range keys {
		insert(root, splitPath(key), flat[key])
	}
	return root
}

func insert(node map[string]any, segments []string, value string) {
	for i, segment := range segments {
		if i == len(segments)-1 {
			if _, taken := node[segment]; taken {
				return
			}
			node[segment] = value
			return
		}

		child, exists := node[segment]
		if !exists {
			next := make(map[string]any)
			node[segment] = next
			node = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			// A leaf already occupies this prefix.
			return
		}
		node = next
	}
}

func splitPath(key string) []string {
	if key == "" {
		return []string{""}
	}
	var segments []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			segments = append(segments, key[start:i])
			start = i + 1
		}
	}
	return append(segments, key[start:])
}
