// Package values holds the dynamic-value helpers shared by expression evaluation,
// template resolution and transforms. Values are the shapes produced by
// encoding/json: maps, slices, strings, float64, bool and nil.
package values

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// SplitPath turns "a.b[0].c" into ["a", "b", "0", "c"]. Empty segments are rejected.
func SplitPath(path string) ([]string, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	parts := strings.Split(path, ".")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		parts[i] = part
	}
	return parts, true
}

// Walk resolves a path of keys and indexes below root.
func Walk(root any, parts []string) (any, bool) {
	current := root
	for _, key := range parts {
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, ok := parseIndex(key, len(typed))
			if !ok {
				if key == "length" {
					current = len(typed)
					continue
				}
				return nil, false
			}
			current = typed[index]
		case []map[string]any:
			index, ok := parseIndex(key, len(typed))
			if !ok {
				return nil, false
			}
			current = typed[index]
		case []string:
			index, ok := parseIndex(key, len(typed))
			if !ok {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}
	return current, true
}

func parseIndex(key string, length int) (int, bool) {
	index, err := strconv.Atoi(key)
	if err != nil || index < 0 || index >= length {
		return 0, false
	}
	return index, true
}

// ToFloat64 converts numeric values and numeric strings.
func ToFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case json.Number:
		f, err := typed.Float64()
		return f, err == nil
	case string:
		return parseFloat(typed)
	default:
		return 0, false
	}
}

func parseFloat(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return true
	default:
		return false
	}
}

// Equal compares numerically when both sides are numbers, otherwise structurally.
// A number and a numeric string compare equal.
func Equal(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if isNumber(left) || isNumber(right) {
		l, lok := ToFloat64(left)
		r, rok := ToFloat64(right)
		if lok && rok {
			return l == r
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ls == rs
		}
	}
	return reflect.DeepEqual(left, right)
}

// Compare orders two values. ok is false when they are not comparable.
func Compare(left, right any) (int, bool) {
	if isNumber(left) || isNumber(right) {
		l, lok := ToFloat64(left)
		r, rok := ToFloat64(right)
		if !lok || !rok {
			return 0, false
		}
		switch {
		case l < r:
			return -1, true
		case l > r:
			return 1, true
		default:
			return 0, true
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return strings.Compare(ls, rs), true
	}
	return 0, false
}

// Contains reports substring containment for strings, membership for slices
// and key presence for maps.
func Contains(container, target any) bool {
	switch typed := container.(type) {
	case string:
		needle, ok := target.(string)
		if !ok {
			needle = Stringify(target)
		}
		return strings.Contains(typed, needle)
	case []any:
		for _, item := range typed {
			if Equal(item, target) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range typed {
			if Equal(item, target) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := target.(string)
		if !ok {
			return false
		}
		_, found := typed[key]
		return found
	default:
		return false
	}
}

// IsEmpty treats nil, "", and empty collections as empty.
func IsEmpty(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	case []any:
		return len(typed) == 0
	case []string:
		return len(typed) == 0
	case []map[string]any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	default:
		return false
	}
}

// Truthy is the boolean view of a value.
func Truthy(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case nil:
		return false
	case string:
		return typed != ""
	default:
		if f, ok := ToFloat64(value); ok && isNumber(value) {
			return f != 0
		}
		return !IsEmpty(value)
	}
}

// Stringify renders a value for embedding in a larger string.
func Stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case map[string]any, []any, []map[string]any:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	default:
		return fmt.Sprint(typed)
	}
}

// AsSlice returns the value as []any when it is a list.
func AsSlice(value any) ([]any, bool) {
	switch typed := value.(type) {
	case []any:
		return typed, true
	case []map[string]any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = item
		}
		return out, true
	case []string:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
