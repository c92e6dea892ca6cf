package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NormalizeJSONArraysToStrings converts arrays of strings inside object
// fields to comma-joined strings, handling models that return
// {"condition": ["a", "b"]} where {"condition": "a, b"} was asked for.
// Top-level arrays are valid return values and pass through unchanged.
// The bool reports whether any normalization occurred.
func NormalizeJSONArraysToStrings(jsonBytes []byte) ([]byte, bool, error) {
	var data any
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, false, fmt.Errorf("parse JSON: %w", err)
	}

	changed := false
	normalized := normalizeValue(data, &changed, true)

	result, err := json.Marshal(normalized)
	if err != nil {
		return nil, false, fmt.Errorf("marshal normalized JSON: %w", err)
	}
	return result, changed, nil
}

func normalizeValue(value any, changed *bool, isTopLevel bool) any {
	switch v := value.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			result[key] = normalizeValue(val, changed, false)
		}
		return result

	case []any:
		if !isTopLevel && isStringArray(v) {
			*changed = true
			return joinStringArray(v)
		}
		result := make([]any, len(v))
		for i, elem := range v {
			result[i] = normalizeValue(elem, changed, false)
		}
		return result

	default:
		return value
	}
}

func isStringArray(arr []any) bool {
	if len(arr) == 0 {
		return true
	}
	for _, elem := range arr {
		if _, ok := elem.(string); !ok {
			return false
		}
	}
	return true
}

func joinStringArray(arr []any) string {
	strs := make([]string, len(arr))
	for i, elem := range arr {
		strs[i] = elem.(string)
	}
	return strings.Join(strs, ", ")
}
