package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IsBlank reports whether a value is null or the empty string.
func IsBlank(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return s == ""
	}
	return false
}

// FieldChanged reports whether a field differs between two versions.
// Plain scalars treat null and the empty string as the same value. Structured
// fields (json, many-to-many) use strict inequality.
func FieldChanged(field FieldDefinition, previous, current Version) bool {
	if field.Kind == FieldKindManyToMany {
		return !EqualIDs(previous.Relations[field.Name], current.Relations[field.Name])
	}
	return ValuesDiffer(field, previous.Value(field.Name), current.Value(field.Name))
}

// ValuesDiffer compares two raw field values using the field's comparison policy.
func ValuesDiffer(field FieldDefinition, before, after any) bool {
	if field.IsStructured() {
		return CanonicalJSON(before) != CanonicalJSON(after)
	}
	if IsBlank(before) && IsBlank(after) {
		return false
	}
	if before == nil || after == nil {
		return true
	}
	return CanonicalJSON(before) != CanonicalJSON(after)
}

// CanonicalJSON renders a value deterministically so numerically equal values
// decoded from different sources (int64, float64, json.Number) compare equal.
func CanonicalJSON(value any) string {
	encoded, err := json.Marshal(normalize(value))
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}

func normalize(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1<<53 {
			return int64(typed)
		}
		return typed
	case float32:
		return normalize(float64(typed))
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case []int64:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = v
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = normalize(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = normalize(v)
		}
		return out
	default:
		return value
	}
}

// ReferenceID extracts an entity id from a stored reference value.
func ReferenceID(value any) (int64, bool) {
	switch typed := value.(type) {
	case nil:
		return 0, false
	case int64:
		return typed, typed != 0
	case int:
		return int64(typed), typed != 0
	case int32:
		return int64(typed), typed != 0
	case float64:
		if typed != math.Trunc(typed) || typed == 0 {
			return 0, false
		}
		return int64(typed), true
	case json.Number:
		id, err := typed.Int64()
		return id, err == nil && id != 0
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return id, err == nil && id != 0
	case *int64:
		if typed == nil {
			return 0, false
		}
		return *typed, *typed != 0
	default:
		return 0, false
	}
}

// StringValue renders a raw value as display text.
func StringValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case json.Number:
		return typed.String()
	case time.Time:
		return typed.Format(time.RFC3339)
	case fmt.Stringer:
		return typed.String()
	case map[string]any, []any:
		return CanonicalJSON(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

// SortedUniqueIDs returns a sorted copy of ids without duplicates. A nil input
// yields an empty, non-nil slice.
func SortedUniqueIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EqualIDs reports whether two id lists hold the same ids in the same order.
func EqualIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IDsFromAny decodes an id list read back from JSON.
func IDsFromAny(value any) ([]int64, error) {
	switch typed := value.(type) {
	case nil:
		return []int64{}, nil
	case []int64:
		return SortedUniqueIDs(typed), nil
	case []any:
		ids := make([]int64, 0, len(typed))
		for _, item := range typed {
			id, ok := ReferenceID(item)
			if !ok {
				return nil, fmt.Errorf("invalid id %v in list", item)
			}
			ids = append(ids, id)
		}
		return SortedUniqueIDs(ids), nil
	default:
		return nil, fmt.Errorf("expected id list, got %T", value)
	}
}
