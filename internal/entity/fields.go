package entity

import (
	"fmt"
	"math"
	"sort"
)

// Fields holds the domain attributes of an entity. Values are JSON-like:
// strings, bools, numbers, nil, []any and map[string]any.
type Fields map[string]any

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Fields:
		return val.Clone()
	case map[string]any:
		return map[string]any(Fields(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// SortedKeys returns the field names in ascending byte order.
func (f Fields) SortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the string value stored under key.
func (f Fields) String(key string) (string, bool) {
	s, ok := f[key].(string)
	return s, ok
}

// Number returns the numeric value stored under key as float64.
// Every Go integer and float kind is accepted.
func (f Fields) Number(key string) (float64, bool) {
	v, ok := f[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Int returns the value under key as int64 when it is integral.
func (f Fields) Int(key string) (int64, bool) {
	n, ok := f.Number(key)
	if !ok || n != math.Trunc(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return int64(n), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Format renders a field value for tabular output.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		if n, ok := toFloat(v); ok {
			return formatNumber(n)
		}
		data, err := MarshalCanonical(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
