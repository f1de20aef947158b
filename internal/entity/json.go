package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// ParseFields decodes a JSON object into Fields. Integral numbers become
// int64 and the rest float64, which matches the value types produced by
// snapshots.
func ParseFields(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse fields: %w", err)
	}
	out := make(Fields, len(raw))
	for k, v := range raw {
		out[k] = normalizeNumbers(v)
	}
	return out, nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case map[string]any:
		for k, elem := range val {
			val[k] = normalizeNumbers(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = normalizeNumbers(elem)
		}
		return val
	default:
		return v
	}
}
