package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/syncq/internal/entity"
)

const timeLayout = time.RFC3339Nano

// marshalFields converts entity fields to canonical JSON TEXT for storage.
func marshalFields(f entity.Fields) (string, error) {
	if f == nil {
		f = entity.Fields{}
	}
	data, err := entity.MarshalCanonical(f)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses stored JSON TEXT back into entity fields.
func unmarshalFields(data string) (entity.Fields, error) {
	return entity.ParseFields([]byte(data))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

func marshalStrings(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return out, nil
}

func marshalDelays(delays []time.Duration) (string, error) {
	ms := make([]int64, len(delays))
	for i, d := range delays {
		ms[i] = d.Milliseconds()
	}
	data, err := json.Marshal(ms)
	if err != nil {
		return "", fmt.Errorf("marshal delays: %w", err)
	}
	return string(data), nil
}

func unmarshalDelays(data string) ([]time.Duration, error) {
	var ms []int64
	if err := json.Unmarshal([]byte(data), &ms); err != nil {
		return nil, fmt.Errorf("unmarshal delays: %w", err)
	}
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out, nil
}
