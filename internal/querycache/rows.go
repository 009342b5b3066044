package querycache

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Rows is a query result: one map per row, keyed by column name.
type Rows []map[string]any

func encodeRows(rows Rows) ([]byte, error) {
	if rows == nil {
		rows = Rows{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return data, nil
}

// decodeRows reverses encodeRows. Integral numbers come back as int64 and
// other numbers as float64.
func decodeRows(data []byte) (Rows, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	rows := make(Rows, len(raw))
	for i, r := range raw {
		for k, v := range r {
			r[k] = numbers(v)
		}
		rows[i] = r
	}
	return rows, nil
}

func numbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, inner := range val {
			val[k] = numbers(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = numbers(inner)
		}
		return val
	}
	return v
}
