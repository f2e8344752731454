package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSummaryNotObject is returned when a result summary is not a JSON object.
var ErrSummaryNotObject = errors.New("summary is not a JSON object")

// DecodeSummary decodes a result summary. Integral numbers decode to int64 and
// the rest to float64, so summaries compare the same whether they came from a
// script or from the ledger.
func DecodeSummary(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrSummaryNotObject
	}

	var summary map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&summary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSummaryNotObject, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrSummaryNotObject)
	}
	return normalizeObject(summary), nil
}

func normalizeObject(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return normalizeObject(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}
