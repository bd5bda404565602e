package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/settler/internal/ir"
)

// marshalRecord converts a cycle record to JSON TEXT for storage.
// HTML escaping is disabled so stored reasons and explanations stay readable.
// Go's encoder sorts map keys, so equal records give equal text.
func marshalRecord(rec *ir.CycleRecord) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return "", fmt.Errorf("marshal cycle record: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalRecord(data string) (*ir.CycleRecord, error) {
	var rec ir.CycleRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal cycle record: %w", err)
	}
	return &rec, nil
}
