package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONExtractor decodes scraped payloads whose rows arrive as JSON, either
// wrapped in a {"data": [...]} envelope or as a bare array. An envelope
// without a data key yields zero rows, not an error; a payload that is not
// JSON at all does error.
type JSONExtractor struct{}

// NewJSONExtractor constructs a JSONExtractor.
func NewJSONExtractor() JSONExtractor {
	return JSONExtractor{}
}

// Extract returns the row objects carried by the payload.
func (JSONExtractor) Extract(payload []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []map[string]any
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("decode stat rows: %w", err)
		}
		return rows, nil
	}

	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("decode stat payload: %w", err)
	}
	return envelope.Data, nil
}
