package handler

import (
	"encoding/json"
	"fmt"
)

// DecodeInput converts the data field of a terminal:input frame to raw bytes.
// Two encodings are accepted: a JSON string (UTF-8 text, the common case) and
// an array of integers 0..255 (binary-safe). Anything else, including null,
// is rejected. maxBytes bounds the decoded size.
func DecodeInput(raw json.RawMessage, maxBytes int) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("input data missing")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("malformed input string: %w", err)
		}
		if len(s) > maxBytes {
			return nil, fmt.Errorf("input of %d bytes exceeds limit of %d", len(s), maxBytes)
		}
		return []byte(s), nil
	case '[':
		var vals []int
		if err := json.Unmarshal(raw, &vals); err != nil {
			return nil, fmt.Errorf("malformed input byte array: %w", err)
		}
		if len(vals) > maxBytes {
			return nil, fmt.Errorf("input of %d bytes exceeds limit of %d", len(vals), maxBytes)
		}
		out := make([]byte, len(vals))
		for i, v := range vals {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("input byte value %d out of range at index %d", v, i)
			}
			out[i] = byte(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("input data must be a string or byte array")
	}
}
