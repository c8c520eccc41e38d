package fileutils

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeModelJSON unmarshals JSON from a model response, with a small amount of robustness
// for cases where the model wraps the JSON in extra text, returns leading/trailing whitespace,
// or emits slightly malformed JSON (unquoted keys, trailing commas, truncated brackets).
func DecodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	// Fast path: valid JSON as-is.
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	// Attempt to extract the first top-level JSON object.
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start:]
	if end > start {
		sub = s[start : end+1]
		if err := json.Unmarshal([]byte(sub), v); err == nil {
			return nil
		}
	}

	fixed, err := jsonrepair.JSONRepair(sub)
	if err != nil {
		return fmt.Errorf("failed to repair extracted JSON (len=%d): %w", len(sub), err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("failed to unmarshal repaired JSON (len=%d): %w", len(fixed), err)
	}
	return nil
}
