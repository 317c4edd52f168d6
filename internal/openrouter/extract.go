package openrouter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Model replies often wrap JSON in markdown fences or surrounding prose
// despite prompt instructions. These patterns locate the first JSON
// object or array in the cleaned text.
var (
	fencePattern  = regexp.MustCompile("```json|```")
	objectPattern = regexp.MustCompile(`\{[\s\S]*\}`)
	arrayPattern  = regexp.MustCompile(`\[[\s\S]*\]`)
)

// ExtractJSON pulls a JSON document out of a model reply and unmarshals
// it into v.
//
// The reply is cleaned of markdown code fences first, then scanned for a
// JSON object; if no valid object is found, a JSON array is tried.
//
// Parameters:
//   - reply: The raw model response text
//   - v: Destination for json.Unmarshal
//
// Returns:
//   - error: ErrInvalidResponse (wrapped) when no parseable JSON is found
func ExtractJSON(reply string, v any) error {
	cleaned := strings.TrimSpace(fencePattern.ReplaceAllString(reply, ""))

	if match := objectPattern.FindString(cleaned); match != "" {
		if err := json.Unmarshal([]byte(match), v); err == nil {
			return nil
		}
	}

	if match := arrayPattern.FindString(cleaned); match != "" {
		if err := json.Unmarshal([]byte(match), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: no parseable JSON in reply", ErrInvalidResponse)
}
