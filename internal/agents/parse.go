package agents

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSON returns the JSON object in a model reply: the first fenced
// block if present, otherwise the first balanced {...} span.
func extractJSON(content string) (string, error) {
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		return m[1], nil
	}

	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", fmt.Errorf("%w: no JSON object in reply", orchestrator.ErrMalformedOutput)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return content[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unterminated JSON object in reply", orchestrator.ErrMalformedOutput)
}

// decodeReply extracts and unmarshals the JSON object in content into v.
func decodeReply(content string, v any) error {
	raw, err := extractJSON(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrMalformedOutput, err)
	}
	return nil
}
