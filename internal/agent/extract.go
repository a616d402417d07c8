package agent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoJSON is returned when no JSON object can be recovered from a model
// response.
var ErrNoJSON = errors.New("no JSON object in response")

var (
	fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	// "key": "value" | number | true/false
	scalarField = regexp.MustCompile(`"([A-Za-z_][A-Za-z0-9_]*)"\s*:\s*("(?:[^"\\]|\\.)*"|-?\d+(?:\.\d+)?|true|false)`)
)

// ExtractJSON recovers a JSON object from free-form model output, trying in
// turn: the whole text, a fenced code block, the first balanced {...} span,
// and finally scraping top-level scalar fields.
func ExtractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoJSON
	}
	if isObject(text) {
		return []byte(text), nil
	}
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		if body := strings.TrimSpace(m[1]); isObject(body) {
			return []byte(body), nil
		}
	}
	if span, ok := balancedObject(text); ok {
		return []byte(span), nil
	}
	return scrapeFields(text)
}

func isObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// balancedObject returns the first brace-balanced span that parses,
// skipping braces inside string literals.
func balancedObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		depth, inString, escaped := 0, false, false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					if span := s[start : i+1]; json.Valid([]byte(span)) {
						return span, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func scrapeFields(s string) ([]byte, error) {
	matches := scalarField.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil, ErrNoJSON
	}
	fields := make(map[string]any, len(matches))
	for _, m := range matches {
		key, raw := m[1], m[2]
		if _, seen := fields[key]; seen {
			continue
		}
		switch {
		case strings.HasPrefix(raw, `"`):
			var v string
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				continue
			}
			fields[key] = v
		case raw == "true" || raw == "false":
			fields[key] = raw == "true"
		default:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			fields[key] = f
		}
	}
	if len(fields) == 0 {
		return nil, ErrNoJSON
	}
	return json.Marshal(fields)
}
