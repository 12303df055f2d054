package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")

// ExtractJSONObject pulls a JSON object out of a model response.
//
// Stages, in order:
//  1. the whole trimmed response, if it is a JSON object;
//  2. the first fenced code block containing an object;
//  3. the first balanced brace span.
//
// ok is false when no stage yields valid JSON.
func ExtractJSONObject(content string) (raw string, ok bool) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed, true
	}

	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}

	if span := balancedBraces(content); span != "" && json.Valid([]byte(span)) {
		return span, true
	}
	return "", false
}

// DecodeJSONObject extracts and unmarshals a JSON object from a model
// response into v.
func DecodeJSONObject(content string, v any) error {
	raw, ok := ExtractJSONObject(content)
	if !ok {
		return &ExtractError{Content: content}
	}
	return json.Unmarshal([]byte(raw), v)
}

// ExtractError reports that no JSON object could be found in a
// response.
type ExtractError struct {
	Content string
}

func (e *ExtractError) Error() string {
	return "no JSON object found in response: " + truncate(e.Content, 120)
}

// balancedBraces returns the first balanced {...} span, brace-counting
// while skipping string literals.
func balancedBraces(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}

var stringPair = regexp.MustCompile(`"([^"]+)"\s*:\s*"([^"]+)"`)

// ExtractStringPairs salvages flat "key": "value" pairs from malformed
// JSON-ish text. Last-resort repair for the image-selection call site.
func ExtractStringPairs(content string) map[string]string {
	pairs := make(map[string]string)
	for _, m := range stringPair.FindAllStringSubmatch(content, -1) {
		pairs[m[1]] = m[2]
	}
	return pairs
}
