// Package codec holds wire-format helpers shared by provider adapters.
package codec

import (
	"encoding/json"
	"strings"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// ExtractJSONObject recovers a JSON object from model output that should be
// pure JSON but often is not. It tries, in order: the whole text, the first
// balanced {...} span, and the span from the first '{' to the last '}'.
// Braces inside malformed string values can still defeat the scan.
func ExtractJSONObject(text string) (map[string]any, error) {
	if obj, ok := decodeObject(strings.TrimSpace(text)); ok {
		return obj, nil
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, domain.ErrResponseFormat("no JSON object in model output")
	}

	if end := balancedEnd(text, start); end > start {
		if obj, ok := decodeObject(text[start : end+1]); ok {
			return obj, nil
		}
	}

	if end := strings.LastIndexByte(text, '}'); end > start {
		if obj, ok := decodeObject(text[start : end+1]); ok {
			return obj, nil
		}
	}

	return nil, domain.ErrResponseFormat("no valid JSON object in model output")
}

func decodeObject(s string) (map[string]any, bool) {
	if s == "" || s[0] != '{' {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// balancedEnd returns the index of the '}' closing the object opened at
// start, or -1. Braces inside JSON strings are skipped.
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// StringField returns obj[key] as a string, or "" when absent.
func StringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// StringList returns obj[key] as a list of strings. Scalars become a
// one-element list; non-string items are rendered as JSON.
func StringList(obj map[string]any, key string) []string {
	switch v := obj[key].(type) {
	case nil:
		return []string{}
	case string:
		if v == "" {
			return []string{}
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			b, _ := json.Marshal(item)
			out = append(out, string(b))
		}
		return out
	default:
		b, _ := json.Marshal(v)
		return []string{string(b)}
	}
}
