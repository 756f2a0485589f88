package plan

import "strings"

// stripFences removes a surrounding markdown code fence, if any. Models
// frequently wrap JSON in ```json blocks regardless of instructions.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(t, "```json"):
		t = strings.TrimPrefix(t, "```json")
	case strings.HasPrefix(t, "```"):
		t = strings.TrimPrefix(t, "```")
	default:
		return t
	}
	if i := strings.LastIndex(t, "```"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// extractJSONObject returns the first balanced top-level JSON object in s.
// Braces inside string literals do not count, escapes included.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
