package llm

import (
	"encoding/json"
	"strings"
)

// completePartialJSON turns a truncated JSON document into a valid one by
// closing open strings and containers. Trailing tokens that cannot be
// completed (a dangling key, a half literal) are cut back to the previous
// element boundary.
func completePartialJSON(s string) (string, bool) {
	for attempt := 0; attempt < 16 && s != ""; attempt++ {
		fixed := closeOpen(s)
		if json.Valid([]byte(fixed)) {
			return fixed, true
		}
		cut := lastBoundary(s)
		if cut <= 0 || cut >= len(s) {
			return "", false
		}
		s = s[:cut]
	}
	return "", false
}

func closeOpen(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		out := b.String()
		if escaped {
			out = out[:len(out)-1]
		}
		b.Reset()
		b.WriteString(out)
		b.WriteByte('"')
	}

	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	if strings.HasSuffix(out, ":") {
		out += "null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}

// lastBoundary returns the length of s up to the last structural separator
// outside a string: just after an opening bracket, or at a comma.
func lastBoundary(s string) int {
	inString := false
	escaped := false
	boundary := -1
	for i := 0; i < len(s); i++ {
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
		case '{', '[':
			boundary = i + 1
		case ',':
			boundary = i
		}
	}
	return boundary
}
