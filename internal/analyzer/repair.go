package analyzer

import (
	"regexp"
	"strings"
)

var (
	thinkBlockRe   = regexp.MustCompile(`(?s)<think>.*?</think>`)
	openThinkRe    = regexp.MustCompile(`(?s)<think>.*$`)
	fencedBlockRe  = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	trailingFences = regexp.MustCompile("(?m)^```.*$")
)

// Repair applies lenient cleanup to a raw model reply so that a
// cooperative-but-sloppy answer survives strict parsing: reasoning blocks
// and code fences are stripped, the outermost JSON object is isolated,
// trailing commas are dropped, and unclosed brackets are balanced.
// Repair never fabricates field values.
func Repair(s string) string {
	s = thinkBlockRe.ReplaceAllString(s, "")
	s = openThinkRe.ReplaceAllString(s, "")
	if m := fencedBlockRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else {
		s = trailingFences.ReplaceAllString(s, "")
	}
	s = sliceToObject(s)
	s = removeTrailingCommas(s)
	s = balanceBrackets(s)
	return strings.TrimSpace(s)
}

// sliceToObject returns the first balanced JSON object in s, or everything
// from the first brace when the object is unterminated.
func sliceToObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// removeTrailingCommas drops commas that directly precede a closing brace
// or bracket, outside of string literals.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
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
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// balanceBrackets closes any string literal and brackets the reply left
// open, in nesting order.
func balanceBrackets(s string) string {
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
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
