package config

import (
	"unicode"
)

// SplitQuotedFields is like strings.Fields but ignores spaces inside areas
// surrounded by the specified quote character.
// To specify a single quote use backslash to escape it: '\''
func SplitQuotedFields(in string, quote rune) []string {
	var (
		r       []string
		buf     []rune
		inField bool
		inQuote bool
		escaped bool
	)

	for _, ch := range in {
		switch {
		case escaped:
			buf = append(buf, ch)
			escaped = false

		case inQuote:
			switch ch {
			case quote:
				inQuote = false
			case '\\':
				escaped = true
			default:
				buf = append(buf, ch)
			}

		case ch == quote:
			inQuote = true
			inField = true

		case unicode.IsSpace(ch):
			if inField {
				r = append(r, string(buf))
				buf = buf[:0]
				inField = false
			}

		default:
			buf = append(buf, ch)
			inField = true
		}
	}

	if inField {
		r = append(r, string(buf))
	}

	return r
}
