// ABOUTME: Single-statement guard for inbound SQL.
// ABOUTME: Scans past string literals and comments to find statement separators.

package agent

import "strings"

// singleStatement reports whether sql contains at most one statement.
// Semicolons inside string literals, quoted identifiers, and comments do not
// count; trailing semicolons are allowed. A request that chains statements
// is rejected before it ever reaches the driver.
func singleStatement(sql string) bool {
	rest := sql
	sawSemicolon := false

	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest, "--"):
			if i := strings.IndexByte(rest, '\n'); i >= 0 {
				rest = rest[i+1:]
			} else {
				rest = ""
			}

		case strings.HasPrefix(rest, "/*"):
			if i := strings.Index(rest[2:], "*/"); i >= 0 {
				rest = rest[i+4:]
			} else {
				rest = "" // unterminated comment runs to the end
			}

		case isSpace(rest[0]):
			rest = rest[1:]

		case rest[0] == ';':
			sawSemicolon = true
			rest = rest[1:]

		case sawSemicolon:
			// Anything substantive after a semicolon is a second statement.
			return false

		case rest[0] == '\'' || rest[0] == '"' || rest[0] == '`':
			rest = skipQuoted(rest)

		default:
			rest = rest[1:]
		}
	}
	return true
}

// skipQuoted consumes a quoted region starting at s[0], honoring doubled
// quote escapes ('it''s'). Unterminated quotes consume the remainder.
func skipQuoted(s string) string {
	quote := s[0]
	i := 1
	for i < len(s) {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return s[i+1:]
		}
		i++
	}
	return ""
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
