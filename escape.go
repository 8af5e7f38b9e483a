package userstore

import "strings"

// EscapeMode selects how DN values are escaped. Values placed in a DN that is
// used for a direct bind need one layer of backslash escaping; values placed
// in a DN that is handed to a search operation pass through a second name
// parser and need an extra layer for backslash and quote characters.
type EscapeMode int

const (
	// DirectBind escapes for DNs used directly in a bind operation.
	DirectBind EscapeMode = iota
	// SearchBind escapes for DNs passed to a search, which re-parses the name.
	SearchBind
)

// EscapeDN escapes the RFC 2253 special characters in a DN attribute value
// with backslash pairs. A leading space or '#' and a trailing space receive a
// backslash guard. The mode controls how many backslashes precede '\' and '"'.
func EscapeDN(value string, mode EscapeMode) string {
	if value == "" {
		return value
	}

	var sb strings.Builder
	sb.Grow(len(value) + 8)

	if value[0] == ' ' || value[0] == '#' {
		sb.WriteByte('\\')
	}

	last := len(value) - 1
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '\\':
			if mode == DirectBind {
				sb.WriteString(`\\`)
			} else {
				sb.WriteString(`\\\`)
			}
		case '"':
			if mode == DirectBind {
				sb.WriteString(`\"`)
			} else {
				sb.WriteString(`\\"`)
			}
		case ',', '+', '<', '>', ';':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case ' ':
			if i == last && i > 0 {
				sb.WriteByte('\\')
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// UnescapeDN removes single-backslash escaping from a DN attribute value,
// recovering the original string for values escaped with DirectBind mode.
// It is used before caching a resolved DN component so cache keys always hold
// the raw username.
func UnescapeDN(value string) string {
	if !strings.Contains(value, "\\") {
		return value
	}

	var sb strings.Builder
	sb.Grow(len(value))

	escaped := false
	for i := 0; i < len(value); i++ {
		c := value[i]
		if escaped {
			sb.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' && i < len(value)-1 {
			escaped = true
			continue
		}
		sb.WriteByte(c)
	}
	if escaped {
		sb.WriteByte('\\')
	}

	return sb.String()
}

// EscapeFilterValue escapes a value for inclusion in an LDAP search filter
// per RFC 4515. The literal '*' is escaped too, so the value is matched as an
// exact term, never as a wildcard.
func EscapeFilterValue(value string) string {
	var sb strings.Builder
	sb.Grow(len(value) + 8)

	for i := 0; i < len(value); i++ {
		switch c := value[i]; c {
		case '\\':
			sb.WriteString(`\5c`)
		case '*':
			sb.WriteString(`\2a`)
		case '(':
			sb.WriteString(`\28`)
		case ')':
			sb.WriteString(`\29`)
		case 0:
			sb.WriteString(`\00`)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// EscapeFilterWildcard escapes a value for an LDAP search filter while
// treating a bare '*' as an intentional wildcard. Only a literal
// backslash-star sequence is escaped; parentheses, NUL and stray backslashes
// are escaped as in EscapeFilterValue.
func EscapeFilterWildcard(value string) string {
	var sb strings.Builder
	sb.Grow(len(value) + 8)

	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case '\\':
			if i < len(value)-1 && value[i+1] == '*' {
				sb.WriteString(`\5c\2a`)
				i++
				continue
			}
			sb.WriteString(`\5c`)
		case '(':
			sb.WriteString(`\28`)
		case ')':
			sb.WriteString(`\29`)
		case 0:
			sb.WriteString(`\00`)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// escapeDNIfEnabled applies EscapeDN when escaping is enabled in the store
// configuration. When disabled the raw value passes through for directories
// that store usernames with their escape characters already replaced; callers
// accept the injection risk this reopens.
func escapeDNIfEnabled(enabled bool, value string, mode EscapeMode) string {
	if !enabled {
		return value
	}
	return EscapeDN(value, mode)
}

// escapeFilterIfEnabled applies EscapeFilterValue when escaping is enabled.
func escapeFilterIfEnabled(enabled bool, value string) string {
	if !enabled {
		return value
	}
	return EscapeFilterValue(value)
}
