package util

import "strings"

// SanitizePostgresText makes document text storable in TEXT and JSONB
// columns. Invalid UTF-8 and NUL bytes are dropped; the other control
// characters that PDF and terminal exports leave in filings become spaces.
// Tabs and line breaks are kept.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == 0:
			return -1
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 0x20 || r == 0x7f:
			return ' '
		}
		return r
	}, strings.ToValidUTF8(value, ""))
}
