package util

import (
	"strings"
	"unicode"
)

// SanitizeLogValue strips control characters so attacker-supplied header
// values cannot forge log lines, and caps the length.
func SanitizeLogValue(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return s
}
