package types

import (
	"strings"
	"unicode/utf8"
)

// Validation is pure: no state, no error paths beyond the boolean result.
// Lengths are measured in Unicode code points on the trimmed string, not
// bytes.

// IsValidDisplayName reports whether name is usable as a display name:
// trimmed form non-empty and at most MaxDisplayNameLen code points.
func IsValidDisplayName(name string) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false
	}
	return utf8.RuneCountInString(trimmed) <= MaxDisplayNameLen
}

// IsValidMessageText reports whether text is acceptable message content:
// trimmed form non-empty and at most MaxMessageLen code points.
func IsValidMessageText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	return utf8.RuneCountInString(trimmed) <= MaxMessageLen
}
