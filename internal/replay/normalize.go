package replay

import (
	"fmt"
	"strings"
)

// normalizeString collapses runs of whitespace to single spaces and trims the
// ends, so assertions written against rendered text are not sensitive to
// template indentation.
func normalizeString(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// isSubstring reports whether needle occurs in haystack, raw first, then
// after whitespace normalization of both sides.
func isSubstring(haystack, needle string) bool {
	if strings.Contains(haystack, needle) {
		return true
	}
	return strings.Contains(normalizeString(haystack), normalizeString(needle))
}

// stripTags removes HTML tags, leaving the text content. History messages
// are stored as HTML but asserted as text.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stringValue renders a field value the way assertions compare it.
func stringValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
