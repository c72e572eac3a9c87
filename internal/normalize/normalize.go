package normalize

import "strings"

// Body returns the canonical form of a message body suitable for storage:
// surrounding whitespace is trimmed. An all-whitespace body normalizes to the
// empty string.
func Body(s string) string {
	return strings.TrimSpace(s)
}

// Query returns a normalized form of a search query suitable for
// case-insensitive comparisons. Normalization trims surrounding whitespace
// and lower-cases the text.
func Query(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
