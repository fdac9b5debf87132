package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// MaskDocument redacts a citizen document number for logging.
// Only the first three characters survive.
func MaskDocument(doc string) string {
	if doc == "" {
		return "[empty]"
	}
	if len(doc) <= 3 {
		return doc[:1] + "***"
	}
	return doc[:3] + "***"
}

// MaskToken keeps a short prefix of a credential for log correlation.
func MaskToken(token string) string {
	if len(token) <= 10 {
		return "***"
	}
	return token[:10] + "..."
}
