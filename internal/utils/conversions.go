package utils

import "strings"

// LocalPart returns the part of an email address before the last '@'.
// Identifiers without an '@' are returned unchanged.
func LocalPart(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if i := strings.LastIndex(identifier, "@"); i > 0 {
		return identifier[:i]
	}
	return identifier
}

// FirstString returns the first non-empty string value found under keys in m.
func FirstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
