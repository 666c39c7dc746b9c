package logging

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"escrowid":  {},
	"requestid": {},
	"status":    {},
	"code":      {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// SizeField logs only the length of a sensitive blob such as proof text or
// sealed terms.
func SizeField(key string, value []byte) slog.Attr {
	return slog.String(key, fmt.Sprintf("%s (%d bytes)", RedactedValue, len(value)))
}

// Preview truncates free text to at most n runes for log lines.
func Preview(value string, n int) string {
	if n <= 0 || utf8.RuneCountInString(value) <= n {
		return value
	}
	runes := []rune(value)
	return string(runes[:n]) + "…"
}
