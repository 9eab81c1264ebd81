// Package policy holds the model-name helpers and persistent counters used to
// enforce per-access-token restrictions.
package policy

import (
	"strings"
	"time"
)

// variantSeparator splits OpenRouter routing variants such as "openai/gpt-4o:free".
const variantSeparator = ":"

// SplitVariant separates an OpenRouter model ID from its routing variant suffix.
func SplitVariant(model string) (base, variant string) {
	trimmed := strings.TrimSpace(model)
	idx := strings.LastIndex(trimmed, variantSeparator)
	if idx <= 0 || idx == len(trimmed)-1 {
		return trimmed, ""
	}
	return trimmed[:idx], trimmed[idx+1:]
}

// NormaliseModelKey returns a lowercased model ID without its routing variant.
func NormaliseModelKey(model string) string {
	base, _ := SplitVariant(model)
	return strings.ToLower(strings.TrimSpace(base))
}

// DayKey returns the YYYY-MM-DD key of now in UTC.
func DayKey(now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().Format("2006-01-02")
}

// MatchWildcard performs case-insensitive matching where '*' matches any substring.
func MatchWildcard(pattern, value string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	value = strings.ToLower(strings.TrimSpace(value))
	if pattern == "" || value == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	head, tail := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(value, head) {
		return false
	}
	value = value[len(head):]
	if !strings.HasSuffix(value, tail) {
		return false
	}
	value = value[:len(value)-len(tail)]

	for _, segment := range parts[1 : len(parts)-1] {
		if segment == "" {
			continue
		}
		idx := strings.Index(value, segment)
		if idx < 0 {
			return false
		}
		value = value[idx+len(segment):]
	}
	return true
}
