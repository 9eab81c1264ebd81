// Package util provides small helpers shared across keyrotor packages.
package util

import "strings"

// HideAPIKey masks a credential for logging, keeping a short prefix and suffix.
func HideAPIKey(apiKey string) string {
	apiKey = strings.TrimSpace(apiKey)
	switch {
	case apiKey == "":
		return ""
	case len(apiKey) > 12:
		return apiKey[:6] + "..." + apiKey[len(apiKey)-4:]
	case len(apiKey) > 4:
		return apiKey[:2] + "..." + apiKey[len(apiKey)-2:]
	default:
		return "***"
	}
}

// TruncateForLog shortens s to at most limit bytes, marking the cut.
func TruncateForLog(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
