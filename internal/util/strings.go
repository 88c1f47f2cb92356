// Package util provides small shared helpers used across the oauthd library.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging secrets and codes, where only a short prefix may appear.
// A negative maxLen returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
