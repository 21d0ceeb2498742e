package util

// SafeTruncate safely truncates a string to maxLen bytes without panicking.
// Returns the original string if it's shorter than maxLen. Used when logging
// hashes of sensitive values, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("9f86d081884c7d65", 8) // Returns: "9f86d081"
//	SafeTruncate("short", 10)           // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// HintLength is the number of trailing characters kept as a display hint for
// secrets and refresh tokens.
const HintLength = 4

// Hint returns the last HintLength characters of a credential, for display to
// owners and admins. Values no longer than twice the hint length yield an
// empty hint so short values are never mostly revealed.
func Hint(s string) string {
	if len(s) <= 2*HintLength {
		return ""
	}
	return s[len(s)-HintLength:]
}
