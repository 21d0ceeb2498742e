package security

import "time"

// DefaultClockSkewGracePeriod is the tolerance applied to expiry checks of
// access tokens verified by resource servers on other hosts.
//
// Authorization codes and refresh tokens are checked against this server's own
// clock and use IsExpired without grace.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt has passed at now. A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, now, 0)
}

// IsExpiredWithGracePeriod is IsExpired with a tolerance for clock skew.
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
