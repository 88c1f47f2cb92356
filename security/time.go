package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to expiry checks.
// Authorization codes carry a 60-second TTL, so even a second of drift between
// the issuing and exchanging hosts produces spurious rejections; 5 seconds
// covers typical NTP drift without meaningfully extending token lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired checks expiry with the default clock skew grace period.
// A zero expiresAt means no expiration.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks expiry with a custom grace period.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
