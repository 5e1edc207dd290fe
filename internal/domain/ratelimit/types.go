// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// Rate is the number of failures forgiven per period.
	Rate int

	// Burst is the number of failures tolerated back to back.
	Burst int

	// Period is the time window for Rate.
	Period time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed bool

	// Remaining is the number of failures still tolerated right now.
	Remaining int

	// RetryAfter is the wait until the next attempt is allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// KeyType identifies what a rate limit key is scoped to.
type KeyType string

// KeyTypeIP scopes a limit to a remote host.
const KeyTypeIP KeyType = "ip"

// FormatKey returns a structured key, e.g. "ratelimit:ip:192.168.1.1".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("ratelimit:%s:%s", keyType, value)
}
