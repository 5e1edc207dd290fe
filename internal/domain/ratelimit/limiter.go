package ratelimit

import "context"

// AttemptLimiter throttles failed attempts per key.
//
// Only failures are charged. A key may fail Burst times back to back; after
// that each emission interval (Period / Rate) frees one more attempt. Check
// never consumes budget, so clients that keep succeeding are never limited.
type AttemptLimiter interface {
	// Check reports whether key may make another attempt right now.
	Check(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)

	// RecordFailure charges one failed attempt to key and reports whether
	// a further attempt would still be allowed.
	RecordFailure(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}
