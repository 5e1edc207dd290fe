package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/ratelimit"
)

// MemoryAttemptLimiter implements ratelimit.AttemptLimiter in memory.
//
// Each key keeps the time at which all of its charged failures are
// forgiven. A failure pushes that time one emission interval further out;
// a key is blocked once another failure would push it past the burst window.
type MemoryAttemptLimiter struct {
	mu              sync.Mutex
	forgivenAt      map[string]time.Time
	now             func() time.Time
	onCleanup       func(remaining int)
	stop            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

// NewAttemptLimiter creates a limiter that sweeps every 5 minutes and forgets
// keys whose failures were forgiven more than an hour ago.
func NewAttemptLimiter() *MemoryAttemptLimiter {
	return NewAttemptLimiterWithConfig(5*time.Minute, time.Hour)
}

// NewAttemptLimiterWithConfig creates a limiter with custom cleanup settings.
func NewAttemptLimiterWithConfig(cleanupInterval, maxTTL time.Duration) *MemoryAttemptLimiter {
	return &MemoryAttemptLimiter{
		forgivenAt:      make(map[string]time.Time),
		now:             time.Now,
		stop:            make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
}

func (l *MemoryAttemptLimiter) withClock(now func() time.Time) *MemoryAttemptLimiter {
	l.now = now
	return l
}

// OnCleanup registers fn to receive the key count after each cleanup.
func (l *MemoryAttemptLimiter) OnCleanup(fn func(remaining int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCleanup = fn
}

// Check reports whether key may attempt now. It charges nothing.
func (l *MemoryAttemptLimiter) Check(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	return evaluate(l.owed(key, now), config), nil
}

// RecordFailure charges one failed attempt to key.
func (l *MemoryAttemptLimiter) RecordFailure(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	emission, _ := intervals(config)
	owed := l.owed(key, now) + emission
	l.forgivenAt[key] = now.Add(owed)
	return evaluate(owed, config), nil
}

// owed returns how long until key's failures are all forgiven.
func (l *MemoryAttemptLimiter) owed(key string, now time.Time) time.Duration {
	at, ok := l.forgivenAt[key]
	if !ok || !at.After(now) {
		return 0
	}
	return at.Sub(now)
}

// intervals returns the time one failure costs and the burst window.
func intervals(config ratelimit.RateLimitConfig) (emission, window time.Duration) {
	rate := config.Rate
	if rate <= 0 {
		rate = 1
	}
	burst := config.Burst
	if burst <= 0 {
		burst = rate
	}
	emission = config.Period / time.Duration(rate)
	if emission <= 0 {
		emission = time.Nanosecond
	}
	return emission, time.Duration(burst) * emission
}

// evaluate decides whether one more failure fits into the window.
func evaluate(owed time.Duration, config ratelimit.RateLimitConfig) ratelimit.RateLimitResult {
	emission, window := intervals(config)
	if over := owed + emission - window; over > 0 {
		return ratelimit.RateLimitResult{Allowed: false, RetryAfter: over}
	}
	return ratelimit.RateLimitResult{
		Allowed:   true,
		Remaining: int((window - owed) / emission),
	}
}

// StartCleanup starts the background cleanup goroutine. It stops when ctx
// is cancelled or Stop is called.
func (l *MemoryAttemptLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

func (l *MemoryAttemptLimiter) cleanup() {
	l.mu.Lock()
	cutoff := l.now().Add(-l.maxTTL)
	forgotten := 0
	for key, at := range l.forgivenAt {
		if at.Before(cutoff) {
			delete(l.forgivenAt, key)
			forgotten++
		}
	}
	remaining := len(l.forgivenAt)
	fn := l.onCleanup
	l.mu.Unlock()

	if forgotten > 0 {
		slog.Debug("auth attempt limiter cleanup completed", "forgotten_keys", forgotten, "remaining_keys", remaining)
	}
	if fn != nil {
		fn(remaining)
	}
}

// Stop ends the cleanup goroutine and waits for it. Safe to call twice.
func (l *MemoryAttemptLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

// Size returns the number of keys with recorded failures.
func (l *MemoryAttemptLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.forgivenAt)
}

var _ ratelimit.AttemptLimiter = (*MemoryAttemptLimiter)(nil)
