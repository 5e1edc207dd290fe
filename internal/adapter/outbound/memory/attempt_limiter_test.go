package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/ratelimit"
	"go.uber.org/goleak"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAttemptLimiter_Failures(t *testing.T) {
	t.Parallel()

	// One failure forgiven every 12s, three tolerated back to back.
	cfg := ratelimit.RateLimitConfig{Rate: 5, Burst: 3, Period: time.Minute}

	tests := []struct {
		name      string
		advance   time.Duration
		fail      bool
		want      bool
		remaining int
		retry     time.Duration
	}{
		{name: "fresh key", want: true, remaining: 3},
		{name: "first failure", fail: true, want: true, remaining: 2},
		{name: "second failure", fail: true, want: true, remaining: 1},
		{name: "third failure exhausts burst", fail: true, want: false, retry: 12 * time.Second},
		{name: "check while blocked", advance: 2 * time.Second, want: false, retry: 10 * time.Second},
		{name: "one failure forgiven", advance: 10 * time.Second, want: true, remaining: 1},
		{name: "failing again blocks", fail: true, want: false, retry: 12 * time.Second},
		{name: "window drained", advance: time.Hour, want: true, remaining: 3},
	}

	clock := newStepClock()
	limiter := NewAttemptLimiter().withClock(clock.Now)
	key := ratelimit.FormatKey(ratelimit.KeyTypeIP, "192.0.2.10")
	ctx := context.Background()

	for _, tt := range tests {
		clock.Advance(tt.advance)
		var (
			res ratelimit.RateLimitResult
			err error
		)
		if tt.fail {
			res, err = limiter.RecordFailure(ctx, key, cfg)
		} else {
			res, err = limiter.Check(ctx, key, cfg)
		}
		if err != nil {
			t.Fatalf("%s: error: %v", tt.name, err)
		}
		if res.Allowed != tt.want {
			t.Fatalf("%s: Allowed = %v, want %v", tt.name, res.Allowed, tt.want)
		}
		if tt.want && res.Remaining != tt.remaining {
			t.Errorf("%s: Remaining = %d, want %d", tt.name, res.Remaining, tt.remaining)
		}
		if !tt.want && res.RetryAfter != tt.retry {
			t.Errorf("%s: RetryAfter = %v, want %v", tt.name, res.RetryAfter, tt.retry)
		}
	}
}

func TestAttemptLimiter_CheckChargesNothing(t *testing.T) {
	t.Parallel()

	limiter := NewAttemptLimiter().withClock(newStepClock().Now)
	cfg := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Hour}

	for i := 0; i < 100; i++ {
		res, err := limiter.Check(context.Background(), "host", cfg)
		if err != nil || !res.Allowed {
			t.Fatalf("Check #%d = %+v, %v, want allowed", i+1, res, err)
		}
	}
	if limiter.Size() != 0 {
		t.Errorf("Size() = %d, checks must not create keys", limiter.Size())
	}
}

func TestAttemptLimiter_KeyIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewAttemptLimiter()
	cfg := ratelimit.RateLimitConfig{Rate: 1, Burst: 1, Period: time.Hour}

	a := ratelimit.FormatKey(ratelimit.KeyTypeIP, "192.0.2.1")
	b := ratelimit.FormatKey(ratelimit.KeyTypeIP, "192.0.2.2")

	for i := 0; i < 3; i++ {
		_, _ = limiter.RecordFailure(ctx, a, cfg)
	}
	if res, _ := limiter.Check(ctx, a, cfg); res.Allowed {
		t.Error("first host should be blocked")
	}
	if res, _ := limiter.Check(ctx, b, cfg); !res.Allowed {
		t.Error("second host should not share the first host's budget")
	}
	if limiter.Size() != 1 {
		t.Errorf("Size() = %d, want 1", limiter.Size())
	}
}

func TestAttemptLimiter_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       ratelimit.RateLimitConfig
		tolerated int
	}{
		{"zero rate", ratelimit.RateLimitConfig{Rate: 0, Burst: 5, Period: time.Minute}, 5},
		{"zero burst falls back to rate", ratelimit.RateLimitConfig{Rate: 4, Burst: 0, Period: time.Minute}, 4},
		{"zero period", ratelimit.RateLimitConfig{Rate: 2, Burst: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			limiter := NewAttemptLimiter().withClock(newStepClock().Now)
			ctx := context.Background()
			for i := 0; i < tt.tolerated; i++ {
				if res, _ := limiter.Check(ctx, "k", tt.cfg); !res.Allowed {
					t.Fatalf("attempt %d blocked, want %d tolerated", i+1, tt.tolerated)
				}
				_, _ = limiter.RecordFailure(ctx, "k", tt.cfg)
			}
			if res, _ := limiter.Check(ctx, "k", tt.cfg); res.Allowed {
				t.Errorf("attempt %d allowed after %d failures", tt.tolerated+1, tt.tolerated)
			}
		})
	}
}

func TestAttemptLimiter_ConcurrentFailures(t *testing.T) {
	t.Parallel()

	limiter := NewAttemptLimiter().withClock(newStepClock().Now)
	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 10, Period: time.Hour}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		stillAllows int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.RecordFailure(context.Background(), "shared", cfg)
			if err != nil {
				t.Errorf("RecordFailure() error: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				stillAllows++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Only failures 1..Burst-1 leave room for another attempt.
	if stillAllows != cfg.Burst-1 {
		t.Errorf("allowing results = %d, want %d with a frozen clock", stillAllows, cfg.Burst-1)
	}
	if res, _ := limiter.Check(context.Background(), "shared", cfg); res.Allowed {
		t.Error("key should be blocked after 50 failures")
	}
}

func TestAttemptLimiterCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewAttemptLimiterWithConfig(10*time.Millisecond, 50*time.Millisecond)
	reported := make(chan int, 16)
	limiter.OnCleanup(func(remaining int) {
		select {
		case reported <- remaining:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter.StartCleanup(ctx)

	cfg := ratelimit.RateLimitConfig{Rate: 10, Burst: 5, Period: time.Second}
	for _, host := range []string{"a", "b", "c"} {
		if _, err := limiter.RecordFailure(ctx, ratelimit.FormatKey(ratelimit.KeyTypeIP, host), cfg); err != nil {
			t.Fatalf("RecordFailure() error: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for limiter.Size() != 0 {
		select {
		case <-deadline:
			t.Fatalf("keys not cleaned up, Size() = %d", limiter.Size())
		case <-reported:
		}
	}

	limiter.Stop()
	limiter.Stop()
}

func TestAttemptLimiterContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	limiter := NewAttemptLimiterWithConfig(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	limiter.StartCleanup(ctx)
	cancel()
	limiter.wg.Wait()
}
