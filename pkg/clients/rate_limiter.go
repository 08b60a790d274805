// Package clients provides the outbound API plumbing shared by all
// connectors: sliding-window rate limiting, a pooled HTTP client, and
// the retrying fetcher.
package clients

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// safetyBuffer pads the sleep until the oldest timestamp exits the
// window, so a re-check after waking does not race the window edge.
const safetyBuffer = 50 * time.Millisecond

// RateLimiterConfig bounds outbound call rate within a trailing window.
type RateLimiterConfig struct {
	// MaxRequests is the maximum number of calls inside any trailing
	// window of size Window.
	MaxRequests int `yaml:"max_requests" json:"max_requests"`
	// Window is the trailing window size.
	Window time.Duration `yaml:"window" json:"window"`
	// MinDelay optionally enforces a minimum spacing since the most
	// recent call, for APIs with strict per-second ceilings independent
	// of the windowed count. Zero disables it.
	MinDelay time.Duration `yaml:"min_delay" json:"min_delay"`
}

// Vendor rate limit profiles. Each sync run owns its own limiter
// instance unless the vendor shares a quota across an OAuth app, in
// which case call sites share one instance.
var (
	// HubSpotRESTLimits matches the standard REST API quota.
	HubSpotRESTLimits = RateLimiterConfig{MaxRequests: 90, Window: 10 * time.Second}
	// HubSpotSearchLimits matches the stricter search API quota.
	HubSpotSearchLimits = RateLimiterConfig{MaxRequests: 3, Window: time.Second, MinDelay: 300 * time.Millisecond}
	// GongAPILimits matches the call-recording vendor quota.
	GongAPILimits = RateLimiterConfig{MaxRequests: 90, Window: time.Minute}
)

// RateLimiterStats provides counters for monitoring and health output.
type RateLimiterStats struct {
	MaxRequests   int           `json:"max_requests"`
	Window        time.Duration `json:"window"`
	TotalCalls    int64         `json:"total_calls"`
	TotalWaitTime time.Duration `json:"total_wait_time"`
	InWindow      int           `json:"in_window"`
}

// SlidingWindowLimiter keeps a log of call timestamps and blocks a
// caller until issuing one more call would not exceed MaxRequests
// within the trailing window.
type SlidingWindowLimiter struct {
	cfg        RateLimiterConfig
	timestamps []time.Time

	totalCalls    int64
	totalWaitTime int64

	// now and sleep are injectable for tests; production uses the
	// wall clock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu sync.Mutex
}

// NewSlidingWindowLimiter creates a limiter for the given config.
func NewSlidingWindowLimiter(cfg RateLimiterConfig) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		cfg:        cfg,
		timestamps: make([]time.Time, 0, cfg.MaxRequests),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute blocks until a call slot is available, records the call, and
// runs fn. The only side effect of waiting is real wall-clock delay.
func (l *SlidingWindowLimiter) Execute(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return fn()
}

// Acquire blocks until issuing one more call stays within the limits,
// then records the call timestamp.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context) error {
	start := l.now()

	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		var wait time.Duration

		if l.cfg.MaxRequests > 0 && len(l.timestamps) >= l.cfg.MaxRequests {
			oldest := l.timestamps[0]
			wait = oldest.Add(l.cfg.Window).Sub(now) + safetyBuffer
		}

		if l.cfg.MinDelay > 0 && len(l.timestamps) > 0 {
			last := l.timestamps[len(l.timestamps)-1]
			if since := now.Sub(last); since < l.cfg.MinDelay {
				if d := l.cfg.MinDelay - since; d > wait {
					wait = d
				}
			}
		}

		if wait <= 0 {
			l.timestamps = append(l.timestamps, now)
			atomic.AddInt64(&l.totalCalls, 1)
			atomic.AddInt64(&l.totalWaitTime, int64(now.Sub(start)))
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		// Re-check after waking; another caller may have taken the slot.
	}
}

// prune removes timestamps older than the trailing window.
func (l *SlidingWindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

// Stats returns limiter counters.
func (l *SlidingWindowLimiter) Stats() RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return RateLimiterStats{
		MaxRequests:   l.cfg.MaxRequests,
		Window:        l.cfg.Window,
		TotalCalls:    atomic.LoadInt64(&l.totalCalls),
		TotalWaitTime: time.Duration(atomic.LoadInt64(&l.totalWaitTime)),
		InWindow:      len(l.timestamps),
	}
}

// SetClock overrides the limiter's clock and sleeper. Tests only.
func (l *SlidingWindowLimiter) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.sleep = sleep
}
