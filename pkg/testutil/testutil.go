// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger returns a zap logger that writes through t.
func Logger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

// Context returns a context canceled when the test ends, bounded at
// 30 seconds.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Eventually polls cond until it returns true or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// FakeClock is a deterministic time source for components with
// injectable clocks. Sleeps advance the clock instead of blocking.
type FakeClock struct {
	current time.Time
	Sleeps  []time.Duration
}

// NewFakeClock starts a clock at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{current: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	return c.current
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

// Sleep records the request and advances the clock.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Sleeps = append(c.Sleeps, d)
	c.current = c.current.Add(d)
	return nil
}

// TotalSlept sums every recorded sleep.
func (c *FakeClock) TotalSlept() time.Duration {
	var total time.Duration
	for _, d := range c.Sleeps {
		total += d
	}
	return total
}
