// Package retry implements the bounded-attempt delay policy shared by the
// remote execution lookup and the streaming client's reconnect loop.
package retry

import (
	"context"
	"math"
	"time"
)

// Strategy selects how the delay grows between attempts
type Strategy int

const (
	// Linear waits base, 2*base, 3*base, ...
	Linear Strategy = iota

	// Exponential waits base, 2*base, 4*base, ...
	Exponential
)

// Policy describes how many attempts to make and how long to wait between them
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Strategy    Strategy

	// MaxDelay caps a single delay when positive
	MaxDelay time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait after the given 1-based attempt has failed
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case Exponential:
		d = time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	default:
		d = p.BaseDelay * time.Duration(attempt)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Outcome is the discriminated result of WithBackoff: either Found with a
// Value, or exhausted after Attempts tries. Err holds the last error seen, or
// the context error when the wait was interrupted.
type Outcome[T any] struct {
	Value    T
	Found    bool
	Attempts int
	Err      error
}

// WithBackoff calls fn up to p.MaxAttempts times, waiting p.Delay(n) after the
// n-th miss. fn reports found=true to stop early.
func WithBackoff[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, bool, error)) Outcome[T] {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var out Outcome[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt

		v, found, err := fn(ctx, attempt)
		if found {
			out.Value = v
			out.Found = true
			out.Err = nil
			return out
		}
		if err != nil {
			out.Err = err
		}

		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			out.Err = err
			return out
		}
	}
	return out
}

// Sleep waits for d unless ctx finishes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
