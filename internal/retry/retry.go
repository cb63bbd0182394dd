// Package retry provides the bounded retry policy shared by login,
// defense recovery, and alert dispatch, so their failure bounds stay
// uniform and testable with a fake clock.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
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

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

// Policy bounds retries with exponential backoff.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	clock Clock
}

// NewPolicy constructs a Policy with sane fallbacks for zero values.
func NewPolicy(maxAttempts int, initial, max time.Duration, multiplier float64) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if multiplier < 1 {
		multiplier = 2
	}
	return Policy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: initial,
		MaxBackoff:     max,
		Multiplier:     multiplier,
		clock:          systemClock{},
	}
}

// WithClock returns a copy of the policy using the given clock.
func (p Policy) WithClock(c Clock) Policy {
	p.clock = c
	return p
}

// Clock returns the policy's clock.
func (p Policy) Clock() Clock {
	if p.clock == nil {
		return systemClock{}
	}
	return p.clock
}

// BackoffFor returns the sleep that precedes retry number attempt on
// the same schedule Do follows: InitialBackoff grown by Multiplier and
// capped at MaxBackoff. Attempts below one get the initial backoff.
func (p Policy) BackoffFor(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// Do invokes op up to MaxAttempts times, sleeping the backoff schedule
// between attempts. It returns nil on the first success, the context
// error if cancelled, or the last op error wrapped with the attempt
// count once the bound is exhausted.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	clock := p.Clock()
	backoff := p.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		if err := clock.Sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}
