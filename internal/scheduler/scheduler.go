package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// CycleFunc is invoked on every polling cycle.
type CycleFunc func(ctx context.Context, startedAt time.Time) error

// Options tune scheduler behaviour. Jitter spreads the poll phase so a
// fleet of watchers does not hit the target sites in lockstep.
type Options struct {
	Interval     time.Duration
	Jitter       time.Duration
	StartupDelay time.Duration
}

// Scheduler drives the polling cycles at a fixed cadence.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	rand   *rand.Rand
}

// New constructs a Scheduler instance. A non-positive interval falls
// back to 5 seconds; config validation rejects it upstream.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks, invoking the cycle function every interval until ctx is
// cancelled. A failed cycle is logged and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context, cycle CycleFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	for {
		startedAt := time.Now().UTC()
		s.logger.Debug().Time("cycle", startedAt).Msg("executing polling cycle")

		if err := cycle(ctx, startedAt); err != nil {
			s.logger.Error().Err(err).Time("cycle", startedAt).Msg("cycle execution failed")
		}

		// Next cycle fires interval after the previous START, not after
		// it finished, minus whatever the cycle already consumed.
		delay := s.opts.Interval - time.Since(startedAt)
		if delay < 0 {
			delay = 0
		}
		delay += s.jitter()

		if err := s.wait(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Scheduler) jitter() time.Duration {
	if s.opts.Jitter <= 0 {
		return 0
	}
	return time.Duration(s.rand.Int63n(int64(s.opts.Jitter)))
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
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
