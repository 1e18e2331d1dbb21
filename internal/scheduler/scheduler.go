package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every sweep interval.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler drives the periodic sweep loop. Sweeps are wall-clock driven,
// not aligned to buckets; a slow tick simply delays the next one.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function every interval until ctx is
// cancelled. Tick errors are logged, never fatal: the next sweep retries.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		now := time.Now().UTC()
		s.logger.Debug().Time("sweep_at", now).Msg("executing scheduled sweep")
		if err := tick(ctx, now); err != nil {
			s.logger.Error().Err(err).Msg("sweep execution failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
