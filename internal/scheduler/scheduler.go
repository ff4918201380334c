package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per cycle with the cycle's timestamp.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Immediate runs the first cycle as soon as Run starts instead of
	// waiting one interval.
	Immediate bool
	// Now overrides the clock; tests use it.
	Now func() time.Time
}

// Scheduler drives periodic execution of the sampling cycle.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick until ctx is cancelled. Unaligned schedules wait
// one full interval after each tick returns; aligned schedules fire on bucket
// boundaries. Tick errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	now := s.now()
	next := s.nextTick(now)
	if s.opts.Immediate {
		next = now
	}

	for {
		delay := next.Sub(s.now())
		if delay < 0 && -delay > s.opts.Interval {
			skipped := s.nextTick(s.now())
			s.logger.Warn().Time("missed", next).Time("next", skipped).Msg("cycle overran interval; skipping ahead")
			next = skipped
			delay = next.Sub(s.now())
		}

		if delay > 0 {
			s.logger.Debug().Time("next_cycle", next).Dur("sleep", delay).Msg("sleeping until next cycle")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		at := s.bucketStart(next)
		s.logger.Info().Time("cycle", at).Msg("executing scheduled cycle")

		if err := tick(ctx, at); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Time("cycle", at).Msg("cycle execution failed")
		}

		if s.opts.AlignToStart {
			next = next.Add(s.opts.Interval)
		} else {
			next = s.now().Add(s.opts.Interval)
		}
	}
}

func (s *Scheduler) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
