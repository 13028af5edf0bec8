package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval with the wall-clock tick time.
type TickFunc func(ctx context.Context, now time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler drives the delivery loop on a fixed wall-clock interval.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	clock  func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking tick at each interval until ctx is cancelled. A tick
// error or panic is logged and the loop keeps going.
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

	next := s.nextTick(s.clock())
	for {
		delay := next.Sub(s.clock())
		if delay < 0 {
			next = s.nextTick(s.clock())
			delay = next.Sub(s.clock())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		now := s.clock()
		if err := s.safeTick(ctx, tick, now); err != nil {
			s.logger.Error().Err(err).Time("tick", now).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) safeTick(ctx context.Context, tick TickFunc, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return tick(ctx, now)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}
