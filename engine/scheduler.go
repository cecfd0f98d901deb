package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Cycler runs one cycle. *Orchestrator implements it.
type Cycler interface {
	RunCycle(ctx context.Context) (Report, error)
}

// Scheduler runs cycles back to back with a sleep in between. A cycle that
// fails or panics is followed by Backoff instead of Interval; nothing short
// of context cancellation stops the loop.
type Scheduler struct {
	Cycler   Cycler
	Interval time.Duration
	Backoff  time.Duration // defaults to 60s

	// MaxCycles stops the loop after that many cycles when > 0.
	MaxCycles int

	// OnCycle, when set, sees every report that came back without error.
	OnCycle func(Report)

	Metrics *Metrics
	Log     zerolog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewScheduler(c Cycler, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Cycler:   c,
		Interval: interval,
		Backoff:  60 * time.Second,
		Log:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is done or MaxCycles cycles have run. It returns
// ctx.Err() on cancellation and nil when MaxCycles is reached.
func (s *Scheduler) Run(ctx context.Context) error {
	sleep := s.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = 60 * time.Second
	}

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := s.Interval
		if err := s.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.Error().Err(err).Int("cycle", n).Dur("backoff", backoff).Msg("cycle failed, backing off")
			wait = backoff
		}

		if s.MaxCycles > 0 && n >= s.MaxCycles {
			return nil
		}
		s.Log.Debug().Dur("sleep", wait).Msg("waiting for next cycle")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			s.Log.Error().Str("stack", string(debug.Stack())).Msg("recovered from panic in cycle")
			s.count("panic")
		}
	}()

	rep, err := s.Cycler.RunCycle(ctx)
	if err != nil {
		s.count("error")
		return err
	}
	s.count("ok")
	if s.OnCycle != nil {
		s.OnCycle(rep)
	}
	return nil
}

func (s *Scheduler) count(result string) {
	if s.Metrics != nil {
		s.Metrics.Cycles.WithLabelValues(result).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
