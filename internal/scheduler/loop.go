package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval is the pause between ticks when none is configured.
const DefaultInterval = 200 * time.Millisecond

// Loop repeatedly ticks a Ticker, waiting a fixed interval on an injectable clock
// between iterations. It never blocks longer than one interval without ticking.
type Loop struct {
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewLoop creates a Loop. A nil clock uses the wall clock; a non-positive
// interval uses DefaultInterval.
func NewLoop(clk clock.Clock, interval time.Duration, logger *slog.Logger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		clock:    clk,
		interval: interval,
		logger:   logger.With("component", "tick-loop"),
	}
}

// Interval returns the pause between ticks.
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Run ticks t until it reports done, returns an error, or ctx is cancelled.
func (l *Loop) Run(ctx context.Context, t Ticker) error {
	l.logger.Debug("loop started", "interval", l.interval)
	ticks := 0
	for {
		done, err := t.Tick(ctx)
		ticks++
		if err != nil {
			l.logger.Debug("loop stopped (tick error)", "ticks", ticks, "error", err)
			return err
		}
		if done {
			l.logger.Debug("loop finished", "ticks", ticks)
			return nil
		}

		timer := l.clock.Timer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Debug("loop stopped (context cancelled)", "ticks", ticks)
			return ctx.Err()
		case <-timer.C:
		}
	}
}
