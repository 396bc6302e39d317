package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer drives a Runner on a fixed cadence. Poke requests an out-of-band
// pass; pokes that arrive while one is pending are coalesced.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	poke     chan struct{}
	active   atomic.Bool
}

func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "reconciliation"),
		poke:     make(chan struct{}, 1),
	}
}

// Running is used by the readiness probe.
func (t *Timer) Running() bool { return t.active.Load() }

// Poke schedules an extra audit without waiting for it.
func (t *Timer) Poke() {
	select {
	case t.poke <- struct{}{}:
	default:
	}
}

// Start blocks until ctx is cancelled. The first audit runs immediately.
func (t *Timer) Start(ctx context.Context) {
	t.active.Store(true)
	defer t.active.Store(false)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	t.once(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-t.poke:
		}
		t.once(ctx)
	}
}

func (t *Timer) once(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			reconcileErrors.Inc()
			t.logger.Error("audit panicked", "panic", fmt.Sprint(p))
		}
	}()

	res, err := t.runner.RunAll(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
	case err != nil:
		t.logger.Warn("audit failed", "error", err)
	case res.OK():
		t.logger.Debug("audit clean", "took", res.Duration)
	}
}
