package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the pause between sweeps when none is configured.
const DefaultInterval = 5 * time.Minute

// Timer sweeps stale payments on a fixed pause. The pause is measured from
// the end of one sweep to the start of the next, so a slow platform never
// stacks sweeps up.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "payment_sweeper"),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is live.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the report of the most recent completed sweep, or nil.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// Start sweeps until ctx ends or Stop is called. It blocks.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)
	t.logger.Info("payment sweeper started", "interval", t.interval)

	wait := time.NewTimer(t.interval)
	defer wait.Stop()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("payment sweeper stopped", "reason", ctx.Err())
			return
		case <-t.stop:
			t.logger.Info("payment sweeper stopped")
			return
		case <-wait.C:
			t.sweep(ctx)
			wait.Reset(t.interval)
		}
	}
}

// Stop ends the loop. Calling it again does nothing.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.Inc()
			t.logger.Error("payment sweep panicked", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if report != nil {
		t.last.Store(report)
	}
	if err != nil && ctx.Err() == nil {
		t.logger.Warn("payment sweep failed, retrying next interval", "error", err)
	}
}
