// Package reconciliation settles payments whose wallet callbacks never
// reached the backend, by asking the platform what became of them.
package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/piguard/internal/payments"
)

// DefaultBatch caps how many payments one run looks at.
const DefaultBatch = 100

// Resolver finds and settles open payments.
type Resolver interface {
	Stale(ctx context.Context, age time.Duration, limit int) ([]*payments.Record, error)
	Resolve(ctx context.Context, paymentID string) (*payments.Result, error)
}

// Report summarizes one reconciliation run.
type Report struct {
	Checked   int           `json:"checked"`
	Completed int           `json:"completed"`
	Cancelled int           `json:"cancelled"`
	Open      int           `json:"open"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"durationMs"`
	Timestamp time.Time     `json:"timestamp"`
}

// Runner resolves payments left open longer than a configured age.
type Runner struct {
	resolver Resolver
	age      time.Duration
	batch    int
	logger   *slog.Logger
}

// NewRunner creates a runner for payments idle longer than age.
func NewRunner(resolver Resolver, age time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		resolver: resolver,
		age:      age,
		batch:    DefaultBatch,
		logger:   logger,
	}
}

// RunAll resolves one batch of stale payments. A payment that fails to
// resolve is counted and left for the next run.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	stale, err := r.resolver.Stale(ctx, r.age, r.batch)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	reconcileStalePayments.Set(float64(len(stale)))

	report := &Report{Timestamp: start.UTC()}
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		res, err := r.resolver.Resolve(ctx, rec.ID)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			r.logger.Warn("reconcile payment failed", "payment", rec.ID, "status", rec.Status, "error", err)
			continue
		}
		reconcileResolved.WithLabelValues(string(res.Resolution)).Inc()
		switch res.Resolution {
		case payments.ResolutionCompleted:
			report.Completed++
		case payments.ResolutionCancelled:
			report.Cancelled++
		default:
			report.Open++
		}
	}

	report.Duration = time.Since(start)
	if report.Checked > 0 {
		r.logger.Info("reconciliation run",
			"checked", report.Checked,
			"completed", report.Completed,
			"cancelled", report.Cancelled,
			"open", report.Open,
			"errors", report.Errors,
		)
	}
	return report, ctx.Err()
}
