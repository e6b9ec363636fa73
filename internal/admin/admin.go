// Package admin provides staff-only endpoints for resolving stuck payments.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/piguard/internal/payments"
	"github.com/mbd888/piguard/internal/reconciliation"
)

// PaymentService abstracts payment operations for admin handlers.
type PaymentService interface {
	Stale(ctx context.Context, age time.Duration, limit int) ([]*payments.Record, error)
	Resolve(ctx context.Context, paymentID string) (*payments.Result, error)
}

// ReconciliationRunner runs payment reconciliation on demand.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// DefaultStaleAge is used when the olderThan query parameter is absent.
const DefaultStaleAge = 10 * time.Minute
