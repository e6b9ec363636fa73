// Package payments handles the payment callbacks the client relays from the
// wallet runtime. Each call re-reads the payment from the platform, checks
// that it belongs to the caller, moves it forward on the platform and feeds
// its outcome into the request lifecycle.
//
// Records are keyed by the network payment id, so replays of the same
// incomplete payment are counted, not duplicated.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/piguard/internal/auth"
	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/requests"
	"github.com/mbd888/piguard/internal/walletsdk"
	"github.com/mbd888/piguard/internal/wire"
)

var (
	ErrPaymentNotFound = fmt.Errorf("payment %w", failure.ErrNotFound)
	ErrNotPayer        = fmt.Errorf("%w: payment belongs to another user", failure.ErrForbidden)
)

// Status of a payment as the backend has handled it.
type Status = wire.PaymentStatus

const (
	StatusReported  = wire.PaymentReported
	StatusApproved  = wire.PaymentApproved
	StatusCompleted = wire.PaymentCompleted
	StatusCancelled = wire.PaymentCancelled
)

// Record is the backend's view of one wallet network payment.
type Record = wire.Payment

// Store persists payment records.
type Store interface {
	// Save inserts rec or, when the id exists, bumps its report count. It
	// returns the stored record and whether it was new. Only replays of an
	// incomplete payment go through Save.
	Save(ctx context.Context, rec *Record) (*Record, bool, error)
	// Ensure inserts rec when the id is new and otherwise returns the
	// stored record untouched, apart from filling a missing request id.
	Ensure(ctx context.Context, rec *Record) (*Record, bool, error)
	Get(ctx context.Context, id string) (*Record, error)
	// Advance moves the record to status and sets txid when given.
	Advance(ctx context.Context, id string, status Status, txid string) error
	// ListOpen returns reported or approved records last updated before
	// cutoff, oldest first.
	ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)
}

// Platform is the wallet network API.
type Platform interface {
	GetPayment(ctx context.Context, paymentID string) (*walletsdk.Payment, error)
	ApprovePayment(ctx context.Context, paymentID string) (*walletsdk.Payment, error)
	CompletePayment(ctx context.Context, paymentID, txid string) (*walletsdk.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (*walletsdk.Payment, error)
}

// Lifecycle is the request state machine.
type Lifecycle interface {
	GetOwned(ctx context.Context, id, userID string) (*requests.Request, error)
	ApproveWith(ctx context.Context, requestID, paymentID string, confirm func(context.Context) error) (*requests.Request, error)
	ApplyPaymentOutcome(ctx context.Context, paymentID string, out requests.Outcome) (bool, *requests.Request, error)
}

// Users resolves a caller to the wallet network uid payments carry.
type Users interface {
	Profile(ctx context.Context, userID string) (*auth.User, error)
}

// Resolution says what handling an incomplete payment did.
type Resolution = wire.Resolution

const (
	ResolutionCompleted    = wire.ResolutionCompleted
	ResolutionCancelled    = wire.ResolutionCancelled
	ResolutionAcknowledged = wire.ResolutionAcknowledged
)

// Result is returned by every callback.
type Result = wire.PaymentResult
