// Package requests owns recovery and protection requests and the state
// machine that settles them.
//
// Lifecycle:
//
//	pending ──complete──▶ completed
//	   └────reject────▶ failed
//
// Both terminal states are final. Staff dispositions and payment outcomes
// race for the same request; a per-request lock plus an optimistic version
// check in the store guarantee a single winner.
package requests

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/pagination"
	"github.com/mbd888/piguard/internal/wire"
)

var (
	ErrRequestNotFound = fmt.Errorf("request %w", failure.ErrNotFound)
	ErrAlreadyDisposed = fmt.Errorf("%w: request already disposed", failure.ErrInvalidTransition)
	ErrVersionConflict = fmt.Errorf("%w: request changed concurrently", failure.ErrInvalidTransition)
	ErrPaymentMismatch = fmt.Errorf("%w: request is linked to another payment", failure.ErrInvalidTransition)
	ErrNotOwner        = fmt.Errorf("%w: request belongs to another user", failure.ErrForbidden)
)

// Type is the kind of service requested.
type Type = wire.RequestType

const (
	TypeProtection = wire.TypeProtection
	TypeRecovery   = wire.TypeRecovery
)

// Status of a request.
type Status = wire.RequestStatus

const (
	StatusPending   = wire.StatusPending
	StatusCompleted = wire.StatusCompleted
	StatusFailed    = wire.StatusFailed
)

// SystemStaff is recorded as the actor when a payment outcome disposes a
// request without a human.
const SystemStaff = "system:payments"

// PiScale is the number of decimal places Pi amounts carry.
const PiScale = 7

// Request is a recovery or protection request.
type Request = wire.Request

// SubmitInput carries the fields a user provides.
type SubmitInput = wire.SubmitInput

// Settlement carries the terminal fields staff set at completion.
type Settlement struct {
	RecoveredPassphrase string           `json:"recoveredPassphrase,omitempty"`
	PiBalance           *decimal.Decimal `json:"piBalance,omitempty"`
	PiUnlockTime        *time.Time       `json:"piUnlockTime,omitempty"`
	StaffNote           string           `json:"staffNote,omitempty"`
}

// Amendment edits a request without changing its status.
type Amendment struct {
	StaffNote           *string `json:"staffNote,omitempty"`
	RecoveredPassphrase *string `json:"recoveredPassphrase,omitempty"`
}

// OutcomeKind is the terminal state of a wallet network payment.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is a settled payment applied to its request.
type Outcome struct {
	Kind OutcomeKind
	TxID string
	// RequestID links the payment when no approval was seen for it.
	RequestID string
}

// Filter selects requests for List.
type Filter struct {
	UserID string
	Status Status
	Type   Type
	Search string // matches email, country or mainnet address
	After  *pagination.Cursor
	Limit  int
}

// Page is one page of List results.
type Page = wire.Page

// Store persists requests. Update is a compare-and-swap on Version: it
// fails with ErrVersionConflict when the stored version differs and bumps
// r.Version on success. Requests are never deleted.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	// List returns up to f.Limit+1 matches, newest first.
	List(ctx context.Context, f Filter) ([]*Request, error)
}
