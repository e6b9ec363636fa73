// Package walletsdk models the wallet network runtime that hosts the client:
// authentication, payment creation, and the asynchronous payment callbacks
// it emits.
//
// The runtime reports callbacks as PaymentEvent values on a channel the
// caller owns. Exactly one variant is sent per callback and the adapter never
// synthesizes kinds the runtime did not emit.
package walletsdk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Scope is a permission requested during authentication.
type Scope string

const (
	ScopeUsername      Scope = "username"
	ScopePayments      Scope = "payments"
	ScopeWalletAddress Scope = "wallet_address"
)

// MinimalScopes is identity plus payment authorization.
var MinimalScopes = []Scope{ScopeUsername, ScopePayments}

// User is the wallet network identity.
type User struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
}

// AuthCredential is produced by Authenticate and exchanged once with the
// backend for a bearer token. It must not be persisted.
type AuthCredential struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
	Signature   string `json:"signature"`
}

// PaymentStatus mirrors the runtime's status flags.
type PaymentStatus struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

// Transaction is the on-network transfer backing a payment.
type Transaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
	Link     string `json:"_link,omitempty"`
}

// MetadataRequestID is the metadata key linking a payment to a request.
const MetadataRequestID = "requestId"

// Payment is a wallet network payment as reported by the runtime.
type Payment struct {
	Identifier  string          `json:"identifier"`
	UserUID     string          `json:"user_uid"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	FromAddress string          `json:"from_address,omitempty"`
	ToAddress   string          `json:"to_address,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      PaymentStatus   `json:"status"`
	Transaction *Transaction    `json:"transaction,omitempty"`
}

// RequestID returns the request id carried in the payment metadata.
func (p Payment) RequestID() string {
	id, _ := p.Metadata[MetadataRequestID].(string)
	return id
}

// PaymentData describes a payment the user is asked to make.
type PaymentData struct {
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// EventKind names a PaymentEvent variant.
type EventKind string

const (
	KindIncompleteFound    EventKind = "incomplete_found"
	KindReadyForApproval   EventKind = "ready_for_approval"
	KindReadyForCompletion EventKind = "ready_for_completion"
	KindCancelled          EventKind = "cancelled"
	KindErrored            EventKind = "errored"
)

// PaymentEvent is one runtime callback. The set of implementations is closed.
type PaymentEvent interface {
	Kind() EventKind
	PaymentID() string
	isPaymentEvent()
}

// IncompleteFound reports a payment left unfinished by a prior session.
type IncompleteFound struct {
	Payment Payment
}

// ReadyForApproval asks the server to approve the payment.
type ReadyForApproval struct {
	ID string
}

// ReadyForCompletion reports the on-network transaction for the payment.
type ReadyForCompletion struct {
	ID   string
	TxID string
}

// Cancelled reports a user or system cancellation.
type Cancelled struct {
	ID string
}

// Errored reports a local runtime failure. Payment may be nil.
type Errored struct {
	Err     error
	Payment *Payment
}

func (IncompleteFound) Kind() EventKind    { return KindIncompleteFound }
func (ReadyForApproval) Kind() EventKind   { return KindReadyForApproval }
func (ReadyForCompletion) Kind() EventKind { return KindReadyForCompletion }
func (Cancelled) Kind() EventKind          { return KindCancelled }
func (Errored) Kind() EventKind            { return KindErrored }

func (e IncompleteFound) PaymentID() string    { return e.Payment.Identifier }
func (e ReadyForApproval) PaymentID() string   { return e.ID }
func (e ReadyForCompletion) PaymentID() string { return e.ID }
func (e Cancelled) PaymentID() string          { return e.ID }
func (e Errored) PaymentID() string {
	if e.Payment == nil {
		return ""
	}
	return e.Payment.Identifier
}

func (IncompleteFound) isPaymentEvent()    {}
func (ReadyForApproval) isPaymentEvent()   {}
func (ReadyForCompletion) isPaymentEvent() {}
func (Cancelled) isPaymentEvent()          {}
func (Errored) isPaymentEvent()            {}

// SDK is the wallet runtime as seen by the client core.
type SDK interface {
	// InWalletBrowser reports whether the host is the wallet network browser.
	InWalletBrowser() bool

	// Init prepares the runtime. It fails with failure.ErrSdkUnavailable.
	Init(ctx context.Context) error

	// Authenticate prompts the user for scopes. Incomplete payments found
	// along the way are sent to events. Fails with failure.ErrUserDeclined.
	Authenticate(ctx context.Context, scopes []Scope, events chan<- PaymentEvent) (AuthCredential, error)

	// CreatePayment starts a payment and returns its identifier. Its
	// callbacks are sent to events as the runtime produces them.
	CreatePayment(ctx context.Context, data PaymentData, events chan<- PaymentEvent) (string, error)
}

// emit delivers ev unless ctx ends first.
func emit(ctx context.Context, events chan<- PaymentEvent, ev PaymentEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
