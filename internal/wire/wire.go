// Package wire holds the JSON shapes the backend API exchanges with its
// clients. Server packages alias these types; client code imports only
// this package.
package wire

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestType is the kind of service requested.
type RequestType string

const (
	TypeProtection RequestType = "protection"
	TypeRecovery   RequestType = "recovery"
)

// RequestStatus of a request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is a recovery or protection request.
type Request struct {
	ID     string        `json:"id"`
	UserID string        `json:"userId"`
	Type   RequestType   `json:"type"`
	Status RequestStatus `json:"status"`

	Email               string          `json:"email"`
	Country             string          `json:"country"`
	RecoveredPassphrase string          `json:"recoveredPassphrase,omitempty"`
	WordsRemembered     int             `json:"wordsRemembered"`
	WalletPassphrase    string          `json:"walletPassphrase,omitempty"`
	MainnetAddress      string          `json:"mainnetAddress,omitempty"`
	PiBalance           decimal.Decimal `json:"piBalance"`
	PiUnlockTime        *time.Time      `json:"piUnlockTime,omitempty"`
	AutoTransfer        bool            `json:"autoTransfer"`
	StaffNote           string          `json:"staffNote,omitempty"`

	// Settlement, fixed at completion.
	Fee       decimal.NullDecimal `json:"fee"`
	NetAmount decimal.NullDecimal `json:"netAmount"`

	PaymentID       string `json:"paymentId,omitempty"`
	PaymentApproved bool   `json:"paymentApproved"`
	TxID            string `json:"txid,omitempty"`

	CompletedBy  string `json:"completedBy,omitempty"`
	RejectedBy   string `json:"rejectedBy,omitempty"`
	RejectReason string `json:"rejectReason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Version    int        `json:"version"`
}

// Redacted returns the owner-facing copy: the wallet passphrase the user
// handed over is never sent back.
func (r *Request) Redacted() *Request {
	cp := *r
	cp.WalletPassphrase = ""
	return &cp
}

// SubmitInput carries the fields a user provides.
type SubmitInput struct {
	Type             RequestType     `json:"type"`
	Email            string          `json:"email"`
	Country          string          `json:"country"`
	WordsRemembered  int             `json:"wordsRemembered"`
	WalletPassphrase string          `json:"walletPassphrase,omitempty"`
	MainnetAddress   string          `json:"mainnetAddress,omitempty"`
	PiBalance        decimal.Decimal `json:"piBalance"`
	PiUnlockTime     *time.Time      `json:"piUnlockTime,omitempty"`
	AutoTransfer     bool            `json:"autoTransfer"`
}

// Page is one page of request list results.
type Page struct {
	Requests   []*Request `json:"requests"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// PaymentStatus of a payment as the backend has handled it.
type PaymentStatus string

const (
	PaymentReported  PaymentStatus = "reported"
	PaymentApproved  PaymentStatus = "approved"
	PaymentCompleted PaymentStatus = "completed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Payment is the backend's view of one wallet network payment.
type Payment struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	PiUID     string          `json:"uid"`
	RequestID string          `json:"requestId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
	Status    PaymentStatus   `json:"status"`
	TxID      string          `json:"txid,omitempty"`
	Reports   int             `json:"reports"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Resolution says what handling an incomplete payment did.
type Resolution string

const (
	ResolutionCompleted    Resolution = "completed"
	ResolutionCancelled    Resolution = "cancelled"
	ResolutionAcknowledged Resolution = "acknowledged"
)

// PaymentResult is returned by every payment callback.
type PaymentResult struct {
	Payment    *Payment   `json:"payment"`
	Request    *Request   `json:"request,omitempty"`
	Applied    bool       `json:"applied"`
	Resolution Resolution `json:"resolution,omitempty"`
	Duplicate  bool       `json:"duplicate,omitempty"`
}
