// Package failure defines the error taxonomy shared by the client core and
// the backend service.
//
// Every package returns (or wraps with %w) one of the sentinels below so
// callers can branch with errors.Is regardless of which layer failed.
// The backend answers {"error": "<code>", "message": "..."} and the client
// maps the code back into the same sentinel with FromCode.
package failure

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Kind is the machine-readable name of an error class.
type Kind string

const (
	KindSdkUnavailable        Kind = "sdk_unavailable"
	KindWalletBrowserRequired Kind = "wallet_browser_required"
	KindUserDeclined          Kind = "user_declined"
	KindBackendRejected       Kind = "backend_rejected"
	KindUnauthenticated       Kind = "unauthenticated"
	KindForbidden             Kind = "forbidden"
	KindInvalidTransition     Kind = "invalid_transition"
	KindMissingReason         Kind = "missing_reason"
	KindImmutableField        Kind = "immutable_field"
	KindValidation            Kind = "validation_error"
	KindNotFound              Kind = "not_found"
	KindTimeout               Kind = "timeout"
	KindNetwork               Kind = "network_error"
	KindInternal              Kind = "internal_error"
)

var (
	ErrSdkUnavailable    = errors.New("wallet SDK unavailable")
	ErrUserDeclined      = errors.New("user declined the wallet prompt")
	ErrBackendRejected   = errors.New("backend rejected the credential")
	ErrUnauthenticated   = errors.New("authentication required")
	ErrForbidden         = errors.New("not allowed for this caller")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingReason     = errors.New("reject reason is required")
	ErrImmutableField    = errors.New("field is already set and cannot change")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("operation timed out")
	ErrNetwork           = errors.New("network error")

	// ErrWalletBrowserRequired is the short-circuit signal returned when the
	// host is not the wallet network browser. It also matches
	// ErrSdkUnavailable so generic callers can treat both alike.
	ErrWalletBrowserRequired error = walletBrowserRequired{}
)

type walletBrowserRequired struct{}

func (walletBrowserRequired) Error() string {
	return "open this page in the wallet network browser"
}

func (walletBrowserRequired) Is(target error) bool {
	return target == ErrSdkUnavailable
}

// ordered from most to least specific; WalletBrowserRequired must precede
// SdkUnavailable because it matches both.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrWalletBrowserRequired, KindWalletBrowserRequired},
	{ErrSdkUnavailable, KindSdkUnavailable},
	{ErrUserDeclined, KindUserDeclined},
	{ErrBackendRejected, KindBackendRejected},
	{ErrUnauthenticated, KindUnauthenticated},
	{ErrForbidden, KindForbidden},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrMissingReason, KindMissingReason},
	{ErrImmutableField, KindImmutableField},
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrTimeout, KindTimeout},
	{ErrNetwork, KindNetwork},
}

// KindOf classifies err. Context deadlines count as timeouts and
// net.Error values as network errors. Anything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindInternal
}

// FromCode returns the sentinel for a wire code, or nil when the code is
// unknown.
func FromCode(code string) error {
	if Kind(code) == KindWalletBrowserRequired {
		return ErrWalletBrowserRequired
	}
	for _, k := range kinds {
		if string(k.kind) == code {
			return k.err
		}
	}
	return nil
}

// Retryable reports whether the user may simply try again.
// Workflow errors (invalid transition, missing reason) are never retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindUserDeclined, KindSdkUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps err to the status code and wire code a handler answers with.
func HTTPStatus(err error) (int, string) {
	kind := KindOf(err)
	switch kind {
	case KindUnauthenticated, KindBackendRejected:
		return http.StatusUnauthorized, string(kind)
	case KindForbidden:
		return http.StatusForbidden, string(kind)
	case KindNotFound:
		return http.StatusNotFound, string(kind)
	case KindInvalidTransition, KindImmutableField:
		return http.StatusConflict, string(kind)
	case KindMissingReason, KindValidation:
		return http.StatusBadRequest, string(kind)
	case KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	case KindNetwork, KindSdkUnavailable, KindWalletBrowserRequired:
		return http.StatusBadGateway, string(kind)
	}
	return http.StatusInternalServerError, string(KindInternal)
}

// Code is the wire code for err.
func Code(err error) string {
	return string(KindOf(err))
}
