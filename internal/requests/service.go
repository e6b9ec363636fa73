package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/piguard/internal/events"
	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/idgen"
	"github.com/mbd888/piguard/internal/logging"
	"github.com/mbd888/piguard/internal/metrics"
	"github.com/mbd888/piguard/internal/pagination"
	"github.com/mbd888/piguard/internal/syncutil"
	"github.com/mbd888/piguard/internal/traces"
	"github.com/mbd888/piguard/internal/validation"
)

// DefaultFeePercent is taken from the Pi balance of a completed recovery.
var DefaultFeePercent = decimal.NewFromInt(25)

const cancelledReason = "payment cancelled"

// Service implements the request lifecycle.
type Service struct {
	store      Store
	locks      *syncutil.KeyedMutex
	publisher  events.Publisher
	feePercent decimal.Decimal
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a lifecycle manager over store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		locks:      syncutil.NewKeyedMutex(),
		publisher:  events.Nop{},
		feePercent: DefaultFeePercent,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher sends lifecycle events to p.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithFeePercent overrides the recovery fee.
func (s *Service) WithFeePercent(pct decimal.Decimal) *Service {
	s.feePercent = pct
	return s
}

// Submit creates a pending request owned by userID.
func (s *Service) Submit(ctx context.Context, userID string, in SubmitInput) (*Request, error) {
	if userID == "" {
		return nil, failure.ErrUnauthenticated
	}

	in.WalletPassphrase = validation.NormalizePassphrase(in.WalletPassphrase)
	in.Email = strings.TrimSpace(in.Email)
	in.Country = validation.SanitizeString(in.Country, 64)
	if err := validation.Validate(
		validation.OneOf("type", string(in.Type), string(TypeProtection), string(TypeRecovery)),
		validation.Required("email", in.Email),
		validation.Email("email", in.Email),
		validation.Required("country", in.Country),
		validation.IntRange("wordsRemembered", in.WordsRemembered, 0, validation.PassphraseWords),
		validation.Passphrase("walletPassphrase", in.WalletPassphrase),
		validation.PiAddress("mainnetAddress", in.MainnetAddress),
		validation.NonNegative("piBalance", in.PiBalance),
	); err != nil {
		return nil, err
	}

	now := s.now()
	r := &Request{
		ID:               idgen.WithPrefix(idgen.PrefixRequest),
		UserID:           userID,
		Type:             in.Type,
		Status:           StatusPending,
		Email:            in.Email,
		Country:          in.Country,
		WordsRemembered:  in.WordsRemembered,
		WalletPassphrase: in.WalletPassphrase,
		MainnetAddress:   in.MainnetAddress,
		PiBalance:        in.PiBalance,
		PiUnlockTime:     in.PiUnlockTime,
		AutoTransfer:     in.AutoTransfer,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	metrics.RequestsSubmittedTotal.WithLabelValues(string(r.Type)).Inc()
	logging.L(ctx).Info("request submitted", "request", r.ID, "type", r.Type)
	s.publish(ctx, "submitted", r, "")
	return r, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// GetOwned returns a request only if userID owns it.
func (s *Service) GetOwned(ctx context.Context, id, userID string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, ErrNotOwner
	}
	return r, nil
}

// List returns one page of requests matching f.
func (s *Service) List(ctx context.Context, f Filter) (Page, error) {
	if f.Limit <= 0 || f.Limit > pagination.MaxLimit {
		f.Limit = pagination.DefaultLimit
	}
	f.Search = strings.TrimSpace(f.Search)
	items, err := s.store.List(ctx, f)
	if err != nil {
		return Page{}, err
	}
	page, next, more := pagination.ComputePage(items, f.Limit, func(r *Request) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if page == nil {
		page = []*Request{}
	}
	return Page{Requests: page, NextCursor: next, HasMore: more}, nil
}

// Approve records that the wallet network payment for requestID is
// approved. It is advisory: the status does not change and completion does
// not depend on it. A disposed request is refused with ErrAlreadyDisposed.
func (s *Service) Approve(ctx context.Context, requestID, paymentID string) (*Request, error) {
	return s.ApproveWith(ctx, requestID, paymentID, nil)
}

// ApproveWith is Approve with confirm run under the request lock after the
// request is known to be pending and before the approval is recorded. A
// staff disposition cannot land between the check and confirm.
func (s *Service) ApproveWith(ctx context.Context, requestID, paymentID string, confirm func(context.Context) error) (*Request, error) {
	unlock, err := s.locks.LockContext(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("%w (status %s)", ErrAlreadyDisposed, r.Status)
	}
	if r.PaymentID != "" && r.PaymentID != paymentID {
		return nil, ErrPaymentMismatch
	}
	if confirm != nil {
		if err := confirm(ctx); err != nil {
			return nil, err
		}
	}
	if r.PaymentID == paymentID && r.PaymentApproved {
		return r, nil
	}

	r.PaymentID = paymentID
	r.PaymentApproved = true
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	s.publish(ctx, "approved", r, "")
	return r, nil
}

// Complete moves a pending request to completed on behalf of staff.
// A recovery is charged the fee on its Pi balance here, once.
func (s *Service) Complete(ctx context.Context, id, staff string, st Settlement) (*Request, error) {
	if strings.TrimSpace(staff) == "" {
		return nil, failure.ErrUnauthenticated
	}
	st.RecoveredPassphrase = validation.NormalizePassphrase(st.RecoveredPassphrase)
	rules := []validation.Rule{
		validation.Passphrase("recoveredPassphrase", st.RecoveredPassphrase),
		validation.MaxLength("staffNote", st.StaffNote, validation.MaxStringLength),
	}
	if st.PiBalance != nil {
		rules = append(rules, validation.NonNegative("piBalance", *st.PiBalance))
	}
	if err := validation.Validate(rules...); err != nil {
		return nil, err
	}

	return s.transition(ctx, id, staff, func(r *Request) error {
		if st.RecoveredPassphrase != "" {
			if r.RecoveredPassphrase != "" && r.RecoveredPassphrase != st.RecoveredPassphrase {
				return failure.ErrImmutableField
			}
			r.RecoveredPassphrase = st.RecoveredPassphrase
		}
		if st.PiBalance != nil {
			r.PiBalance = *st.PiBalance
		}
		if st.PiUnlockTime != nil {
			r.PiUnlockTime = st.PiUnlockTime
		}
		if st.StaffNote != "" {
			r.StaffNote = st.StaffNote
		}
		s.settle(r)
		r.Status = StatusCompleted
		r.CompletedBy = staff
		return nil
	})
}

// Reject moves a pending request to failed. reason is required.
func (s *Service) Reject(ctx context.Context, id, staff, reason string) (*Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, failure.ErrMissingReason
	}
	if strings.TrimSpace(staff) == "" {
		return nil, failure.ErrUnauthenticated
	}
	if err := validation.Validate(validation.MaxLength("reason", reason, validation.MaxStringLength)); err != nil {
		return nil, err
	}

	return s.transition(ctx, id, staff, func(r *Request) error {
		r.Status = StatusFailed
		r.RejectedBy = staff
		r.RejectReason = reason
		return nil
	})
}

// ApplyPaymentOutcome settles the request linked to paymentID under the
// system identity. When a disposition already exists the call is a no-op
// and applied is false; that is not an error.
func (s *Service) ApplyPaymentOutcome(ctx context.Context, paymentID string, out Outcome) (applied bool, r *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "requests.ApplyPaymentOutcome", traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	requestID, err := s.resolvePayment(ctx, paymentID, out.RequestID)
	if err != nil {
		return false, nil, err
	}

	unlock, err := s.locks.LockContext(ctx, requestID)
	if err != nil {
		return false, nil, err
	}
	defer unlock()

	r, err = s.store.Get(ctx, requestID)
	if err != nil {
		return false, nil, err
	}
	if r.Status.IsTerminal() {
		metrics.OutcomeNoopsTotal.WithLabelValues(string(out.Kind)).Inc()
		logging.L(ctx).Info("payment outcome ignored, request already disposed",
			"request", r.ID, "payment", paymentID, "outcome", out.Kind, "status", r.Status)
		return false, r, nil
	}
	if r.PaymentID != "" && r.PaymentID != paymentID {
		return false, nil, ErrPaymentMismatch
	}

	r.PaymentID = paymentID
	switch out.Kind {
	case OutcomeCompleted:
		r.TxID = out.TxID
		s.settle(r)
		r.Status = StatusCompleted
		r.CompletedBy = SystemStaff
	case OutcomeCancelled:
		r.Status = StatusFailed
		r.RejectedBy = SystemStaff
		r.RejectReason = cancelledReason
	default:
		return false, nil, fmt.Errorf("%w: unknown outcome %q", failure.ErrValidation, out.Kind)
	}

	if err := s.commit(ctx, r, SystemStaff); err != nil {
		return false, nil, err
	}
	return true, r, nil
}

// Amend edits the staff note or sets a recovered passphrase that has not
// been set yet. Passphrases never change once set, and a failed request
// never gets one.
func (s *Service) Amend(ctx context.Context, id, staff string, a Amendment) (*Request, error) {
	if a.RecoveredPassphrase != nil {
		norm := validation.NormalizePassphrase(*a.RecoveredPassphrase)
		a.RecoveredPassphrase = &norm
		if err := validation.Validate(validation.Passphrase("recoveredPassphrase", norm)); err != nil {
			return nil, err
		}
	}
	if a.StaffNote != nil {
		if err := validation.Validate(validation.MaxLength("staffNote", *a.StaffNote, validation.MaxStringLength)); err != nil {
			return nil, err
		}
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.RecoveredPassphrase != nil && *a.RecoveredPassphrase != "" {
		if r.Status == StatusFailed {
			return nil, fmt.Errorf("%w (status %s)", ErrAlreadyDisposed, r.Status)
		}
		if r.RecoveredPassphrase != "" {
			return nil, failure.ErrImmutableField
		}
		r.RecoveredPassphrase = *a.RecoveredPassphrase
	}
	if a.StaffNote != nil {
		r.StaffNote = *a.StaffNote
	}
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("request amended", "request", r.ID, "staff", staff)
	s.publish(ctx, "amended", r, staff)
	return r, nil
}

// transition applies mutate to a pending request under its lock.
func (s *Service) transition(ctx context.Context, id, actor string, mutate func(*Request) error) (r *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "requests.transition", traces.RequestID(id), traces.Actor(actor))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; the caller's view may be stale.
	r, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("%w (status %s)", ErrAlreadyDisposed, r.Status)
	}
	if err := mutate(r); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, r, actor); err != nil {
		return nil, err
	}
	return r, nil
}

// commit stamps and stores a terminal request and reports it.
func (s *Service) commit(ctx context.Context, r *Request, actor string) error {
	now := s.now()
	r.UpdatedAt = now
	r.ResolvedAt = &now
	if err := s.store.Update(ctx, r); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("store %s transition for %s: %w", r.Status, r.ID, err)
	}

	kind := "staff"
	if actor == SystemStaff {
		kind = "system"
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(r.Status), kind).Inc()
	if r.Fee.Valid {
		metrics.RecoveryFeesTotal.Add(r.Fee.Decimal.InexactFloat64())
	}
	logging.L(ctx).Info("request disposed", "request", r.ID, "status", r.Status, "actor", actor, "payment", r.PaymentID)
	s.publish(ctx, string(r.Status), r, actor)
	return nil
}

// settle fixes the fee and net amount. Only recoveries pay a fee; the
// values are stored and never recomputed.
func (s *Service) settle(r *Request) {
	if r.Fee.Valid {
		return
	}
	fee := decimal.Zero
	if r.Type == TypeRecovery {
		fee = r.PiBalance.Mul(s.feePercent).Div(decimal.NewFromInt(100)).Round(PiScale)
	}
	r.Fee = decimal.NewNullDecimal(fee)
	r.NetAmount = decimal.NewNullDecimal(r.PiBalance.Sub(fee))
}

func (s *Service) resolvePayment(ctx context.Context, paymentID, requestID string) (string, error) {
	r, err := s.store.GetByPaymentID(ctx, paymentID)
	if err == nil {
		return r.ID, nil
	}
	if !errors.Is(err, failure.ErrNotFound) || requestID == "" {
		return "", err
	}
	return requestID, nil
}

func (s *Service) publish(ctx context.Context, typ string, r *Request, actor string) {
	ev := events.Event{
		Type:      typ,
		RequestID: r.ID,
		UserID:    r.UserID,
		Status:    string(r.Status),
		Actor:     actor,
		PaymentID: r.PaymentID,
		At:        r.UpdatedAt,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish lifecycle event failed", "request", r.ID, "type", typ, "error", err)
	}
}
