package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/logging"
	"github.com/mbd888/piguard/internal/metrics"
	"github.com/mbd888/piguard/internal/piplatform"
	"github.com/mbd888/piguard/internal/requests"
	"github.com/mbd888/piguard/internal/traces"
	"github.com/mbd888/piguard/internal/walletsdk"
)

// Service handles payment callbacks.
type Service struct {
	store     Store
	platform  Platform
	lifecycle Lifecycle
	users     Users
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a payment callback service.
func NewService(store Store, platform Platform, lifecycle Lifecycle, users Users, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		platform:  platform,
		lifecycle: lifecycle,
		users:     users,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleIncomplete settles a payment the runtime replayed from an earlier
// session. A payment with a transaction is completed, one the network
// cancelled is cancelled, anything else is acknowledged and left for the
// later callbacks. Replays are safe.
func (s *Service) HandleIncomplete(ctx context.Context, userID, paymentID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.HandleIncomplete", traces.PaymentID(paymentID))
	defer func() {
		traces.End(span, err)
		observe(walletsdk.KindIncompleteFound, err)
	}()

	l, err := s.load(ctx, userID, paymentID, true)
	if err != nil {
		return nil, err
	}
	res = &Result{Payment: l.record, Request: l.request, Duplicate: !l.created}
	if err := s.resolve(ctx, res, l.payment); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("incomplete payment handled",
		"payment", paymentID, "resolution", res.Resolution, "reports", l.record.Reports, "applied", res.Applied)
	return res, nil
}

// Stale returns payments still open on our side whose last update is older
// than age, oldest first.
func (s *Service) Stale(ctx context.Context, age time.Duration, limit int) ([]*Record, error) {
	return s.store.ListOpen(ctx, s.now().Add(-age), limit)
}

// Resolve settles a recorded payment from the platform's current view of
// it, the way HandleIncomplete does, without a caller. Used by
// reconciliation for payments whose callbacks never arrived.
func (s *Service) Resolve(ctx context.Context, paymentID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Resolve", traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	rec, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	p, err := s.platform.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}
	if p.UserUID != rec.PiUID {
		return nil, fmt.Errorf("%w: platform payer changed", failure.ErrValidation)
	}

	res = &Result{Payment: rec, Duplicate: true}
	if err := s.resolve(ctx, res, p); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("open payment reconciled",
		"payment", paymentID, "resolution", res.Resolution, "applied", res.Applied)
	return res, nil
}

// resolve completes a payment with a transaction, cancels one the network
// cancelled and acknowledges anything else.
func (s *Service) resolve(ctx context.Context, res *Result, p *walletsdk.Payment) error {
	var err error
	switch {
	case p.Transaction != nil && p.Transaction.TxID != "" && !p.Status.Cancelled && !p.Status.UserCancelled:
		if !p.Status.DeveloperCompleted {
			if _, err := s.platform.CompletePayment(ctx, p.Identifier, p.Transaction.TxID); err != nil && !piplatform.IsAlreadyDone(err) {
				return fmt.Errorf("complete incomplete payment: %w", err)
			}
		}
		res.Resolution = ResolutionCompleted
		err = s.settle(ctx, res, p, requests.Outcome{Kind: requests.OutcomeCompleted, TxID: p.Transaction.TxID})
	case p.Status.Cancelled || p.Status.UserCancelled:
		res.Resolution = ResolutionCancelled
		err = s.settle(ctx, res, p, requests.Outcome{Kind: requests.OutcomeCancelled})
	default:
		res.Resolution = ResolutionAcknowledged
	}
	return err
}

// Approve approves the payment on the platform and links it to its
// request. A payment for a disposed request is refused so the user is not
// charged for it.
func (s *Service) Approve(ctx context.Context, userID, paymentID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Approve", traces.PaymentID(paymentID))
	defer func() {
		traces.End(span, err)
		observe(walletsdk.KindReadyForApproval, err)
	}()

	l, err := s.load(ctx, userID, paymentID, false)
	if err != nil {
		return nil, err
	}
	res = &Result{Payment: l.record, Request: l.request}

	// The platform approval runs under the request lock, so a staff
	// disposition either lands first and refuses it or waits for it.
	approved := false
	confirm := func(ctx context.Context) error {
		if _, err := s.platform.ApprovePayment(ctx, paymentID); err != nil && !piplatform.IsAlreadyDone(err) {
			return fmt.Errorf("approve payment: %w", err)
		}
		approved = true
		if err := s.store.Advance(ctx, paymentID, StatusApproved, ""); err != nil {
			s.logger.Error("payment approved on platform but not recorded", "payment", paymentID, "error", err)
			return err
		}
		return nil
	}

	if l.request == nil {
		if err := confirm(ctx); err != nil {
			return nil, err
		}
	} else {
		r, err := s.lifecycle.ApproveWith(ctx, l.request.ID, paymentID, confirm)
		if err != nil {
			if approved {
				s.logger.Error("payment approved but request not linked", "payment", paymentID, "request", l.request.ID, "error", err)
			}
			return nil, err
		}
		res.Request = r
	}

	if cur, err := s.store.Get(ctx, paymentID); err == nil {
		res.Payment = cur
	}
	return res, nil
}

// Complete acknowledges the transaction on the platform and applies the
// completion to the linked request.
func (s *Service) Complete(ctx context.Context, userID, paymentID, txid string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Complete", traces.PaymentID(paymentID))
	defer func() {
		traces.End(span, err)
		observe(walletsdk.KindReadyForCompletion, err)
	}()

	if txid == "" {
		return nil, fmt.Errorf("%w: txid is required", failure.ErrValidation)
	}
	l, err := s.load(ctx, userID, paymentID, false)
	if err != nil {
		return nil, err
	}
	p := l.payment
	if p.Transaction != nil && p.Transaction.TxID != "" && p.Transaction.TxID != txid {
		return nil, fmt.Errorf("%w: txid does not match the payment's transaction", failure.ErrValidation)
	}

	if _, err := s.platform.CompletePayment(ctx, paymentID, txid); err != nil && !piplatform.IsAlreadyDone(err) {
		return nil, fmt.Errorf("complete payment: %w", err)
	}
	res = &Result{Payment: l.record, Request: l.request}
	if err := s.settle(ctx, res, p, requests.Outcome{Kind: requests.OutcomeCompleted, TxID: txid}); err != nil {
		return nil, err
	}
	return res, nil
}

// Cancel cancels the payment on the platform, when it is still open, and
// fails the linked request unless it was already disposed.
func (s *Service) Cancel(ctx context.Context, userID, paymentID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Cancel", traces.PaymentID(paymentID))
	defer func() {
		traces.End(span, err)
		observe(walletsdk.KindCancelled, err)
	}()

	l, err := s.load(ctx, userID, paymentID, false)
	if err != nil {
		return nil, err
	}
	p := l.payment
	if p.Status.DeveloperCompleted {
		return nil, fmt.Errorf("%w: payment already completed", failure.ErrInvalidTransition)
	}
	if !p.Status.Cancelled && !p.Status.UserCancelled {
		if _, err := s.platform.CancelPayment(ctx, paymentID); err != nil && !piplatform.IsAlreadyDone(err) {
			return nil, fmt.Errorf("cancel payment: %w", err)
		}
	}
	res = &Result{Payment: l.record, Request: l.request}
	if err := s.settle(ctx, res, p, requests.Outcome{Kind: requests.OutcomeCancelled}); err != nil {
		return nil, err
	}
	return res, nil
}

// Get returns a payment record the caller made.
func (s *Service) Get(ctx context.Context, userID, paymentID string) (*Record, error) {
	rec, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrPaymentNotFound
	}
	return rec, nil
}

type loaded struct {
	payment *walletsdk.Payment
	record  *Record
	request *requests.Request // nil when the payment names no request
	created bool
}

// load reads the payment from the platform, checks the payer and the
// request it names, and records it. Only a replay counts as a report.
func (s *Service) load(ctx context.Context, userID, paymentID string, replay bool) (*loaded, error) {
	if userID == "" {
		return nil, failure.ErrUnauthenticated
	}
	if paymentID == "" {
		return nil, fmt.Errorf("%w: paymentId is required", failure.ErrValidation)
	}
	user, err := s.users.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, failure.ErrNotFound) {
			return nil, failure.ErrUnauthenticated
		}
		return nil, err
	}

	p, err := s.platform.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}
	if p.UserUID != user.PiUID {
		logging.L(ctx).Warn("payment callback from non-payer", "payment", paymentID, "user", userID)
		return nil, ErrNotPayer
	}

	l := &loaded{payment: p}
	if requestID := p.RequestID(); requestID != "" {
		l.request, err = s.lifecycle.GetOwned(ctx, requestID, userID)
		if errors.Is(err, failure.ErrNotFound) || errors.Is(err, failure.ErrForbidden) {
			return nil, fmt.Errorf("%w: payment metadata names an unknown request", failure.ErrValidation)
		}
		if err != nil {
			return nil, err
		}
	}

	save := s.store.Ensure
	if replay {
		save = s.store.Save
	}
	now := s.now()
	rec, created, err := save(ctx, &Record{
		ID:        p.Identifier,
		UserID:    userID,
		PiUID:     p.UserUID,
		RequestID: p.RequestID(),
		Amount:    p.Amount,
		Memo:      p.Memo,
		Status:    StatusReported,
		Reports:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	l.record, l.created = rec, created
	return l, nil
}

// settle records the terminal payment status and applies the outcome to
// the linked request. A payment with no request is only recorded.
func (s *Service) settle(ctx context.Context, res *Result, p *walletsdk.Payment, out requests.Outcome) error {
	status := StatusCompleted
	if out.Kind == requests.OutcomeCancelled {
		status = StatusCancelled
	}
	if err := s.store.Advance(ctx, p.Identifier, status, out.TxID); err != nil {
		s.logger.Error("payment settled on platform but not recorded",
			"payment", p.Identifier, "status", status, "txid", out.TxID, "error", err)
		return err
	}
	if cur, err := s.store.Get(ctx, p.Identifier); err == nil {
		res.Payment = cur
	}

	out.RequestID = p.RequestID()
	applied, r, err := s.lifecycle.ApplyPaymentOutcome(ctx, p.Identifier, out)
	if err != nil {
		if errors.Is(err, failure.ErrNotFound) && out.RequestID == "" {
			return nil
		}
		s.logger.Error("payment settled but request not updated",
			"payment", p.Identifier, "request", out.RequestID, "outcome", out.Kind, "error", err)
		return err
	}
	res.Applied = applied
	res.Request = r
	return nil
}

func observe(kind walletsdk.EventKind, err error) {
	result := "ok"
	if err != nil {
		result = failure.Code(err)
	}
	metrics.PaymentCallbacksTotal.WithLabelValues(string(kind), result).Inc()
}
