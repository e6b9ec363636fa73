// Package callbacks relays wallet runtime payment callbacks to the backend.
//
// Delivery is best effort and at least once: the backend handles every
// relay idempotently, so a callback may be sent again after a failure.
// Incomplete payments are never dropped. One found before sign-in, or
// whose relay fails transiently, waits in a queue that is flushed when a
// session starts or Flush is called.
package callbacks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/metrics"
	"github.com/mbd888/piguard/internal/session"
	"github.com/mbd888/piguard/internal/walletsdk"
	"github.com/mbd888/piguard/internal/wire"
)

// ErrQueued is returned by OnIncompleteFound when the payment was queued
// instead of sent.
var ErrQueued = errors.New("incomplete payment queued for the next session")

// Relay is the backend API the router forwards to.
type Relay interface {
	ReportIncomplete(ctx context.Context, p walletsdk.Payment) (*wire.PaymentResult, error)
	ApprovePayment(ctx context.Context, paymentID string) (*wire.PaymentResult, error)
	CompletePayment(ctx context.Context, paymentID, txid string) (*wire.PaymentResult, error)
	CancelPayment(ctx context.Context, paymentID string) (*wire.PaymentResult, error)
}

// Notifier surfaces payment problems to the user.
type Notifier interface {
	PaymentFailed(paymentID string, err error)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) PaymentFailed(paymentID string, err error) {
	n.Logger.Warn("payment failed", "payment", paymentID, "error", err, "retryable", failure.Retryable(err))
}

// Router forwards each callback to the backend.
type Router struct {
	relay    Relay
	store    *session.Store
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]walletsdk.Payment
}

// NewRouter creates a router. store decides whether a session exists.
func NewRouter(relay Relay, store *session.Store, notifier Notifier, logger *slog.Logger) *Router {
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Router{
		relay:    relay,
		store:    store,
		notifier: notifier,
		logger:   logger,
		pending:  make(map[string]walletsdk.Payment),
	}
}

// OnIncompleteFound reports a payment left over from an earlier session.
// Without a session, or when the relay fails in a way worth retrying, the
// payment is queued and the returned error says why.
func (r *Router) OnIncompleteFound(ctx context.Context, p walletsdk.Payment) (*wire.PaymentResult, error) {
	if !r.store.Get().Authenticated() {
		r.enqueue(p)
		observe(walletsdk.KindIncompleteFound, "queued")
		return nil, ErrQueued
	}

	res, err := r.relay.ReportIncomplete(ctx, p)
	if err != nil {
		if failure.Retryable(err) || errors.Is(err, failure.ErrUnauthenticated) {
			r.enqueue(p)
			observe(walletsdk.KindIncompleteFound, "queued")
			return nil, fmt.Errorf("%w: %w", ErrQueued, err)
		}
		observe(walletsdk.KindIncompleteFound, failure.Code(err))
		return nil, fmt.Errorf("report incomplete payment %s: %w", p.Identifier, err)
	}
	r.dequeue(p.Identifier)
	observe(walletsdk.KindIncompleteFound, "ok")
	return res, nil
}

// OnReadyForApproval asks the backend to approve the payment.
func (r *Router) OnReadyForApproval(ctx context.Context, paymentID string) (*wire.PaymentResult, error) {
	res, err := r.relay.ApprovePayment(ctx, paymentID)
	return r.finish(walletsdk.KindReadyForApproval, paymentID, res, err)
}

// OnReadyForCompletion hands the transaction id to the backend.
func (r *Router) OnReadyForCompletion(ctx context.Context, paymentID, txid string) (*wire.PaymentResult, error) {
	res, err := r.relay.CompletePayment(ctx, paymentID, txid)
	return r.finish(walletsdk.KindReadyForCompletion, paymentID, res, err)
}

// OnCancelled tells the backend the payment was cancelled.
func (r *Router) OnCancelled(ctx context.Context, paymentID string) (*wire.PaymentResult, error) {
	res, err := r.relay.CancelPayment(ctx, paymentID)
	return r.finish(walletsdk.KindCancelled, paymentID, res, err)
}

// OnErrored logs and surfaces a runtime error. It changes no payment or
// request state.
func (r *Router) OnErrored(_ context.Context, err error, p *walletsdk.Payment) {
	id := ""
	if p != nil {
		id = p.Identifier
	}
	r.logger.Error("wallet runtime payment error", "payment", id, "error", err)
	r.notifier.PaymentFailed(id, err)
	observe(walletsdk.KindErrored, "surfaced")
}

// Dispatch routes ev to its handler.
func (r *Router) Dispatch(ctx context.Context, ev walletsdk.PaymentEvent) error {
	var err error
	switch e := ev.(type) {
	case walletsdk.IncompleteFound:
		_, err = r.OnIncompleteFound(ctx, e.Payment)
	case walletsdk.ReadyForApproval:
		_, err = r.OnReadyForApproval(ctx, e.ID)
	case walletsdk.ReadyForCompletion:
		_, err = r.OnReadyForCompletion(ctx, e.ID, e.TxID)
	case walletsdk.Cancelled:
		_, err = r.OnCancelled(ctx, e.ID)
	case walletsdk.Errored:
		r.OnErrored(ctx, e.Err, e.Payment)
	default:
		err = fmt.Errorf("%w: unknown payment event %T", failure.ErrValidation, ev)
	}
	return err
}

// Run dispatches events until ctx ends or events is closed. A sign-in on
// sessions flushes the incomplete queue. Relay failures are logged and
// surfaced; they do not stop the loop.
func (r *Router) Run(ctx context.Context, events <-chan walletsdk.PaymentEvent, sessions <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Dispatch(ctx, ev); err != nil {
				if errors.Is(err, ErrQueued) {
					r.logger.Info("incomplete payment queued", "payment", ev.PaymentID(), "reason", err)
					continue
				}
				r.logger.Warn("payment relay failed", "kind", ev.Kind(), "payment", ev.PaymentID(), "error", err)
				r.notifier.PaymentFailed(ev.PaymentID(), err)
			}
		case sev, ok := <-sessions:
			if !ok {
				sessions = nil
				continue
			}
			if sev.Kind == session.SignedIn {
				if err := r.Flush(ctx); err != nil {
					r.logger.Warn("flush incomplete payments", "error", err)
				}
			}
		}
	}
}

// Flush re-sends every queued incomplete payment. Payments that fail stay
// queued unless the backend refused them for good.
func (r *Router) Flush(ctx context.Context) error {
	if !r.store.Get().Authenticated() {
		return nil
	}
	var errs []error
	for _, p := range r.snapshot() {
		if _, err := r.OnIncompleteFound(ctx, p); err != nil {
			if !errors.Is(err, ErrQueued) {
				r.dequeue(p.Identifier)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending returns the ids of queued incomplete payments, sorted.
func (r *Router) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) finish(kind walletsdk.EventKind, paymentID string, res *wire.PaymentResult, err error) (*wire.PaymentResult, error) {
	if err != nil {
		observe(kind, failure.Code(err))
		return nil, fmt.Errorf("relay %s for %s: %w", kind, paymentID, err)
	}
	observe(kind, "ok")
	if res != nil && !res.Applied && res.Request != nil && res.Request.Status.IsTerminal() && kind != walletsdk.KindReadyForApproval {
		r.logger.Info("payment outcome ignored, request already disposed",
			"payment", paymentID, "request", res.Request.ID, "status", res.Request.Status)
	}
	return res, nil
}

func (r *Router) enqueue(p walletsdk.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[p.Identifier] = p
}

func (r *Router) dequeue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *Router) snapshot() []walletsdk.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]walletsdk.Payment, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

func observe(kind walletsdk.EventKind, outcome string) {
	metrics.PaymentRelaysTotal.WithLabelValues(string(kind), outcome).Inc()
}
