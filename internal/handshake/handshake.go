// Package handshake signs the client in: wallet runtime init, wallet
// authentication, then the backend token exchange. Only a completed
// handshake writes to the session store.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/metrics"
	"github.com/mbd888/piguard/internal/session"
	"github.com/mbd888/piguard/internal/walletsdk"
)

// Backend is the part of the API the handshake needs.
type Backend interface {
	ExchangeCredential(ctx context.Context, cred walletsdk.AuthCredential) (string, session.Profile, error)
	Me(ctx context.Context) (session.Profile, error)
	SignOut(ctx context.Context) error
}

// Controller runs handshakes one at a time.
type Controller struct {
	mu      sync.Mutex
	sdk     walletsdk.SDK
	backend Backend
	store   *session.Store
	events  chan<- walletsdk.PaymentEvent
	logger  *slog.Logger
}

// New creates a controller. Incomplete payments the runtime reports while
// authenticating are sent to events, which the callback router drains.
func New(sdk walletsdk.SDK, backend Backend, store *session.Store, events chan<- walletsdk.PaymentEvent, logger *slog.Logger) *Controller {
	return &Controller{
		sdk:     sdk,
		backend: backend,
		store:   store,
		events:  events,
		logger:  logger,
	}
}

// Authenticate returns a signed-in session. Outside the wallet browser it
// fails with ErrWalletBrowserRequired before touching the store or the
// backend. A verified session in the store is returned unchanged. A restored token is checked with the backend and
// dropped if the backend no longer accepts it. Otherwise the full handshake
// runs; if ctx ends before it finishes nothing is stored.
func (c *Controller) Authenticate(ctx context.Context) (sess session.Session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = failure.Code(err)
			if errors.Is(err, context.Canceled) {
				outcome = "abandoned"
			}
		}
		metrics.HandshakesTotal.WithLabelValues(outcome).Inc()
	}()

	if !c.sdk.InWalletBrowser() {
		return session.Session{}, failure.ErrWalletBrowserRequired
	}

	cur := c.store.Get()
	if cur.Authenticated() {
		if cur.User != nil {
			outcome = "cached"
			return cur, nil
		}
		profile, err := c.backend.Me(ctx)
		switch {
		case err == nil:
			if err := c.store.Set(ctx, cur.Token, profile); err != nil {
				return session.Session{}, fmt.Errorf("store session: %w", err)
			}
			outcome = "restored"
			return c.store.Get(), nil
		case errors.Is(err, failure.ErrUnauthenticated):
			c.logger.Info("stored token rejected, signing in again")
			if err := c.store.Clear(ctx); err != nil {
				c.logger.Warn("clear rejected token", "error", err)
			}
		default:
			return session.Session{}, fmt.Errorf("verify stored token: %w", err)
		}
	}

	if err := c.sdk.Init(ctx); err != nil {
		return session.Session{}, sdkError("init wallet sdk", err)
	}

	cred, err := c.sdk.Authenticate(ctx, walletsdk.MinimalScopes, c.events)
	if err != nil {
		return session.Session{}, sdkError("wallet authentication", err)
	}
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}

	token, profile, err := c.backend.ExchangeCredential(ctx, cred)
	if err != nil {
		return session.Session{}, fmt.Errorf("exchange credential: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}

	if err := c.store.Set(ctx, token, profile); err != nil {
		return session.Session{}, fmt.Errorf("store session: %w", err)
	}
	c.logger.Info("signed in", "user", profile.ID, "username", profile.Username)
	return c.store.Get(), nil
}

// Logout revokes the token on the backend when possible and clears the
// store either way.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store.Get().Authenticated() {
		if err := c.backend.SignOut(ctx); err != nil {
			c.logger.Warn("backend sign-out failed, clearing local session", "error", err)
		}
	}
	return c.store.Clear(ctx)
}

// sdkError keeps cancellation and classified runtime errors as they are and
// reports anything else as an unavailable runtime.
func sdkError(step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if failure.KindOf(err) == failure.KindInternal {
		return fmt.Errorf("%s: %w: %v", step, failure.ErrSdkUnavailable, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}
