// Package session holds the client's bearer credential and identity.
//
// A Store is constructed explicitly and passed to its users. Only the auth
// handshake and logout write to it; everything else reads the token to
// attach it to outbound requests.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
)

// Profile is the backend's view of the signed-in user.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Session is a snapshot of the store.
type Session struct {
	Token           string
	User            *Profile // nil until the token has been verified
	InWalletBrowser bool
}

// Authenticated reports whether a bearer token is held.
func (s Session) Authenticated() bool { return s.Token != "" }

// EventKind names a change to the store.
type EventKind string

const (
	SignedIn  EventKind = "signed_in"
	SignedOut EventKind = "signed_out"
)

// Event is published to subscribers after each change.
type Event struct {
	Kind    EventKind
	Session Session
}

const subscriberBuffer = 8

// Store is the process's session. The zero value is not usable; call New.
type Store struct {
	mu      sync.RWMutex
	current Session
	persist Persister
	logger  *slog.Logger

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New restores a persisted token, if any. The profile stays nil until the
// handshake verifies the token against the backend. Outside the wallet
// browser nothing is restored and the persisted token is left in place.
func New(ctx context.Context, p Persister, inWalletBrowser bool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var token string
	if inWalletBrowser {
		var err error
		if token, err = p.Load(ctx); err != nil {
			return nil, err
		}
	}
	return &Store{
		current: Session{Token: token, InWalletBrowser: inWalletBrowser},
		persist: p,
		logger:  logger,
		subs:    make(map[int]chan Event),
	}, nil
}

// Get returns a copy of the current session.
func (s *Store) Get() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.current
	if out.User != nil {
		u := *out.User
		out.User = &u
	}
	return out
}

// Set stores token and profile. The token is persisted first; if that
// fails the in-memory session is left untouched.
func (s *Store) Set(ctx context.Context, token string, profile Profile) error {
	if err := s.persist.Save(ctx, token); err != nil {
		return err
	}
	s.mu.Lock()
	s.current.Token = token
	s.current.User = &profile
	snap := s.current
	s.mu.Unlock()

	s.publish(Event{Kind: SignedIn, Session: snap})
	return nil
}

// Clear drops the credential. Memory is cleared before storage so no
// outbound call can pick up the stale token, even if the delete fails.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	had := s.current.Token != ""
	s.current.Token = ""
	s.current.User = nil
	snap := s.current
	s.mu.Unlock()

	err := s.persist.Delete(ctx)
	if had {
		s.publish(Event{Kind: SignedOut, Session: snap})
	}
	return err
}

// Subscribe returns a channel of store events and a function that ends the
// subscription. Slow subscribers miss events rather than block writers.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("session subscriber full, event dropped", "kind", ev.Kind)
		}
	}
}

// Authorize sets or removes the bearer header on req from the current token.
func (s *Store) Authorize(req *http.Request) {
	if token := s.Get().Token; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	req.Header.Del("Authorization")
}

// Transport attaches the current token to every request at send time, so
// a cleared store stops authorizing calls immediately.
type Transport struct {
	Store *Store
	Base  http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	r := req.Clone(req.Context())
	t.Store.Authorize(r)
	return base.RoundTrip(r)
}
