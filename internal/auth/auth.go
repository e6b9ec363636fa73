// Package auth exchanges wallet network credentials for bearer tokens and
// guards the API with them.
//
// Authentication model:
//   - POST /v1/auth/signin verifies the wallet network access token with the
//     platform and returns a signed bearer token plus the user profile
//   - Every other /v1 route requires "Authorization: Bearer <token>"
//   - Staff routes additionally require the staff role
//   - Sign-out revokes the token id until the token would have expired
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/idgen"
	"github.com/mbd888/piguard/internal/logging"
	"github.com/mbd888/piguard/internal/metrics"
	"github.com/mbd888/piguard/internal/walletsdk"
)

// Errors
var (
	ErrInvalidToken     = fmt.Errorf("%w: invalid or expired token", failure.ErrUnauthenticated)
	ErrTokenRevoked     = fmt.Errorf("%w: token revoked", failure.ErrUnauthenticated)
	ErrUserNotFound     = fmt.Errorf("user %w", failure.ErrNotFound)
	ErrIdentityMismatch = fmt.Errorf("%w: signed user does not own the access token", failure.ErrBackendRejected)
)

// Role grants access to route groups.
type Role string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
)

// User is a wallet network user known to the service.
type User struct {
	ID           string     `json:"id"`
	PiUID        string     `json:"uid"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	Role         Role       `json:"role"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastSignInAt *time.Time `json:"lastSignInAt,omitempty"`
}

// Store persists users.
type Store interface {
	// UpsertByUID creates the user or refreshes username, role and sign-in
	// time of the existing one. It returns the stored record.
	UpsertByUID(ctx context.Context, u *User) (*User, error)
	Get(ctx context.Context, id string) (*User, error)
}

// Verifier resolves a wallet network access token to its owner.
type Verifier interface {
	Me(ctx context.Context, accessToken string) (walletsdk.User, error)
}

// Service handles sign-in, token checks and sign-out.
type Service struct {
	store       Store
	verifier    Verifier
	tokens      *Tokens
	revocations Revocations
	staff       map[string]bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates an auth service. staffUsernames are granted the staff
// role on sign-in.
func NewService(store Store, verifier Verifier, tokens *Tokens, revocations Revocations, staffUsernames []string, logger *slog.Logger) *Service {
	staff := make(map[string]bool, len(staffUsernames))
	for _, u := range staffUsernames {
		staff[strings.ToLower(strings.TrimSpace(u))] = true
	}
	if revocations == nil {
		revocations = NewMemoryRevocations()
	}
	return &Service{
		store:       store,
		verifier:    verifier,
		tokens:      tokens,
		revocations: revocations,
		staff:       staff,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SignIn verifies cred with the platform and issues a bearer token.
// The credential is used once and never stored.
func (s *Service) SignIn(ctx context.Context, cred walletsdk.AuthCredential) (string, *User, error) {
	if strings.TrimSpace(cred.AccessToken) == "" {
		return "", nil, fmt.Errorf("%w: access token missing", failure.ErrBackendRejected)
	}

	me, err := s.verifier.Me(ctx, cred.AccessToken)
	if err != nil {
		if errors.Is(err, failure.ErrUnauthenticated) || errors.Is(err, failure.ErrForbidden) {
			return "", nil, fmt.Errorf("%w: %v", failure.ErrBackendRejected, err)
		}
		return "", nil, fmt.Errorf("verify credential: %w", err)
	}
	if cred.User.UID != "" && cred.User.UID != me.UID {
		s.logger.Warn("sign-in identity mismatch", "claimed_uid", cred.User.UID, "token_uid", me.UID)
		return "", nil, ErrIdentityMismatch
	}

	role := RoleUser
	if s.staff[strings.ToLower(me.Username)] {
		role = RoleStaff
	}
	now := s.now()
	u, err := s.store.UpsertByUID(ctx, &User{
		ID:           idgen.WithPrefix(idgen.PrefixUser),
		PiUID:        me.UID,
		Username:     me.Username,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastSignInAt: &now,
	})
	if err != nil {
		return "", nil, fmt.Errorf("store user: %w", err)
	}

	token, _, err := s.tokens.Issue(u)
	if err != nil {
		return "", nil, err
	}
	logging.L(ctx).Info("user signed in", "user", u.ID, "username", u.Username, "role", u.Role)
	return token, u, nil
}

// Authenticate checks a raw bearer token.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.tokens.Parse(raw)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// SignOut revokes the token described by claims.
func (s *Service) SignOut(ctx context.Context, claims *Claims) error {
	until := s.now().Add(time.Hour)
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	if err := s.revocations.Revoke(ctx, claims.ID, until); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	metrics.TokensRevokedTotal.Inc()
	logging.L(ctx).Info("user signed out", "user", claims.Subject)
	return nil
}

// Profile returns the stored user.
func (s *Service) Profile(ctx context.Context, userID string) (*User, error) {
	return s.store.Get(ctx, userID)
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User // by ID
	byUID map[string]string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		byUID: make(map[string]string),
	}
}

func (s *MemoryStore) UpsertByUID(ctx context.Context, u *User) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUID[u.PiUID]; ok {
		cur := s.users[id]
		cur.Username = u.Username
		cur.Role = u.Role
		cur.UpdatedAt = u.UpdatedAt
		cur.LastSignInAt = u.LastSignInAt
		cp := *cur
		return &cp, nil
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byUID[u.PiUID] = u.ID
	out := cp
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
