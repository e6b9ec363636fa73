package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/logging"
	"github.com/mbd888/piguard/internal/walletsdk"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeVerifier maps access tokens to users.
type fakeVerifier struct {
	users map[string]walletsdk.User
	err   error
	calls int
}

func (f *fakeVerifier) Me(_ context.Context, accessToken string) (walletsdk.User, error) {
	f.calls++
	if f.err != nil {
		return walletsdk.User{}, f.err
	}
	u, ok := f.users[accessToken]
	if !ok {
		return walletsdk.User{}, failure.ErrBackendRejected
	}
	return u, nil
}

func newTestService(t *testing.T) (*Service, *fakeVerifier) {
	t.Helper()
	v := &fakeVerifier{users: map[string]walletsdk.User{
		"at_alice": {UID: "uid-alice", Username: "alice"},
		"at_staff": {UID: "uid-staff", Username: "Moderator"},
	}}
	svc := NewService(NewMemoryStore(), v, NewTokens(testSecret, time.Hour), NewMemoryRevocations(), []string{"moderator"}, logging.Discard())
	return svc, v
}

func TestSignIn_IssuesToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, user, err := svc.SignIn(ctx, walletsdk.AuthCredential{
		AccessToken: "at_alice",
		User:        walletsdk.User{UID: "uid-alice", Username: "alice"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, RoleUser, user.Role)

	claims, err := svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, "alice", claims.Username)
}

func TestSignIn_SameUIDKeepsUserID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cred := walletsdk.AuthCredential{AccessToken: "at_alice"}

	_, first, err := svc.SignIn(ctx, cred)
	require.NoError(t, err)
	_, second, err := svc.SignIn(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestSignIn_StaffRole(t *testing.T) {
	svc, _ := newTestService(t)

	_, user, err := svc.SignIn(context.Background(), walletsdk.AuthCredential{AccessToken: "at_staff"})
	require.NoError(t, err)
	assert.Equal(t, RoleStaff, user.Role)
}

func TestSignIn_Rejections(t *testing.T) {
	tests := []struct {
		name string
		cred walletsdk.AuthCredential
	}{
		{"empty token", walletsdk.AuthCredential{}},
		{"unknown token", walletsdk.AuthCredential{AccessToken: "at_forged"}},
		{"identity mismatch", walletsdk.AuthCredential{
			AccessToken: "at_alice",
			User:        walletsdk.User{UID: "uid-mallory"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			token, _, err := svc.SignIn(context.Background(), tt.cred)
			assert.ErrorIs(t, err, failure.ErrBackendRejected)
			assert.Empty(t, token)
		})
	}
}

func TestSignIn_PlatformOutageIsRetryable(t *testing.T) {
	svc, v := newTestService(t)
	v.err = failure.ErrTimeout

	_, _, err := svc.SignIn(context.Background(), walletsdk.AuthCredential{AccessToken: "at_alice"})
	assert.ErrorIs(t, err, failure.ErrTimeout)
	assert.True(t, failure.Retryable(err))
}

func TestSignOut_RevokesToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, _, err := svc.SignIn(ctx, walletsdk.AuthCredential{AccessToken: "at_alice"})
	require.NoError(t, err)
	claims, err := svc.Authenticate(ctx, token)
	require.NoError(t, err)

	require.NoError(t, svc.SignOut(ctx, claims))

	_, err = svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	assert.ErrorIs(t, err, failure.ErrUnauthenticated)
}

func TestTokens_Parse(t *testing.T) {
	tokens := NewTokens(testSecret, time.Minute)
	user := &User{ID: "usr_1", Username: "alice", Role: RoleUser}

	raw, _, err := tokens.Issue(user)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		claims, err := tokens.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "usr_1", claims.Subject)
		assert.Equal(t, "piguard", claims.Issuer)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokens("ffffffffffffffffffffffffffffffff", time.Minute)
		_, err := other.Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		late := NewTokens(testSecret, time.Minute)
		late.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err := late.Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tokens.Parse("not.a.jwt")
		assert.True(t, errors.Is(err, failure.ErrUnauthenticated))
	})
}

func TestMemoryRevocations_Expire(t *testing.T) {
	r := NewMemoryRevocations()
	now := time.Now()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, r.Revoke(ctx, "tok_a", now.Add(time.Minute)))
	require.NoError(t, r.Revoke(ctx, "tok_past", now.Add(-time.Minute)))

	revoked, _ := r.IsRevoked(ctx, "tok_a")
	assert.True(t, revoked)
	revoked, _ = r.IsRevoked(ctx, "tok_past")
	assert.False(t, revoked)

	now = now.Add(2 * time.Minute)
	revoked, _ = r.IsRevoked(ctx, "tok_a")
	assert.False(t, revoked)
}
