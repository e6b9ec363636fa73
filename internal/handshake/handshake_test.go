package handshake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/piguard/internal/failure"
	"github.com/mbd888/piguard/internal/logging"
	"github.com/mbd888/piguard/internal/session"
	"github.com/mbd888/piguard/internal/walletsdk"
)

var alice = walletsdk.User{UID: "uid-alice", Username: "alice"}

type fakeBackend struct {
	exchanges  atomic.Int32
	signOuts   atomic.Int32
	mes        atomic.Int32
	exchangeFn func(walletsdk.AuthCredential) (string, session.Profile, error)
	meErr      error
	signOutErr error
}

func (f *fakeBackend) ExchangeCredential(_ context.Context, cred walletsdk.AuthCredential) (string, session.Profile, error) {
	f.exchanges.Add(1)
	if f.exchangeFn != nil {
		return f.exchangeFn(cred)
	}
	return "tok_" + cred.User.UID, session.Profile{ID: "usr_alice", Username: cred.User.Username}, nil
}

func (f *fakeBackend) Me(context.Context) (session.Profile, error) {
	f.mes.Add(1)
	if f.meErr != nil {
		return session.Profile{}, f.meErr
	}
	return session.Profile{ID: "usr_alice", Username: "alice"}, nil
}

func (f *fakeBackend) SignOut(context.Context) error {
	f.signOuts.Add(1)
	return f.signOutErr
}

func setup(t *testing.T, sdk walletsdk.SDK, p session.Persister) (*Controller, *fakeBackend, *session.Store) {
	t.Helper()
	store, err := session.New(context.Background(), p, sdk.InWalletBrowser(), logging.Discard())
	require.NoError(t, err)
	backend := &fakeBackend{}
	events := make(chan walletsdk.PaymentEvent, 8)
	return New(sdk, backend, store, events, logging.Discard()), backend, store
}

func TestAuthenticate_FullHandshake(t *testing.T) {
	p := &session.MemoryPersister{}
	c, backend, store := setup(t, walletsdk.NewSandbox(alice, "at_alice"), p)
	sub, done := store.Subscribe()
	defer done()

	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok_uid-alice", sess.Token)
	require.NotNil(t, sess.User)
	assert.Equal(t, "alice", sess.User.Username)
	assert.Equal(t, int32(1), backend.exchanges.Load())

	persisted, _ := p.Load(context.Background())
	assert.Equal(t, "tok_uid-alice", persisted)

	ev := <-sub
	assert.Equal(t, session.SignedIn, ev.Kind)
}

func TestAuthenticate_CachedSessionReturnedUnchanged(t *testing.T) {
	c, backend, _ := setup(t, walletsdk.NewSandbox(alice, "at_alice"), &session.MemoryPersister{})
	ctx := context.Background()

	first, err := c.Authenticate(ctx)
	require.NoError(t, err)
	second, err := c.Authenticate(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), backend.exchanges.Load())
}

func TestAuthenticate_RestoredTokenVerified(t *testing.T) {
	p := &session.MemoryPersister{}
	require.NoError(t, p.Save(context.Background(), "tok_old"))
	c, backend, _ := setup(t, walletsdk.NewSandbox(alice, "at_alice"), p)

	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok_old", sess.Token)
	require.NotNil(t, sess.User)
	assert.Zero(t, backend.exchanges.Load())
}

func TestAuthenticate_RestoredTokenRejectedRunsHandshake(t *testing.T) {
	p := &session.MemoryPersister{}
	require.NoError(t, p.Save(context.Background(), "tok_old"))
	c, backend, _ := setup(t, walletsdk.NewSandbox(alice, "at_alice"), p)
	backend.meErr = failure.ErrUnauthenticated

	sess, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok_uid-alice", sess.Token)
	assert.Equal(t, int32(1), backend.exchanges.Load())
}

func TestAuthenticate_OutsideWalletBrowserIgnoresStoredToken(t *testing.T) {
	p := &session.MemoryPersister{}
	require.NoError(t, p.Save(context.Background(), "tok_old"))
	sdk := walletsdk.NewSandbox(alice, "at_alice")
	sdk.InBrowser = false
	c, backend, store := setup(t, sdk, p)

	_, err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, failure.ErrWalletBrowserRequired)
	assert.False(t, store.Get().Authenticated())
	assert.Zero(t, backend.mes.Load())
	assert.Zero(t, backend.exchanges.Load())

	persisted, _ := p.Load(context.Background())
	assert.Equal(t, "tok_old", persisted, "token kept for the next wallet browser launch")
}

func TestAuthenticate_BrowserCheckPrecedesStoredSession(t *testing.T) {
	p := &session.MemoryPersister{}
	require.NoError(t, p.Save(context.Background(), "tok_old"))
	store, err := session.New(context.Background(), p, true, logging.Discard())
	require.NoError(t, err)
	sdk := walletsdk.NewSandbox(alice, "at_alice")
	sdk.InBrowser = false
	backend := &fakeBackend{}
	c := New(sdk, backend, store, make(chan walletsdk.PaymentEvent, 1), logging.Discard())

	_, err = c.Authenticate(context.Background())
	assert.ErrorIs(t, err, failure.ErrWalletBrowserRequired)
	assert.Zero(t, backend.mes.Load())
}

func TestAuthenticate_OutsideWalletBrowser(t *testing.T) {
	sdk := walletsdk.NewSandbox(alice, "at_alice")
	sdk.InBrowser = false
	c, backend, store := setup(t, sdk, &session.MemoryPersister{})

	_, err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, failure.ErrWalletBrowserRequired)
	assert.ErrorIs(t, err, failure.ErrSdkUnavailable)
	assert.False(t, store.Get().Authenticated())
	assert.Zero(t, backend.exchanges.Load())
}

func TestAuthenticate_StepFailures(t *testing.T) {
	t.Run("init", func(t *testing.T) {
		sdk := walletsdk.NewSandbox(alice, "at_alice")
		sdk.InitErr = errors.New("script blocked")
		c, _, store := setup(t, sdk, &session.MemoryPersister{})

		_, err := c.Authenticate(context.Background())
		assert.ErrorIs(t, err, failure.ErrSdkUnavailable)
		assert.NotErrorIs(t, err, failure.ErrWalletBrowserRequired)
		assert.False(t, store.Get().Authenticated())
	})

	t.Run("declined", func(t *testing.T) {
		sdk := walletsdk.NewSandbox(alice, "at_alice")
		sdk.Decline = true
		c, backend, store := setup(t, sdk, &session.MemoryPersister{})

		_, err := c.Authenticate(context.Background())
		assert.ErrorIs(t, err, failure.ErrUserDeclined)
		assert.True(t, failure.Retryable(err))
		assert.False(t, store.Get().Authenticated())
		assert.Zero(t, backend.exchanges.Load())
	})

	t.Run("backend rejected", func(t *testing.T) {
		c, backend, store := setup(t, walletsdk.NewSandbox(alice, "at_alice"), &session.MemoryPersister{})
		backend.exchangeFn = func(walletsdk.AuthCredential) (string, session.Profile, error) {
			return "", session.Profile{}, failure.ErrBackendRejected
		}

		_, err := c.Authenticate(context.Background())
		assert.ErrorIs(t, err, failure.ErrBackendRejected)
		assert.False(t, store.Get().Authenticated())
	})
}

// abandoningSDK cancels the handshake right after wallet authentication
// succeeds, as a user navigating away would.
type abandoningSDK struct {
	*walletsdk.Sandbox
	cancel context.CancelFunc
}

func (a abandoningSDK) Authenticate(ctx context.Context, scopes []walletsdk.Scope, events chan<- walletsdk.PaymentEvent) (walletsdk.AuthCredential, error) {
	cred, err := a.Sandbox.Authenticate(ctx, scopes, events)
	a.cancel()
	return cred, err
}

func TestAuthenticate_AbandonedAfterWalletAuthPersistsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &session.MemoryPersister{}
	sdk := abandoningSDK{Sandbox: walletsdk.NewSandbox(alice, "at_alice"), cancel: cancel}
	c, backend, store := setup(t, sdk, p)
	before := store.Get()

	_, err := c.Authenticate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, store.Get())
	assert.Zero(t, backend.exchanges.Load())

	persisted, _ := p.Load(context.Background())
	assert.Empty(t, persisted)
}

func TestAuthenticate_SerializesConcurrentCalls(t *testing.T) {
	c, backend, _ := setup(t, walletsdk.NewSandbox(alice, "at_alice"), &session.MemoryPersister{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Authenticate(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), backend.exchanges.Load())
}

func TestAuthenticate_ReplaysIncompletePayments(t *testing.T) {
	sdk := walletsdk.NewSandbox(alice, "at_alice")
	sdk.Incomplete = []walletsdk.Payment{{Identifier: "pay_old", UserUID: alice.UID}}
	store, err := session.New(context.Background(), &session.MemoryPersister{}, true, logging.Discard())
	require.NoError(t, err)
	events := make(chan walletsdk.PaymentEvent, 1)
	c := New(sdk, &fakeBackend{}, store, events, logging.Discard())

	_, err = c.Authenticate(context.Background())
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, walletsdk.KindIncompleteFound, ev.Kind())
	assert.Equal(t, "pay_old", ev.PaymentID())
}

func TestLogout(t *testing.T) {
	p := &session.MemoryPersister{}
	c, backend, store := setup(t, walletsdk.NewSandbox(alice, "at_alice"), p)
	ctx := context.Background()
	_, err := c.Authenticate(ctx)
	require.NoError(t, err)

	backend.signOutErr = failure.ErrNetwork
	require.NoError(t, c.Logout(ctx))

	assert.False(t, store.Get().Authenticated())
	assert.Equal(t, int32(1), backend.signOuts.Load())
	persisted, _ := p.Load(ctx)
	assert.Empty(t, persisted)

	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, int32(1), backend.signOuts.Load(), "no backend call without a token")
}
