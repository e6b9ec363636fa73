package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/piguard/internal/logging"
)

func newStore(t *testing.T, p Persister) *Store {
	t.Helper()
	s, err := New(context.Background(), p, true, logging.Discard())
	require.NoError(t, err)
	return s
}

func TestStore_StartsEmpty(t *testing.T) {
	s := newStore(t, &MemoryPersister{})
	sess := s.Get()
	assert.False(t, sess.Authenticated())
	assert.Nil(t, sess.User)
	assert.True(t, sess.InWalletBrowser)
}

func TestStore_RestoresPersistedToken(t *testing.T) {
	p := &MemoryPersister{}
	require.NoError(t, p.Save(context.Background(), "tok-1"))

	s := newStore(t, p)
	sess := s.Get()
	assert.Equal(t, "tok-1", sess.Token)
	assert.Nil(t, sess.User, "restored token has no verified profile yet")
}

func TestStore_NoRestoreOutsideWalletBrowser(t *testing.T) {
	p := &MemoryPersister{}
	require.NoError(t, p.Save(context.Background(), "tok-1"))

	s, err := New(context.Background(), p, false, logging.Discard())
	require.NoError(t, err)
	sess := s.Get()
	assert.Empty(t, sess.Token)
	assert.False(t, sess.Authenticated())
	assert.False(t, sess.InWalletBrowser)

	persisted, _ := p.Load(context.Background())
	assert.Equal(t, "tok-1", persisted)
}

func TestStore_SetAndClear(t *testing.T) {
	p := &MemoryPersister{}
	s := newStore(t, p)
	events, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Set(context.Background(), "tok-2", Profile{ID: "usr_1", Username: "pioneer"}))
	ev := <-events
	assert.Equal(t, SignedIn, ev.Kind)
	assert.Equal(t, "tok-2", ev.Session.Token)

	stored, _ := p.Load(context.Background())
	assert.Equal(t, "tok-2", stored)

	require.NoError(t, s.Clear(context.Background()))
	ev = <-events
	assert.Equal(t, SignedOut, ev.Kind)
	assert.False(t, s.Get().Authenticated())
	stored, _ = p.Load(context.Background())
	assert.Empty(t, stored)
}

func TestStore_SetPersistFailureLeavesSessionUnchanged(t *testing.T) {
	p := &MemoryPersister{Err: errors.New("disk full")}
	s := newStore(t, p)

	err := s.Set(context.Background(), "tok-3", Profile{ID: "usr_1"})
	require.Error(t, err)
	assert.False(t, s.Get().Authenticated())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := newStore(t, &MemoryPersister{})
	require.NoError(t, s.Set(context.Background(), "tok", Profile{ID: "usr_1", Username: "a"}))

	sess := s.Get()
	sess.User.Username = "mutated"
	assert.Equal(t, "a", s.Get().User.Username)
}

func TestTransport_AttachesAndPurgesHeader(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	s := newStore(t, &MemoryPersister{})
	client := &http.Client{Transport: &Transport{Store: s}}

	require.NoError(t, s.Set(context.Background(), "tok-4", Profile{ID: "usr_1"}))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.NoError(t, s.Clear(context.Background()))
	// A header set by the caller must not survive a cleared session either.
	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer stale")
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, []string{"Bearer tok-4", ""}, seen)
}

func TestFilePersister(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	p := FilePersister{Dir: dir}
	ctx := context.Background()

	tok, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, p.Save(ctx, "tok-5"))
	info, err := os.Stat(filepath.Join(dir, StorageKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tok, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-5", tok)

	require.NoError(t, p.Delete(ctx))
	require.NoError(t, p.Delete(ctx), "deleting twice is fine")
	tok, _ = p.Load(ctx)
	assert.Empty(t, tok)
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	s := newStore(t, &MemoryPersister{})
	events, cancel := s.Subscribe()
	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)
}
