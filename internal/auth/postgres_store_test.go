//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/piguard/internal/testutil"
)

func TestPostgresStore_UpsertKeepsID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	first, err := store.UpsertByUID(ctx, &User{
		ID: "usr_one", PiUID: "uid-alice", Username: "alice", Role: RoleUser,
		CreatedAt: now, UpdatedAt: now, LastSignInAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, "usr_one", first.ID)

	later := now.Add(time.Hour)
	second, err := store.UpsertByUID(ctx, &User{
		ID: "usr_two", PiUID: "uid-alice", Username: "alice_renamed", Role: RoleStaff,
		CreatedAt: later, UpdatedAt: later, LastSignInAt: &later,
	})
	require.NoError(t, err)
	assert.Equal(t, "usr_one", second.ID)
	assert.Equal(t, "alice_renamed", second.Username)
	assert.Equal(t, RoleStaff, second.Role)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	require.NotNil(t, second.LastSignInAt)
	assert.True(t, later.Equal(*second.LastSignInAt))

	got, err := store.Get(ctx, "usr_one")
	require.NoError(t, err)
	assert.Equal(t, "alice_renamed", got.Username)

	_, err = store.Get(ctx, "usr_two")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
