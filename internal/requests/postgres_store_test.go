//go:build integration

package requests

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/piguard/internal/logging"
	"github.com/mbd888/piguard/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	_, err := db.Exec(`INSERT INTO users (id, pi_uid, username) VALUES ('usr_alice', 'uid-alice', 'alice')`)
	require.NoError(t, err)
	return NewPostgresStore(db), db
}

func newPendingRequest(id string) *Request {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Request{
		ID:               id,
		UserID:           "usr_alice",
		Type:             TypeRecovery,
		Status:           StatusPending,
		Email:            "alice@example.com",
		Country:          "NG",
		WordsRemembered:  12,
		WalletPassphrase: passphrase("apple"),
		PiBalance:        decimal.RequireFromString("100.1234567"),
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
}

func TestPostgresStore_CreateGet(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	r := newPendingRequest("req_pg_1")
	require.NoError(t, store.Create(ctx, r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Email, got.Email)
	assert.True(t, r.PiBalance.Equal(got.PiBalance))
	assert.False(t, got.Fee.Valid)
	assert.Equal(t, 1, got.Version)

	_, err = store.Get(ctx, "req_missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestPostgresStore_UpdateVersionConflict(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newPendingRequest("req_pg_cas")))

	a, err := store.Get(ctx, "req_pg_cas")
	require.NoError(t, err)
	b, err := store.Get(ctx, "req_pg_cas")
	require.NoError(t, err)

	a.StaffNote = "first"
	require.NoError(t, store.Update(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.StaffNote = "second"
	assert.ErrorIs(t, store.Update(ctx, b), ErrVersionConflict)
}

func TestPostgresStore_TerminalStatusIsFinal(t *testing.T) {
	store, db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newPendingRequest("req_pg_final")))

	svc := NewService(store, logging.Discard())
	_, err := svc.Reject(ctx, "req_pg_final", "staffA", "duplicate")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE recovery_requests SET status = 'completed' WHERE id = 'req_pg_final'`)
	assert.Error(t, err, "trigger must refuse leaving a terminal status")

	got, err := store.Get(ctx, "req_pg_final")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotNil(t, got.ResolvedAt)
}

func TestPostgresStore_PaymentLink(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newPendingRequest("req_pg_a")))
	require.NoError(t, store.Create(ctx, newPendingRequest("req_pg_b")))

	svc := NewService(store, logging.Discard())
	_, err := svc.Approve(ctx, "req_pg_a", "pay_1")
	require.NoError(t, err)

	got, err := store.GetByPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "req_pg_a", got.ID)

	b, err := store.Get(ctx, "req_pg_b")
	require.NoError(t, err)
	b.PaymentID = "pay_1"
	assert.ErrorIs(t, store.Update(ctx, b), ErrPaymentMismatch)

	applied, r, err := svc.ApplyPaymentOutcome(ctx, "pay_1", Outcome{Kind: OutcomeCompleted, TxID: "tx_1"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "25.0308642", r.Fee.Decimal.String())

	stored, err := store.Get(ctx, "req_pg_a")
	require.NoError(t, err)
	assert.True(t, stored.Fee.Decimal.Equal(r.Fee.Decimal))
	assert.Equal(t, SystemStaff, stored.CompletedBy)
}

func TestPostgresStore_ListKeyset(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"req_pg_l1", "req_pg_l2", "req_pg_l3"} {
		r := newPendingRequest(id)
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if id == "req_pg_l2" {
			r.Country = "KE"
		}
		require.NoError(t, store.Create(ctx, r))
	}

	got, err := store.List(ctx, Filter{UserID: "usr_alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "req_pg_l3", got[0].ID)

	svc := NewService(store, logging.Discard())
	page, err := svc.List(ctx, Filter{UserID: "usr_alice", Limit: 2})
	require.NoError(t, err)
	require.True(t, page.HasMore)

	searched, err := store.List(ctx, Filter{Search: "ke", Limit: 10})
	require.NoError(t, err)
	require.Len(t, searched, 1)
	assert.Equal(t, "req_pg_l2", searched[0].ID)
}
