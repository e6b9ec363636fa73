package payments

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// rank orders statuses; a record never moves to a lower rank and the two
// terminal statuses never replace each other.
func rank(s Status) int {
	switch s {
	case StatusApproved:
		return 1
	case StatusCompleted, StatusCancelled:
		return 2
	}
	return 0
}

// MemoryStore is an in-memory payment store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Record)}
}

func (m *MemoryStore) Save(ctx context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.payments[rec.ID]; ok {
		cur.Reports++
		cur.UpdatedAt = rec.UpdatedAt
		if cur.RequestID == "" {
			cur.RequestID = rec.RequestID
		}
		cp := *cur
		return &cp, false, nil
	}
	cp := *rec
	if cp.Reports == 0 {
		cp.Reports = 1
	}
	m.payments[rec.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) Ensure(ctx context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.payments[rec.ID]; ok {
		if cur.RequestID == "" {
			cur.RequestID = rec.RequestID
		}
		cp := *cur
		return &cp, false, nil
	}
	cp := *rec
	if cp.Reports == 0 {
		cp.Reports = 1
	}
	m.payments[rec.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Advance(ctx context.Context, id string, status Status, txid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if rank(status) <= rank(rec.Status) {
		return nil
	}
	rec.Status = status
	if txid != "" {
		rec.TxID = txid
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.payments {
		if rank(rec.Status) < 2 && rec.UpdatedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresStore persists payment records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, user_id, pi_uid, request_id, amount, memo, status, txid, reports, created_at, updated_at`

// Save relies on xmax = 0 only holding for freshly inserted rows.
func (p *PostgresStore) Save(ctx context.Context, rec *Record) (*Record, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, user_id, pi_uid, request_id, amount, memo, status, reports, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(30,7), $6, $7, 1, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			reports = payments.reports + 1,
			request_id = COALESCE(payments.request_id, EXCLUDED.request_id),
			updated_at = EXCLUDED.updated_at
		RETURNING `+paymentColumns+`, (xmax = 0) AS inserted`,
		rec.ID, rec.UserID, rec.PiUID, nullString(rec.RequestID), rec.Amount.String(),
		nullString(rec.Memo), string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)

	var inserted bool
	out, err := scanRecord(row, &inserted)
	if err != nil {
		return nil, false, err
	}
	return out, inserted, nil
}

// Ensure leaves reports and updated_at alone on conflict so regular
// callbacks do not push back the reconciler's staleness clock.
func (p *PostgresStore) Ensure(ctx context.Context, rec *Record) (*Record, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, user_id, pi_uid, request_id, amount, memo, status, reports, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(30,7), $6, $7, 1, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			request_id = COALESCE(payments.request_id, EXCLUDED.request_id)
		RETURNING `+paymentColumns+`, (xmax = 0) AS inserted`,
		rec.ID, rec.UserID, rec.PiUID, nullString(rec.RequestID), rec.Amount.String(),
		nullString(rec.Memo), string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)

	var inserted bool
	out, err := scanRecord(row, &inserted)
	if err != nil {
		return nil, false, err
	}
	return out, inserted, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return rec, err
}

func (p *PostgresStore) Advance(ctx context.Context, id string, status Status, txid string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $2,
			txid = COALESCE($3, txid),
			updated_at = NOW()
		WHERE id = $1
		  AND (CASE status WHEN 'reported' THEN 0 WHEN 'approved' THEN 1 ELSE 2 END) < $4`,
		id, string(status), nullString(txid), rank(status),
	)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('reported', 'approved') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, extra ...any) (*Record, error) {
	rec := &Record{}
	var (
		requestID, memo, txid sql.NullString
		status                string
		amount                decimal.Decimal
	)
	dest := []any{
		&rec.ID, &rec.UserID, &rec.PiUID, &requestID, &amount, &memo,
		&status, &txid, &rec.Reports, &rec.CreatedAt, &rec.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	rec.RequestID = requestID.String
	rec.Amount = amount
	rec.Memo = memo.String
	rec.Status = Status(status)
	rec.TxID = txid.String
	return rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
