package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, user_id, type, status, email, country,
		       recovered_passphrase, words_remembered, wallet_passphrase,
		       mainnet_address, pi_balance, pi_unlock_time, auto_transfer,
		       staff_note, fee, net_amount, payment_id, payment_approved, txid,
		       completed_by, rejected_by, reject_reason,
		       created_at, updated_at, resolved_at, version`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO recovery_requests (`+requestColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11::NUMERIC(30,7), $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21, $22,
			$23, $24, $25, $26
		)`,
		r.ID, r.UserID, string(r.Type), string(r.Status), r.Email, r.Country,
		nullString(r.RecoveredPassphrase), r.WordsRemembered, nullString(r.WalletPassphrase),
		nullString(r.MainnetAddress), r.PiBalance.String(), nullTime(r.PiUnlockTime), r.AutoTransfer,
		nullString(r.StaffNote), r.Fee, r.NetAmount, nullString(r.PaymentID), r.PaymentApproved, nullString(r.TxID),
		nullString(r.CompletedBy), nullString(r.RejectedBy), nullString(r.RejectReason),
		r.CreatedAt, r.UpdatedAt, nullTime(r.ResolvedAt), r.Version,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM recovery_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByPaymentID(ctx context.Context, paymentID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM recovery_requests WHERE payment_id = $1`, paymentID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// Update writes r if the stored version still matches r.Version. The
// passphrase columns are only written while NULL so a racing writer can
// never replace them.
func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE recovery_requests SET
			status = $1,
			recovered_passphrase = COALESCE(recovered_passphrase, $2),
			pi_balance = $3::NUMERIC(30,7), pi_unlock_time = $4,
			staff_note = $5, fee = $6, net_amount = $7,
			payment_id = $8, payment_approved = $9, txid = $10,
			completed_by = $11, rejected_by = $12, reject_reason = $13,
			updated_at = $14, resolved_at = $15,
			version = version + 1
		WHERE id = $16 AND version = $17`,
		string(r.Status),
		nullString(r.RecoveredPassphrase),
		r.PiBalance.String(), nullTime(r.PiUnlockTime),
		nullString(r.StaffNote), r.Fee, r.NetAmount,
		nullString(r.PaymentID), r.PaymentApproved, nullString(r.TxID),
		nullString(r.CompletedBy), nullString(r.RejectedBy), nullString(r.RejectReason),
		r.UpdatedAt, nullTime(r.ResolvedAt),
		r.ID, r.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrPaymentMismatch
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, r.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v ...any) {
		for _, a := range v {
			args = append(args, a)
			clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		where = append(where, clause)
	}

	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.Search != "" {
		like := "%" + escapeLike(f.Search) + "%"
		add("(email ILIKE ? OR country ILIKE ? OR mainnet_address ILIKE ?)", like, like, like)
	}
	if f.After != nil {
		add("(created_at, id) < (?, ?)", f.After.CreatedAt, f.After.ID)
	}

	query := `SELECT ` + requestColumns + ` FROM recovery_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit+1)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var (
		typ, status        string
		recovered, wallet  sql.NullString
		mainnet, staffNote sql.NullString
		piBalance          decimal.Decimal
		unlock, resolvedAt sql.NullTime
		paymentID, txid    sql.NullString
		completedBy        sql.NullString
		rejectedBy, reason sql.NullString
	)

	err := s.Scan(
		&r.ID, &r.UserID, &typ, &status, &r.Email, &r.Country,
		&recovered, &r.WordsRemembered, &wallet,
		&mainnet, &piBalance, &unlock, &r.AutoTransfer,
		&staffNote, &r.Fee, &r.NetAmount, &paymentID, &r.PaymentApproved, &txid,
		&completedBy, &rejectedBy, &reason,
		&r.CreatedAt, &r.UpdatedAt, &resolvedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}

	r.Type = Type(typ)
	r.Status = Status(status)
	r.RecoveredPassphrase = recovered.String
	r.WalletPassphrase = wallet.String
	r.MainnetAddress = mainnet.String
	r.PiBalance = piBalance
	r.StaffNote = staffNote.String
	r.PaymentID = paymentID.String
	r.TxID = txid.String
	r.CompletedBy = completedBy.String
	r.RejectedBy = rejectedBy.String
	r.RejectReason = reason.String
	if unlock.Valid {
		t := unlock.Time
		r.PiUnlockTime = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	return r, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
