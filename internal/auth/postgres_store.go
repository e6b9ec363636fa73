package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists users in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, pi_uid, username, email, role, created_at, updated_at, last_sign_in_at`

// UpsertByUID inserts the user or refreshes the existing row for the same
// wallet network uid. The id of an existing user never changes.
func (p *PostgresStore) UpsertByUID(ctx context.Context, u *User) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, pi_uid, username, email, role, created_at, updated_at, last_sign_in_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pi_uid) DO UPDATE SET
			username = EXCLUDED.username,
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at,
			last_sign_in_at = EXCLUDED.last_sign_in_at
		RETURNING `+userColumns,
		u.ID, u.PiUID, u.Username, nullString(u.Email), string(u.Role),
		u.CreatedAt, u.UpdatedAt, u.LastSignInAt,
	)
	return scanUser(row)
}

// Get retrieves a user by id
func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var (
		email      sql.NullString
		role       string
		lastSignIn sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.PiUID, &u.Username, &email, &role, &u.CreatedAt, &u.UpdatedAt, &lastSignIn); err != nil {
		return nil, err
	}
	u.Email = email.String
	u.Role = Role(role)
	if lastSignIn.Valid {
		t := lastSignIn.Time
		u.LastSignInAt = &t
	}
	return u, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
