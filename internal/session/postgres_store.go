package session

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists buyer sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, token, fingerprint, email, created_at, expires_at, last_active_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO buyer_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.Token, nullString(s.Fingerprint), nullString(s.Email),
		s.CreatedAt, s.ExpiresAt, s.LastActiveAt,
	)
	return err
}

func (p *PostgresStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM buyer_sessions WHERE token = $1`, token)
	return scanSession(row)
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM buyer_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetLiveByFingerprint(ctx context.Context, fingerprint string, now time.Time) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM buyer_sessions
		WHERE fingerprint = $1 AND expires_at > $2
		ORDER BY last_active_at DESC
		LIMIT 1`, fingerprint, now)
	return scanSession(row)
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE buyer_sessions SET last_active_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetEmail(ctx context.Context, id, email string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE buyer_sessions SET email = $2 WHERE id = $1`, id, email)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var fingerprint, email sql.NullString
	err := row.Scan(&s.ID, &s.Token, &fingerprint, &email,
		&s.CreatedAt, &s.ExpiresAt, &s.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Fingerprint = fingerprint.String
	s.Email = email.String
	return &s, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
