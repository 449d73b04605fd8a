package riskpolicy

import (
	"context"
	"database/sql"
)

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a limit store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetLimits(ctx context.Context, account string) ([]*Limit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, "window", cap, used, reset_at
		FROM limit_windows WHERE account = $1
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var limits []*Limit
	for rows.Next() {
		l := &Limit{}
		var resetAt sql.NullTime
		if err := rows.Scan(&l.Account, &l.Window, &l.Cap, &l.Used, &resetAt); err != nil {
			return nil, err
		}
		if resetAt.Valid {
			l.ResetAt = resetAt.Time
		}
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

func (s *PostgresStore) SaveLimit(ctx context.Context, l *Limit) error {
	var resetAt interface{}
	if !l.ResetAt.IsZero() {
		resetAt = l.ResetAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO limit_windows (account, "window", cap, used, reset_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4::NUMERIC(20,6), $5)
		ON CONFLICT (account, "window") DO UPDATE
		SET cap = $3::NUMERIC(20,6), used = $4::NUMERIC(20,6), reset_at = $5
	`, l.Account, l.Window, l.Cap, l.Used, resetAt)
	return err
}

func (s *PostgresStore) AddWhitelist(ctx context.Context, e *WhitelistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist (account, address, label, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, address) DO NOTHING
	`, e.Account, e.Address, e.Label, e.CreatedAt)
	return err
}

func (s *PostgresStore) RemoveWhitelist(ctx context.Context, account, address string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM whitelist WHERE account = $1 AND address = $2
	`, account, address)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotWhitelisted
	}
	return nil
}

func (s *PostgresStore) ListWhitelist(ctx context.Context, account string) ([]*WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, address, COALESCE(label, ''), created_at
		FROM whitelist WHERE account = $1 ORDER BY created_at
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*WhitelistEntry
	for rows.Next() {
		e := &WhitelistEntry{}
		if err := rows.Scan(&e.Account, &e.Address, &e.Label, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) IsWhitelisted(ctx context.Context, account, address string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM whitelist WHERE account = $1 AND address = $2)
	`, account, address).Scan(&exists)
	return exists, err
}
