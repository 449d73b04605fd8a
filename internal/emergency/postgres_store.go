package emergency

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an emergency store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetState(ctx context.Context, account string) (*State, error) {
	st := &State{}
	var frozenAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT account, frozen, panic_mode, COALESCE(reason, ''), frozen_at
		FROM emergency_state WHERE account = $1
	`, account).Scan(&st.Account, &st.Frozen, &st.PanicMode, &st.Reason, &frozenAt)
	if err == sql.ErrNoRows {
		return &State{Account: account}, nil
	}
	if err != nil {
		return nil, err
	}
	if frozenAt.Valid {
		st.FrozenAt = frozenAt.Time
	}
	return st, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, st *State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_state (account, frozen, panic_mode, reason, frozen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account) DO UPDATE
		SET frozen = $2, panic_mode = $3, reason = $4, frozen_at = $5
	`, st.Account, st.Frozen, st.PanicMode, st.Reason, nullTime(st.FrozenAt))
	return err
}

func (s *PostgresStore) AddContact(ctx context.Context, c *TrustedContact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trusted_contacts (id, account, name, destination, can_unfreeze, can_recover, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.Account, c.Name, c.Destination, c.CanUnfreeze, c.CanRecover, c.AddedAt)
	return err
}

func (s *PostgresStore) RemoveContact(ctx context.Context, account, contactID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM trusted_contacts WHERE account = $1 AND id = $2
	`, account, contactID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrContactMissing
	}
	return nil
}

func (s *PostgresStore) ListContacts(ctx context.Context, account string) ([]*TrustedContact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, name, destination, can_unfreeze, can_recover, added_at
		FROM trusted_contacts WHERE account = $1 ORDER BY added_at
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []*TrustedContact
	for rows.Next() {
		c := &TrustedContact{}
		if err := rows.Scan(&c.ID, &c.Account, &c.Name, &c.Destination, &c.CanUnfreeze, &c.CanRecover, &c.AddedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
