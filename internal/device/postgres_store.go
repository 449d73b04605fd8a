package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a device/session store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	attrs := "{}"
	if len(d.Attributes) > 0 {
		b, err := json.Marshal(d.Attributes)
		if err != nil {
			return fmt.Errorf("device: marshal attributes: %w", err)
		}
		attrs = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, account, fingerprint, name, trusted, attributes, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = $4, trusted = $5, attributes = $6::JSONB, last_seen = $8
	`, d.ID, d.Account, d.Fingerprint, d.Name, d.Trusted, attrs, d.FirstSeen, d.LastSeen)
	return err
}

const deviceColumns = `id, account, fingerprint, COALESCE(name, ''), trusted,
	COALESCE(attributes::TEXT, '{}'), first_seen, last_seen`

func scanDevice(row interface{ Scan(...interface{}) error }) (*Device, error) {
	d := &Device{}
	var attrs string
	if err := row.Scan(&d.ID, &d.Account, &d.Fingerprint, &d.Name, &d.Trusted,
		&attrs, &d.FirstSeen, &d.LastSeen); err != nil {
		return nil, err
	}
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &d.Attributes); err != nil {
			return nil, fmt.Errorf("device: unmarshal attributes: %w", err)
		}
	}
	return d, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, account, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+`
		FROM devices WHERE account = $1 AND id = $2`, account, deviceID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

func (s *PostgresStore) GetDeviceByFingerprint(ctx context.Context, account, fingerprint string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+`
		FROM devices WHERE account = $1 AND fingerprint = $2`, account, fingerprint)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

func (s *PostgresStore) ListDevices(ctx context.Context, account string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+`
		FROM devices WHERE account = $1 ORDER BY first_seen`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, account, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE account = $1 AND id = $2`, account, deviceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, account, device_id, token_hash, ip_address, created_at, last_activity, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
	`, sess.ID, sess.Account, sess.DeviceID, sess.TokenHash, sess.IPAddress,
		sess.CreatedAt, sess.LastActivity, sess.ExpiresAt)
	return err
}

const sessionColumns = `id, account, device_id, token_hash, COALESCE(ip_address, ''),
	created_at, last_activity, expires_at, revoked`

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	sess := &Session{}
	err := row.Scan(&sess.ID, &sess.Account, &sess.DeviceID, &sess.TokenHash, &sess.IPAddress,
		&sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.Revoked)
	return sess, err
}

func (s *PostgresStore) GetSessionByHash(ctx context.Context, hash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE token_hash = $1`, hash)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (s *PostgresStore) GetSession(ctx context.Context, account, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE account = $1 AND id = $2`, account, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, account string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE account = $1 ORDER BY created_at DESC`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity = $3, revoked = $4
		WHERE account = $1 AND id = $2
	`, sess.Account, sess.ID, sess.LastActivity, sess.Revoked)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, account, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity = $3
		WHERE account = $1 AND id = $2
	`, account, sessionID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) RevokeAll(ctx context.Context, account string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked = TRUE
		WHERE account = $1 AND revoked = FALSE
	`, account)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) RevokeByDevice(ctx context.Context, account, deviceID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked = TRUE
		WHERE account = $1 AND device_id = $2 AND revoked = FALSE
	`, account, deviceID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
