package authfactor

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a factor store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetTOTP(ctx context.Context, account string) (*TOTPFactor, error) {
	f := &TOTPFactor{}
	var enabledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT account, secret, enabled, created_at, enabled_at
		FROM totp_factors WHERE account = $1
	`, account).Scan(&f.Account, &f.Secret, &f.Enabled, &f.CreatedAt, &enabledAt)
	if err == sql.ErrNoRows {
		return nil, ErrTOTPNotConfigured
	}
	if err != nil {
		return nil, err
	}
	if enabledAt.Valid {
		f.EnabledAt = enabledAt.Time
	}
	return f, nil
}

func (s *PostgresStore) SaveTOTP(ctx context.Context, f *TOTPFactor) error {
	var enabledAt interface{}
	if !f.EnabledAt.IsZero() {
		enabledAt = f.EnabledAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO totp_factors (account, secret, enabled, created_at, enabled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account) DO UPDATE
		SET secret = $2, enabled = $3, enabled_at = $5
	`, f.Account, f.Secret, f.Enabled, f.CreatedAt, enabledAt)
	return err
}

func (s *PostgresStore) DeleteTOTP(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM totp_factors WHERE account = $1`, account)
	return err
}

func (s *PostgresStore) ReplaceBackupCodes(ctx context.Context, account string, codes []*BackupCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE account = $1`, account); err != nil {
		return err
	}
	for _, c := range codes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backup_codes (id, account, hash, used, created_at)
			VALUES ($1, $2, $3, FALSE, $4)
		`, c.ID, c.Account, c.Hash, c.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListBackupCodes(ctx context.Context, account string) ([]*BackupCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, hash, used, used_at, created_at
		FROM backup_codes WHERE account = $1 ORDER BY created_at
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var codes []*BackupCode
	for rows.Next() {
		c := &BackupCode{}
		var usedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Account, &c.Hash, &c.Used, &usedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		if usedAt.Valid {
			c.UsedAt = usedAt.Time
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

func (s *PostgresStore) ConsumeBackupCode(ctx context.Context, account, codeID string) error {
	// Conditional update is the atomicity point: only one caller can flip
	// used from FALSE to TRUE.
	res, err := s.db.ExecContext(ctx, `
		UPDATE backup_codes SET used = TRUE, used_at = $3
		WHERE id = $1 AND account = $2 AND used = FALSE
	`, codeID, account, time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCodeUsed
	}
	return nil
}

func (s *PostgresStore) AddCredential(ctx context.Context, c *WebAuthnCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webauthn_credentials (id, account, name, public_key, counter, disabled, clone_flagged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.Account, c.Name, c.PublicKey, int64(c.Counter), c.Disabled, c.CloneFlagged, c.CreatedAt)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, account, credentialID string) (*WebAuthnCredential, error) {
	c := &WebAuthnCredential{}
	var counter int64
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account, name, public_key, counter, disabled, clone_flagged, created_at, last_used_at
		FROM webauthn_credentials WHERE account = $1 AND id = $2
	`, account, credentialID).Scan(&c.ID, &c.Account, &c.Name, &c.PublicKey, &counter,
		&c.Disabled, &c.CloneFlagged, &c.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Counter = uint32(counter)
	if lastUsed.Valid {
		c.LastUsedAt = lastUsed.Time
	}
	return c, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, account string) ([]*WebAuthnCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, name, public_key, counter, disabled, clone_flagged, created_at, last_used_at
		FROM webauthn_credentials WHERE account = $1 ORDER BY created_at
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var creds []*WebAuthnCredential
	for rows.Next() {
		c := &WebAuthnCredential{}
		var counter int64
		var lastUsed sql.NullTime
		if err := rows.Scan(&c.ID, &c.Account, &c.Name, &c.PublicKey, &counter,
			&c.Disabled, &c.CloneFlagged, &c.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		c.Counter = uint32(counter)
		if lastUsed.Valid {
			c.LastUsedAt = lastUsed.Time
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *PostgresStore) UpdateCredential(ctx context.Context, c *WebAuthnCredential) error {
	var lastUsed interface{}
	if !c.LastUsedAt.IsZero() {
		lastUsed = c.LastUsedAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webauthn_credentials
		SET counter = $3, disabled = $4, clone_flagged = $5, last_used_at = $6
		WHERE account = $1 AND id = $2
	`, c.Account, c.ID, int64(c.Counter), c.Disabled, c.CloneFlagged, lastUsed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
