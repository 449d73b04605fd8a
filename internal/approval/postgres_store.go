package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL implementation of Store. Votes and the
// rejection record are stored as JSONB alongside the transaction row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an approval store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateTx(ctx context.Context, tx *PendingTx) error {
	approvals, rejection, err := marshalVotes(tx)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_approvals
			(id, account, to_addr, amount, status, required, approvals, rejection,
			 cancel_reason, executed, tx_hash, execute_error, created_at, expires_at, resolved_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7::JSONB, $8::JSONB,
			$9, $10, $11, $12, $13, $14, $15)
	`, tx.ID, tx.Account, tx.To, tx.Amount, tx.Status, tx.Required, approvals, rejection,
		tx.CancelReason, tx.Executed, tx.TxHash, tx.ExecuteError,
		tx.CreatedAt, tx.ExpiresAt, nullTime(tx.ResolvedAt))
	return err
}

const txColumns = `id, account, to_addr, amount, status, required,
	COALESCE(approvals::TEXT, '[]'), COALESCE(rejection::TEXT, ''),
	COALESCE(cancel_reason, ''), executed, COALESCE(tx_hash, ''),
	COALESCE(execute_error, ''), created_at, expires_at, resolved_at`

func scanTx(row interface{ Scan(...interface{}) error }) (*PendingTx, error) {
	tx := &PendingTx{}
	var approvals, rejection string
	var resolvedAt sql.NullTime
	if err := row.Scan(&tx.ID, &tx.Account, &tx.To, &tx.Amount, &tx.Status, &tx.Required,
		&approvals, &rejection, &tx.CancelReason, &tx.Executed, &tx.TxHash,
		&tx.ExecuteError, &tx.CreatedAt, &tx.ExpiresAt, &resolvedAt); err != nil {
		return nil, err
	}
	if approvals != "" && approvals != "[]" {
		if err := json.Unmarshal([]byte(approvals), &tx.Approvals); err != nil {
			return nil, fmt.Errorf("approval: unmarshal votes: %w", err)
		}
	}
	if rejection != "" {
		tx.Rejection = &Rejection{}
		if err := json.Unmarshal([]byte(rejection), tx.Rejection); err != nil {
			return nil, fmt.Errorf("approval: unmarshal rejection: %w", err)
		}
	}
	if resolvedAt.Valid {
		tx.ResolvedAt = resolvedAt.Time
	}
	return tx, nil
}

func (s *PostgresStore) GetTx(ctx context.Context, account, id string) (*PendingTx, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+`
		FROM pending_approvals WHERE account = $1 AND id = $2`, account, id)
	tx, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	return tx, err
}

func (s *PostgresStore) UpdateTx(ctx context.Context, tx *PendingTx) error {
	approvals, rejection, err := marshalVotes(tx)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_approvals
		SET status = $3, approvals = $4::JSONB, rejection = $5::JSONB,
		    cancel_reason = $6, executed = $7, tx_hash = $8, execute_error = $9,
		    resolved_at = $10
		WHERE account = $1 AND id = $2
	`, tx.Account, tx.ID, tx.Status, approvals, rejection,
		tx.CancelReason, tx.Executed, tx.TxHash, tx.ExecuteError, nullTime(tx.ResolvedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTxNotFound
	}
	return nil
}

func (s *PostgresStore) ListTx(ctx context.Context, account string, status TxStatus) ([]*PendingTx, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+txColumns+`
			FROM pending_approvals WHERE account = $1 AND status = $2
			ORDER BY created_at DESC`, account, status)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+txColumns+`
			FROM pending_approvals WHERE account = $1
			ORDER BY created_at DESC`, account)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txs []*PendingTx
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) CancelAllPending(ctx context.Context, account, reason string, at time.Time) ([]string, error) {
	rejection, err := json.Marshal(&Rejection{Reason: reason, At: at})
	if err != nil {
		return nil, fmt.Errorf("approval: marshal rejection: %w", err)
	}
	// One UPDATE: the batch commits or rolls back as a unit.
	rows, err := s.db.QueryContext(ctx, `
		UPDATE pending_approvals
		SET status = $3, rejection = $4::JSONB, cancel_reason = $5, resolved_at = $6
		WHERE account = $1 AND status = $2
		RETURNING id
	`, account, StatusPending, StatusRejected, string(rejection), reason, at)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_approvals
		WHERE status <> $1 AND resolved_at IS NOT NULL AND resolved_at < $2
	`, StatusPending, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) AddSigner(ctx context.Context, sg *Signer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signers (account, address, role, added_at)
		VALUES ($1, $2, $3, $4)
	`, sg.Account, sg.Address, sg.Role, sg.AddedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrSignerExists
	}
	return err
}

func (s *PostgresStore) RemoveSigner(ctx context.Context, account, address string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM signers WHERE account = $1 AND address = $2
	`, account, address)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSignerNotFound
	}
	return nil
}

func (s *PostgresStore) ListSigners(ctx context.Context, account string) ([]*Signer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, address, role, added_at
		FROM signers WHERE account = $1 ORDER BY added_at
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var signers []*Signer
	for rows.Next() {
		sg := &Signer{}
		if err := rows.Scan(&sg.Account, &sg.Address, &sg.Role, &sg.AddedAt); err != nil {
			return nil, err
		}
		signers = append(signers, sg)
	}
	return signers, rows.Err()
}

func (s *PostgresStore) GetConfig(ctx context.Context, account string) (*SignerConfig, error) {
	c := &SignerConfig{}
	err := s.db.QueryRowContext(ctx, `
		SELECT account, required_approvals FROM signer_config WHERE account = $1
	`, account).Scan(&c.Account, &c.RequiredApprovals)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	return c, err
}

func (s *PostgresStore) SaveConfig(ctx context.Context, c *SignerConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signer_config (account, required_approvals)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET required_approvals = $2
	`, c.Account, c.RequiredApprovals)
	return err
}

func marshalVotes(tx *PendingTx) (approvals string, rejection interface{}, err error) {
	a, err := json.Marshal(tx.Approvals)
	if err != nil {
		return "", nil, fmt.Errorf("approval: marshal votes: %w", err)
	}
	if tx.Rejection != nil {
		r, err := json.Marshal(tx.Rejection)
		if err != nil {
			return "", nil, fmt.Errorf("approval: marshal rejection: %w", err)
		}
		rejection = string(r)
	}
	return string(a), rejection, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
