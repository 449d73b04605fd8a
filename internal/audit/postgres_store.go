package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists audit events in PostgreSQL. Details are stored as
// JSONB; the table has no update or delete paths.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an audit store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	details := "{}"
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = string(b)
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (account, event, severity, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4::JSONB, $5, NOW())
		RETURNING id, created_at
	`, e.Account, e.Event, e.Severity, details, e.IPAddress).Scan(&e.ID, &e.CreatedAt)
}

func (s *PostgresStore) Query(ctx context.Context, account string, severity Severity, offset, limit int) ([]*Event, error) {
	var query string
	var args []interface{}

	if severity != "" {
		query = `SELECT id, account, event, severity, COALESCE(details::TEXT, '{}'),
			COALESCE(ip_address, ''), created_at
			FROM audit_log WHERE account = $1 AND severity = $2
			ORDER BY id DESC OFFSET $3 LIMIT $4`
		args = []interface{}{account, severity, offset, limit}
	} else {
		query = `SELECT id, account, event, severity, COALESCE(details::TEXT, '{}'),
			COALESCE(ip_address, ''), created_at
			FROM audit_log WHERE account = $1
			ORDER BY id DESC OFFSET $2 LIMIT $3`
		args = []interface{}{account, offset, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var details string
		if err := rows.Scan(&e.ID, &e.Account, &e.Event, &e.Severity, &details, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("audit: unmarshal details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
