package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the local fallback used when the primary sink degrades.
// It needs no external service, so audit records survive a database outage.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the fallback database at path.
// Use ":memory:" in tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_events(tenant_id, timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, event_type, tenant_id, actor_id, outcome, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, string(event.EventType), event.TenantID, event.ActorID,
		event.Outcome, event.Timestamp.UTC(), payload)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, tenantID string, from, to time.Time) ([]Event, error) {
	query := `SELECT payload FROM audit_events WHERE 1=1`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, to.UTC())
	}
	query += ` ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("audit: decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
