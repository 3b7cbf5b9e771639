package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a persisted usage record, one row per admitted request.
type Event struct {
	TenantID     string         `json:"tenant_id"`
	Kind         Kind           `json:"kind"`
	RequestCount int64          `json:"request_count"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate rejects rows the store would otherwise silently mangle.
func (e Event) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("usage: event tenant_id must not be empty")
	}
	if e.Kind == "" {
		return fmt.Errorf("usage: event kind must not be empty")
	}
	return nil
}

// Journal persists usage events for billing and reconciliation. The
// in-memory tracker stays authoritative for admission; the journal is
// best-effort downstream accounting.
type Journal interface {
	Record(ctx context.Context, event Event) error
	TenantTotals(ctx context.Context, tenantID string, from, to time.Time) (map[Kind]int64, error)
}

// PostgresJournal implements Journal on database/sql (lib/pq driver).
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal wraps an open database handle.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	request_count BIGINT NOT NULL,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_time ON usage_events(tenant_id, timestamp);
`

// Init creates the backing table.
func (j *PostgresJournal) Init(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, journalSchema)
	return err
}

// Record stores a single usage event.
func (j *PostgresJournal) Record(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadataJSON []byte
	var err error
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("usage: marshal metadata: %w", err)
		}
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO usage_events (tenant_id, kind, request_count, input_tokens, output_tokens, timestamp, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.TenantID, string(event.Kind), event.RequestCount,
		event.InputTokens, event.OutputTokens, event.Timestamp, metadataJSON)
	if err != nil {
		return fmt.Errorf("usage: insert event: %w", err)
	}
	return nil
}

// TenantTotals aggregates request counts per kind over a time range.
func (j *PostgresJournal) TenantTotals(ctx context.Context, tenantID string, from, to time.Time) (map[Kind]int64, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT kind, COALESCE(SUM(request_count), 0)
		 FROM usage_events
		 WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		 GROUP BY kind`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("usage: query totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[Kind]int64)
	for rows.Next() {
		var kind string
		var total int64
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, fmt.Errorf("usage: scan totals: %w", err)
		}
		totals[Kind(kind)] = total
	}
	return totals, rows.Err()
}
