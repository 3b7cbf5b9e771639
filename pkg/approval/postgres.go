package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	action_id  TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	scenario   TEXT NOT NULL,
	plan_hash  TEXT NOT NULL,
	plan_json  JSONB NOT NULL,
	risk       JSONB NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	decided_at TIMESTAMPTZ,
	decided_by TEXT NOT NULL DEFAULT '',
	resolution TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approval_pending
	ON approval_requests (tenant_id, created_at) WHERE status = 'PENDING_APPROVAL';
`

// PostgresQueue is the durable QueueStore. Decide and ExpireBefore use
// conditional UPDATEs so status transitions stay single-winner under
// concurrent admin traffic.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue wraps an open handle. Call Init before first use.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// Init creates the schema.
func (q *PostgresQueue) Init(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, queueSchema); err != nil {
		return fmt.Errorf("approval: init queue schema: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, req Request) error {
	risk, err := json.Marshal(req.Risk)
	if err != nil {
		return fmt.Errorf("approval: marshal risk: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO approval_requests
		 (action_id, tenant_id, actor_id, scenario, plan_hash, plan_json, risk, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ActionID, req.TenantID, req.ActorID, req.Scenario, req.PlanHash,
		req.PlanJSON, risk, string(req.Status), req.CreatedAt.UTC(), req.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("approval: enqueue: %w", err)
	}
	return nil
}

const requestColumns = `action_id, tenant_id, actor_id, scenario, plan_hash, plan_json, risk,
	status, created_at, expires_at, decided_at, decided_by, resolution`

func scanRequest(row interface{ Scan(...any) error }) (Request, error) {
	var (
		req       Request
		risk      []byte
		status    string
		decidedAt sql.NullTime
	)
	err := row.Scan(&req.ActionID, &req.TenantID, &req.ActorID, &req.Scenario,
		&req.PlanHash, &req.PlanJSON, &risk, &status,
		&req.CreatedAt, &req.ExpiresAt, &decidedAt, &req.DecidedBy, &req.Resolution)
	if err != nil {
		return Request{}, err
	}
	if err := json.Unmarshal(risk, &req.Risk); err != nil {
		return Request{}, fmt.Errorf("approval: decode risk: %w", err)
	}
	req.Status = Status(status)
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		req.DecidedAt = &t
	}
	return req, nil
}

func (q *PostgresQueue) Get(ctx context.Context, actionID string) (Request, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM approval_requests WHERE action_id = $1`, actionID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("approval: get request: %w", err)
	}
	return req, nil
}

func (q *PostgresQueue) Pending(ctx context.Context, tenantID string) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE status = $1`
	args := []any{string(StatusPending)}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scan pending: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Decide(ctx context.Context, actionID string, status Status, decidedBy, resolution string, at time.Time) (Request, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = $1, decided_at = $2, decided_by = $3, resolution = $4
		 WHERE action_id = $5 AND status = $6`,
		string(status), at.UTC(), decidedBy, resolution, actionID, string(StatusPending))
	if err != nil {
		return Request{}, fmt.Errorf("approval: decide: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Request{}, fmt.Errorf("approval: decide rows: %w", err)
	}
	if n == 0 {
		// Either missing or already resolved; re-read to tell which.
		req, getErr := q.Get(ctx, actionID)
		if getErr != nil {
			return Request{}, getErr
		}
		return req, ErrNotPending
	}
	return q.Get(ctx, actionID)
}

func (q *PostgresQueue) ExpireBefore(ctx context.Context, cutoff time.Time) ([]Request, error) {
	rows, err := q.db.QueryContext(ctx,
		`UPDATE approval_requests
		 SET status = $1, decided_at = $2, resolution = 'expired before decision'
		 WHERE status = $3 AND expires_at < $2
		 RETURNING `+requestColumns,
		string(StatusExpired), cutoff.UTC(), string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("approval: expire: %w", err)
	}
	defer rows.Close()

	var expired []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scan expired: %w", err)
		}
		expired = append(expired, req)
	}
	return expired, rows.Err()
}
