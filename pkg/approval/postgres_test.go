package approval

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var requestCols = []string{
	"action_id", "tenant_id", "actor_id", "scenario", "plan_hash", "plan_json",
	"risk", "status", "created_at", "expires_at", "decided_at", "decided_by", "resolution",
}

func mustRisk(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(Classification{Level: RiskHigh, Reasoning: "financial_action"})
	require.NoError(t, err)
	return b
}

func TestPostgresQueueEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_requests")).
		WithArgs("a-1", "t-1", "u-1", "transactional", "deadbeef",
			[]byte(`{"action":"x"}`), sqlmock.AnyArg(), "PENDING_APPROVAL", now, now.Add(10*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = q.Enqueue(context.Background(), pendingRequest("a-1", "t-1", now))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(requestCols).AddRow(
		"a-1", "t-1", "u-1", "transactional", "deadbeef", []byte(`{"action":"x"}`),
		mustRisk(t), "PENDING_APPROVAL", now, now.Add(10*time.Minute), nil, "", "")
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_requests WHERE action_id = $1")).
		WithArgs("a-1").
		WillReturnRows(rows)

	req, err := q.Get(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, RiskHigh, req.Risk.Level)
	assert.Nil(t, req.DecidedAt)
}

func TestPostgresQueueGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_requests WHERE action_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(requestCols))

	_, err = q.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresQueuePendingScoped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(requestCols).AddRow(
		"a-1", "t-1", "u-1", "transactional", "deadbeef", []byte(`{"action":"x"}`),
		mustRisk(t), "PENDING_APPROVAL", now, now.Add(10*time.Minute), nil, "", "")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND tenant_id = $2 ORDER BY created_at ASC")).
		WithArgs("PENDING_APPROVAL", "t-1").
		WillReturnRows(rows)

	pending, err := q.Pending(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a-1", pending[0].ActionID)
}

func TestPostgresQueueDecideSingleWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_requests")).
		WithArgs("APPROVED", now, "admin", "ok", "a-1", "PENDING_APPROVAL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	rows := sqlmock.NewRows(requestCols).AddRow(
		"a-1", "t-1", "u-1", "transactional", "deadbeef", []byte(`{"action":"x"}`),
		mustRisk(t), "APPROVED", now, now.Add(10*time.Minute), now, "admin", "ok")
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_requests WHERE action_id = $1")).
		WithArgs("a-1").
		WillReturnRows(rows)

	req, err := q.Decide(context.Background(), "a-1", StatusApproved, "admin", "ok", now)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, req.Status)
	assert.Equal(t, "admin", req.DecidedBy)
	require.NotNil(t, req.DecidedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueDecideAlreadyResolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// The conditional UPDATE matches nothing; the re-read finds a resolved row.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_requests")).
		WithArgs("REJECTED", now, "admin2", "nope", "a-1", "PENDING_APPROVAL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows(requestCols).AddRow(
		"a-1", "t-1", "u-1", "transactional", "deadbeef", []byte(`{"action":"x"}`),
		mustRisk(t), "APPROVED", now, now.Add(10*time.Minute), now, "admin", "ok")
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_requests WHERE action_id = $1")).
		WithArgs("a-1").
		WillReturnRows(rows)

	_, err = q.Decide(context.Background(), "a-1", StatusRejected, "admin2", "nope", now)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestPostgresQueueExpireBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(requestCols).AddRow(
		"a-old", "t-1", "u-1", "transactional", "deadbeef", []byte(`{"action":"x"}`),
		mustRisk(t), "EXPIRED", now.Add(-time.Hour), now.Add(-50*time.Minute),
		now, "", "expired before decision")
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE approval_requests")).
		WithArgs("EXPIRED", now, "PENDING_APPROVAL").
		WillReturnRows(rows)

	expired, err := q.ExpireBefore(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "a-old", expired[0].ActionID)
	assert.Equal(t, StatusExpired, expired[0].Status)
}
