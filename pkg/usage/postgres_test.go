package usage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresJournalRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	j := NewPostgresJournal(db)
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_events")).
		WithArgs("tenant-1", "chat", int64(1), int64(120), int64(40), ts, []byte(`{"request_id":"r-1"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = j.Record(context.Background(), Event{
		TenantID:     "tenant-1",
		Kind:         KindChat,
		RequestCount: 1,
		InputTokens:  120,
		OutputTokens: 40,
		Timestamp:    ts,
		Metadata:     map[string]any{"request_id": "r-1"},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalRecordDefaultsTimestamp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	j := NewPostgresJournal(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_events")).
		WithArgs("tenant-1", "action", int64(1), int64(0), int64(0), sqlmock.AnyArg(), []byte(nil)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = j.Record(context.Background(), Event{
		TenantID:     "tenant-1",
		Kind:         KindAction,
		RequestCount: 1,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalRecordValidates(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	j := NewPostgresJournal(db)
	assert.Error(t, j.Record(context.Background(), Event{Kind: KindChat}))
	assert.Error(t, j.Record(context.Background(), Event{TenantID: "tenant-1"}))
}

func TestPostgresJournalTenantTotals(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	j := NewPostgresJournal(db)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"kind", "sum"}).
		AddRow("chat", int64(42)).
		AddRow("execution", int64(7))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT kind, COALESCE(SUM(request_count), 0)")).
		WithArgs("tenant-1", from, to).
		WillReturnRows(rows)

	totals, err := j.TenantTotals(context.Background(), "tenant-1", from, to)
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int64{KindChat: 42, KindExecution: 7}, totals)
	assert.NoError(t, mock.ExpectationsWereMet())
}
