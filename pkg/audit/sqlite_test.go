package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	for i, tenant := range []string{"t-1", "t-2", "t-1"} {
		e := NewEvent(EventApprovalRequired, tenant, "u-1", "pending")
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		e.ActionID = "a-1"
		e.RiskLevel = "HIGH"
		require.NoError(t, s.Append(ctx, e))
	}

	events, err := s.Query(ctx, "t-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventApprovalRequired, events[0].EventType)
	assert.Equal(t, "a-1", events[0].ActionID)
	assert.Equal(t, "HIGH", events[0].RiskLevel)
	assert.True(t, events[0].Timestamp.Before(events[1].Timestamp), "ascending by time")
}

func TestSQLiteStoreQueryTimeRange(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := NewEvent(EventRequestReceived, "t-1", "u-1", "accepted")
		e.Timestamp = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Append(ctx, e))
	}

	events, err := s.Query(ctx, "t-1", base.Add(30*time.Minute), base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSQLiteStoreRejectsDuplicateEventID(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	e := NewEvent(EventRequestReceived, "t-1", "u-1", "accepted")
	require.NoError(t, s.Append(context.Background(), e))
	assert.Error(t, s.Append(context.Background(), e), "append-only, no upsert")
}
