package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRequest(actionID, tenantID string, createdAt time.Time) Request {
	return Request{
		ActionID:  actionID,
		TenantID:  tenantID,
		ActorID:   "u-1",
		Scenario:  "transactional",
		PlanHash:  "deadbeef",
		PlanJSON:  []byte(`{"action":"x"}`),
		Risk:      Classification{Level: RiskHigh},
		Status:    StatusPending,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(10 * time.Minute),
	}
}

func TestMemoryQueueEnqueueAndGet(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(ctx, pendingRequest("a-1", "t-1", now)))
	assert.ErrorIs(t, q.Enqueue(ctx, pendingRequest("a-1", "t-1", now)), ErrDuplicateID)

	req, err := q.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQueuePendingFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now().UTC()

	require.NoError(t, q.Enqueue(ctx, pendingRequest("a-2", "t-1", now.Add(time.Second))))
	require.NoError(t, q.Enqueue(ctx, pendingRequest("a-1", "t-1", now)))
	require.NoError(t, q.Enqueue(ctx, pendingRequest("b-1", "t-2", now)))

	all, err := q.Pending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := q.Pending(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	assert.Equal(t, "a-1", scoped[0].ActionID, "oldest first")
}

func TestMemoryQueueDecideOnce(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now().UTC()
	require.NoError(t, q.Enqueue(ctx, pendingRequest("a-1", "t-1", now)))

	req, err := q.Decide(ctx, "a-1", StatusApproved, "admin", "ok", now)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, req.Status)
	assert.Equal(t, "admin", req.DecidedBy)
	require.NotNil(t, req.DecidedAt)

	_, err = q.Decide(ctx, "a-1", StatusRejected, "admin2", "nope", now)
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = q.Decide(ctx, "missing", StatusApproved, "admin", "", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQueueDecideConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now().UTC()
	require.NoError(t, q.Enqueue(ctx, pendingRequest("a-1", "t-1", now)))

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Decide(ctx, "a-1", StatusApproved, "admin", "ok", now)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestMemoryQueueExpireBefore(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now().UTC()

	stale := pendingRequest("old", "t-1", now.Add(-time.Hour))
	fresh := pendingRequest("new", "t-1", now)
	require.NoError(t, q.Enqueue(ctx, stale))
	require.NoError(t, q.Enqueue(ctx, fresh))

	expired, err := q.ExpireBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ActionID)
	assert.Equal(t, StatusExpired, expired[0].Status)

	// Expired entries stay queryable as history, pending shrinks.
	got, err := q.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	pending, _ := q.Pending(ctx, "")
	assert.Len(t, pending, 1)
}

func TestSweeperMovesExpiredAndNotifies(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(ctx, pendingRequest("a-1", "t-1", now.Add(-time.Hour))))
	require.NoError(t, q.Enqueue(ctx, pendingRequest("a-2", "t-1", now)))

	var notified []string
	sweeper := NewSweeper(q, NewRegistry(), time.Minute, func(req Request) {
		notified = append(notified, req.ActionID)
	}).WithClock(func() time.Time { return now })

	assert.Equal(t, 1, sweeper.SweepOnce(ctx))
	assert.Equal(t, []string{"a-1"}, notified)

	// Second pass finds nothing new.
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
}

func TestSweeperRunStops(t *testing.T) {
	q := NewMemoryQueue()
	sweeper := NewSweeper(q, nil, 10*time.Millisecond, nil)

	go sweeper.Run(context.Background())
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
}
