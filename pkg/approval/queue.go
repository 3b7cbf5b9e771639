package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Status tracks an approval request through its lifecycle.
type Status string

const (
	StatusPending      Status = "PENDING_APPROVAL"
	StatusApproved     Status = "APPROVED"
	StatusRejected     Status = "REJECTED"
	StatusExpired      Status = "EXPIRED"
	StatusAutoApproved Status = "AUTO_APPROVED"
)

// Request is a plan awaiting a human decision.
type Request struct {
	ActionID   string         `json:"action_id"`
	TenantID   string         `json:"tenant_id"`
	ActorID    string         `json:"actor_id"`
	Scenario   string         `json:"scenario"`
	PlanHash   string         `json:"plan_hash"`
	PlanJSON   []byte         `json:"plan_json"`
	Risk       Classification `json:"risk"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
}

// Queue errors.
var (
	ErrNotFound    = errors.New("approval: request not found")
	ErrNotPending  = errors.New("approval: request is not pending")
	ErrDuplicateID = errors.New("approval: action id already enqueued")
)

// QueueStore persists approval requests. Implementations must make
// Decide atomic: a request can be resolved exactly once.
type QueueStore interface {
	Enqueue(ctx context.Context, req Request) error
	Get(ctx context.Context, actionID string) (Request, error)
	Pending(ctx context.Context, tenantID string) ([]Request, error)
	// Decide transitions a pending request to status. Fails with
	// ErrNotPending when the request was already resolved.
	Decide(ctx context.Context, actionID string, status Status, decidedBy, resolution string, at time.Time) (Request, error)
	// ExpireBefore moves pending requests whose deadline passed to
	// EXPIRED and returns them.
	ExpireBefore(ctx context.Context, cutoff time.Time) ([]Request, error)
}

// MemoryQueue is the in-process QueueStore. Resolved requests stay in
// the map as history; Pending filters on status.
type MemoryQueue struct {
	mu       sync.Mutex
	requests map[string]Request
}

// NewMemoryQueue builds an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{requests: make(map[string]Request)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.requests[req.ActionID]; ok {
		return ErrDuplicateID
	}
	q.requests[req.ActionID] = req
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, actionID string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[actionID]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (q *MemoryQueue) Pending(_ context.Context, tenantID string) ([]Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Request
	for _, req := range q.requests {
		if req.Status != StatusPending {
			continue
		}
		if tenantID != "" && req.TenantID != tenantID {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *MemoryQueue) Decide(_ context.Context, actionID string, status Status, decidedBy, resolution string, at time.Time) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[actionID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return req, ErrNotPending
	}
	req.Status = status
	req.DecidedAt = &at
	req.DecidedBy = decidedBy
	req.Resolution = resolution
	q.requests[actionID] = req
	return req, nil
}

func (q *MemoryQueue) ExpireBefore(_ context.Context, cutoff time.Time) ([]Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []Request
	for id, req := range q.requests {
		if req.Status == StatusPending && req.ExpiresAt.Before(cutoff) {
			at := cutoff
			req.Status = StatusExpired
			req.DecidedAt = &at
			req.Resolution = "expired before decision"
			q.requests[id] = req
			expired = append(expired, req)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired, nil
}

// Sweeper periodically expires stale pending requests and prunes the
// consumed-token registry. onExpired runs once per expired request so
// the gate can emit its audit record.
type Sweeper struct {
	queue     QueueStore
	registry  *Registry
	interval  time.Duration
	onExpired func(Request)
	clock     func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSweeper wires the sweep loop. interval defaults to one minute.
func NewSweeper(queue QueueStore, registry *Registry, interval time.Duration, onExpired func(Request)) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		queue:     queue,
		registry:  registry,
		interval:  interval,
		onExpired: onExpired,
		clock:     time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// WithClock replaces the time source for tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run blocks until Stop; call in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single pass. Exposed for tests and for the
// admin surface to force a sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	expired, err := s.queue.ExpireBefore(ctx, s.clock())
	if err != nil {
		return 0
	}
	if s.onExpired != nil {
		for _, req := range expired {
			s.onExpired(req)
		}
	}
	if s.registry != nil {
		s.registry.Sweep()
	}
	return len(expired)
}

// Stop terminates Run and waits for it to exit.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
