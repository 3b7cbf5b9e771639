// Package usage implements the per-tenant usage and quota tracker: sharded
// atomic counters keyed by (tenant, kind, UTC day) with at-most-N reserve
// semantics under concurrent load.
package usage

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/quorumgate/fabric/pkg/fabricerr"
)

// Kind is an independent usage dimension. Each kind has its own counter
// and its own quota.
type Kind string

const (
	KindChat      Kind = "chat"
	KindAction    Kind = "action"
	KindExecution Kind = "execution"
	KindAdvisory  Kind = "advisory"
)

// Snapshot is the value copy handed to callers. No reference into tracker
// state ever escapes.
type Snapshot struct {
	TenantID     string     `json:"tenant_id"`
	Kind         Kind       `json:"kind"`
	Day          string     `json:"day"` // UTC, 2006-01-02
	RequestCount int64      `json:"request_count"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	Limit        int64      `json:"limit,omitempty"` // 0 = unlimited
	ExceededAt   *time.Time `json:"exceeded_at,omitempty"`
}

type counterKey struct {
	tenant string
	kind   Kind
	day    string
}

type counter struct {
	requests   int64
	inTokens   int64
	outTokens  int64
	exceededAt *time.Time
}

type quotaKey struct {
	tenant string
	kind   Kind
}

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
}

// Tracker is the sharded counter service. All operations complete in
// bounded work; nothing blocks on I/O.
type Tracker struct {
	shards [shardCount]*shard

	quotaMu sync.RWMutex
	quotas  map[quotaKey]int64

	clock func() time.Time
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{
		quotas: make(map[quotaKey]int64),
		clock:  time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{counters: make(map[counterKey]*counter)}
	}
	return t
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

func (t *Tracker) day() string {
	return t.clock().UTC().Format("2006-01-02")
}

func (t *Tracker) shardFor(k counterKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.tenant))
	h.Write([]byte{0})
	h.Write([]byte(k.kind))
	h.Write([]byte{0})
	h.Write([]byte(k.day))
	return t.shards[h.Sum32()%shardCount]
}

// SetQuota sets the daily request limit for (tenant, kind). Zero removes it.
func (t *Tracker) SetQuota(tenant string, kind Kind, limit int64) {
	t.quotaMu.Lock()
	defer t.quotaMu.Unlock()
	if limit <= 0 {
		delete(t.quotas, quotaKey{tenant, kind})
		return
	}
	t.quotas[quotaKey{tenant, kind}] = limit
}

// GetQuota returns the daily request limit, 0 when unlimited.
func (t *Tracker) GetQuota(tenant string, kind Kind) int64 {
	t.quotaMu.RLock()
	defer t.quotaMu.RUnlock()
	return t.quotas[quotaKey{tenant, kind}]
}

// Increment adds to the counters by atomic add and returns the new snapshot.
func (t *Tracker) Increment(tenant string, kind Kind, dRequests, dIn, dOut int64) Snapshot {
	key := counterKey{tenant, kind, t.day()}
	s := t.shardFor(key)

	s.mu.Lock()
	c := s.counters[key]
	if c == nil {
		c = &counter{}
		s.counters[key] = c
	}
	c.requests += dRequests
	c.inTokens += dIn
	c.outTokens += dOut
	snap := t.snapshotLocked(key, c)
	s.mu.Unlock()
	return snap
}

// Snapshot reads the counters for an explicit day without mutating.
func (t *Tracker) Snapshot(tenant string, kind Kind, day string) Snapshot {
	if day == "" {
		day = t.day()
	}
	key := counterKey{tenant, kind, day}
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[key]
	if c == nil {
		c = &counter{}
	}
	return t.snapshotLocked(key, c)
}

// Reserve performs check-and-increment under one critical section: for N
// concurrent calls against limit L, at most L succeed and the final count
// is exactly L. The losers get QuotaExceeded and do not move the counter.
func (t *Tracker) Reserve(tenant string, kind Kind, dIn, dOut int64) (Snapshot, error) {
	key := counterKey{tenant, kind, t.day()}
	limit := t.GetQuota(tenant, kind)
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counters[key]
	if c == nil {
		c = &counter{}
		s.counters[key] = c
	}

	if limit > 0 && c.requests >= limit {
		if c.exceededAt == nil {
			now := t.clock().UTC()
			c.exceededAt = &now
		}
		snap := t.snapshotLocked(key, c)
		return snap, fabricerr.QuotaExceeded(snap.RequestCount, limit, secondsUntilTomorrow(t.clock))
	}

	c.requests++
	c.inTokens += dIn
	c.outTokens += dOut
	return t.snapshotLocked(key, c), nil
}

// ClearTenant removes every key belonging to a tenant in one atomic step:
// all shard locks are held for the duration, so no concurrent reserve can
// observe a partially cleared tenant.
func (t *Tracker) ClearTenant(tenant string) {
	for _, s := range t.shards {
		s.mu.Lock()
	}
	for _, s := range t.shards {
		for k := range s.counters {
			if k.tenant == tenant {
				delete(s.counters, k)
			}
		}
	}
	for _, s := range t.shards {
		s.mu.Unlock()
	}

	t.quotaMu.Lock()
	for k := range t.quotas {
		if k.tenant == tenant {
			delete(t.quotas, k)
		}
	}
	t.quotaMu.Unlock()
}

// snapshotLocked builds a value copy. The caller holds the shard lock.
func (t *Tracker) snapshotLocked(key counterKey, c *counter) Snapshot {
	snap := Snapshot{
		TenantID:     key.tenant,
		Kind:         key.kind,
		Day:          key.day,
		RequestCount: c.requests,
		InputTokens:  c.inTokens,
		OutputTokens: c.outTokens,
		Limit:        t.GetQuota(key.tenant, key.kind),
	}
	if c.exceededAt != nil {
		ts := *c.exceededAt
		snap.ExceededAt = &ts
	}
	return snap
}

func secondsUntilTomorrow(clock func() time.Time) int {
	now := clock().UTC()
	tomorrow := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int(tomorrow.Sub(now).Seconds())
}
