package approval

import (
	"sync"
	"time"
)

// Registry is the consumed-token set. Consume is compare-and-set: under
// concurrent redemption of the same token exactly one caller wins.
// Entries are retained until past their token's expiry, after which a
// replay would fail the expiry check anyway and the entry can go.
type Registry struct {
	mu       sync.Mutex
	consumed map[[tokenIDLen]byte]time.Time // token id -> token expiry
	clock    func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		consumed: make(map[[tokenIDLen]byte]time.Time),
		clock:    time.Now,
	}
}

// WithClock replaces the time source for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// IsConsumed reports whether the token id has been redeemed.
func (r *Registry) IsConsumed(id [tokenIDLen]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.consumed[id]
	return ok
}

// Consume marks the id used. Returns false if it was already consumed.
func (r *Registry) Consume(id [tokenIDLen]byte, expiry time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consumed[id]; ok {
		return false
	}
	r.consumed[id] = expiry
	return true
}

// Sweep drops entries whose token expiry has passed and returns how
// many were removed. The queue sweeper calls this on its cadence.
func (r *Registry) Sweep() int {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, expiry := range r.consumed {
		if now.After(expiry) {
			delete(r.consumed, id)
			removed++
		}
	}
	return removed
}

// Len returns the live entry count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumed)
}
