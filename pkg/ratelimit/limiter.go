// Package ratelimit implements sliding-window admission control, keyed per
// tenant and per (tenant, user). State for one tenant is physically
// independent of every other tenant.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/quorumgate/fabric/pkg/fabricerr"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Current    int       `json:"current"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, set when denied
}

// Config sets the window limits.
type Config struct {
	TenantLimitPerWindow int
	UserLimitPerWindow   int
	Window               time.Duration
}

// DefaultConfig uses a one-minute window.
func DefaultConfig(tenantLimit, userLimit int) Config {
	return Config{
		TenantLimitPerWindow: tenantLimit,
		UserLimitPerWindow:   userLimit,
		Window:               60 * time.Second,
	}
}

// Limiter is the admission interface consumed by the pipeline.
type Limiter interface {
	// Check inspects both windows without recording.
	Check(ctx context.Context, tenant, user string) (Decision, error)
	// Record appends the current timestamp to both windows.
	Record(ctx context.Context, tenant, user string) error
	// Acquire is an atomic check+record; on denial it returns
	// RateLimitExceeded and records nothing.
	Acquire(ctx context.Context, tenant, user string) (Decision, error)
}

// tenantState guards one tenant's window and all its user windows under a
// single lock, which makes Acquire atomic across both without a global lock.
type tenantState struct {
	mu     sync.Mutex
	window []time.Time
	users  map[string][]time.Time
}

// MemoryLimiter is the in-process implementation.
type MemoryLimiter struct {
	cfg Config

	mu      sync.Mutex
	tenants map[string]*tenantState

	clock func() time.Time
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &MemoryLimiter{
		cfg:     cfg,
		tenants: make(map[string]*tenantState),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLimiter) WithClock(clock func() time.Time) *MemoryLimiter {
	l.clock = clock
	return l
}

func (l *MemoryLimiter) state(tenant string) *tenantState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.tenants[tenant]
	if !ok {
		ts = &tenantState{users: make(map[string][]time.Time)}
		l.tenants[tenant] = ts
	}
	return ts
}

// prune drops entries older than now-window and returns the live slice.
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}

func (l *MemoryLimiter) decide(window []time.Time, limit int, now time.Time) Decision {
	d := Decision{
		Current:   len(window),
		Limit:     limit,
		Remaining: limit - len(window),
		ResetAt:   now.Add(l.cfg.Window),
	}
	if len(window) > 0 {
		d.ResetAt = window[0].Add(l.cfg.Window)
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Allowed = len(window) < limit
	if !d.Allowed {
		d.RetryAfter = retryAfter(d.ResetAt, now)
	}
	return d
}

func retryAfter(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// moreRestrictive picks the decision with less headroom.
func moreRestrictive(a, b Decision) Decision {
	if !a.Allowed {
		return a
	}
	if !b.Allowed {
		return b
	}
	if b.Remaining < a.Remaining {
		return b
	}
	return a
}

// Check inspects both windows without recording.
func (l *MemoryLimiter) Check(_ context.Context, tenant, user string) (Decision, error) {
	ts := l.state(tenant)
	now := l.clock()
	cutoff := now.Add(-l.cfg.Window)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.window = prune(ts.window, cutoff)
	ts.users[user] = prune(ts.users[user], cutoff)

	td := l.decide(ts.window, l.cfg.TenantLimitPerWindow, now)
	ud := l.decide(ts.users[user], l.cfg.UserLimitPerWindow, now)
	return moreRestrictive(td, ud), nil
}

// Record appends now to both windows unconditionally.
func (l *MemoryLimiter) Record(_ context.Context, tenant, user string) error {
	ts := l.state(tenant)
	now := l.clock()
	cutoff := now.Add(-l.cfg.Window)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.window = append(prune(ts.window, cutoff), now)
	ts.users[user] = append(prune(ts.users[user], cutoff), now)
	return nil
}

// Acquire checks both windows and records only when both allow.
func (l *MemoryLimiter) Acquire(_ context.Context, tenant, user string) (Decision, error) {
	ts := l.state(tenant)
	now := l.clock()
	cutoff := now.Add(-l.cfg.Window)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.window = prune(ts.window, cutoff)
	ts.users[user] = prune(ts.users[user], cutoff)

	td := l.decide(ts.window, l.cfg.TenantLimitPerWindow, now)
	ud := l.decide(ts.users[user], l.cfg.UserLimitPerWindow, now)
	d := moreRestrictive(td, ud)
	if !d.Allowed {
		return d, fabricerr.RateLimited(d.RetryAfter)
	}

	ts.window = append(ts.window, now)
	ts.users[user] = append(ts.users[user], now)
	d.Current++
	d.Remaining--
	return d, nil
}
