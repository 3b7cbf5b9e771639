// Package breaker implements per-circuit failure isolation for downstream
// calls. Each named circuit is a Closed/Open/HalfOpen state machine guarded
// by its own lock; circuits live for the process lifetime and are created
// lazily on first reference.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quorumgate/fabric/pkg/fabricerr"
)

// State of a circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config tunes a circuit.
type Config struct {
	FailureThreshold int           // consecutive failures in Closed before tripping
	SuccessThreshold int           // consecutive successes in HalfOpen before closing
	OpenTimeout      time.Duration // time in Open before probing
	HalfOpenMaxCalls int           // concurrent probes admitted in HalfOpen

	// OnStateChange observes transitions, e.g. to emit audit events.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig matches the standard tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Metrics is the observable snapshot of a circuit.
type Metrics struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	InFlightProbes       int       `json:"in_flight_probes"`
	LastStateChange      time.Time `json:"last_state_change"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
}

// Circuit is a single named breaker.
type Circuit struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failures        int
	successes       int // consecutive successes while half-open
	probes          int // in-flight half-open probes
	lastStateChange time.Time
	lastFailure     time.Time

	clock func() time.Time
}

// NewCircuit builds a circuit in Closed state.
func NewCircuit(name string, cfg Config) *Circuit {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	c := &Circuit{name: name, cfg: cfg, clock: time.Now}
	c.lastStateChange = c.clock()
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Circuit) WithClock(clock func() time.Time) *Circuit {
	c.clock = clock
	return c
}

// Name returns the circuit name.
func (c *Circuit) Name() string { return c.name }

func (c *Circuit) transitionLocked(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.lastStateChange = c.clock()
	switch to {
	case StateClosed:
		c.failures = 0
		c.successes = 0
	case StateHalfOpen:
		c.successes = 0
		c.probes = 0
	}
	if c.cfg.OnStateChange != nil {
		// Invoked under the lock so observers see transitions in order.
		// Callbacks must not call back into the circuit.
		c.cfg.OnStateChange(c.name, from, to)
	}
}

// admit decides whether a call may proceed and registers the probe when
// half-open. Returns retry-after seconds when rejected.
func (c *Circuit) admit() (ok bool, retryAfter int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true, 0
	case StateOpen:
		elapsed := c.clock().Sub(c.lastStateChange)
		if elapsed >= c.cfg.OpenTimeout {
			c.transitionLocked(StateHalfOpen)
			c.probes++
			return true, 0
		}
		secs := int((c.cfg.OpenTimeout - elapsed).Seconds()) + 1
		return false, secs
	default: // HalfOpen
		if c.probes >= c.cfg.HalfOpenMaxCalls {
			return false, 1
		}
		c.probes++
		return true, 0
	}
}

func (c *Circuit) onSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failures = 0
	case StateHalfOpen:
		c.probes--
		c.successes++
		if c.successes >= c.cfg.SuccessThreshold {
			c.transitionLocked(StateClosed)
		}
	}
}

func (c *Circuit) onFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastFailure = c.clock()
	switch c.state {
	case StateClosed:
		c.failures++
		if c.failures >= c.cfg.FailureThreshold {
			c.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		c.probes--
		c.transitionLocked(StateOpen)
	}
}

// Execute wraps fn with the breaker. The error from fn passes through
// untouched; a rejected call returns CircuitOpen with retry-after derived
// from the remaining open timeout. Caller cancellation — before fn starts
// or while it is in flight — counts as neither success nor failure: the
// failure counter measures downstream health, not caller patience.
func (c *Circuit) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fabricerr.RequestCancelled()
	}
	ok, retryAfter := c.admit()
	if !ok {
		return fabricerr.CircuitOpen(c.name, retryAfter)
	}

	err := fn(ctx)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			c.onCancelled()
			return fabricerr.RequestCancelled()
		}
		c.onFailure()
		return err
	}
	c.onSuccess()
	return nil
}

// onCancelled resolves a call the caller abandoned: the probe slot is
// released but no state or counter moves.
func (c *Circuit) onCancelled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHalfOpen {
		c.probes--
	}
}

// Status returns an observable snapshot.
func (c *Circuit) Status() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		State:                c.state,
		ConsecutiveFailures:  c.failures,
		ConsecutiveSuccesses: c.successes,
		InFlightProbes:       c.probes,
		LastStateChange:      c.lastStateChange,
		LastFailure:          c.lastFailure,
	}
}

// ForceOpen trips the circuit administratively.
func (c *Circuit) ForceOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(StateOpen)
}

// Reset returns the circuit to Closed with cleared counters.
func (c *Circuit) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(StateClosed)
	c.failures = 0
	c.successes = 0
	c.probes = 0
}

// Registry holds the process-wide named circuits.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*Circuit
}

// NewRegistry builds a registry using cfg for new circuits.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, circuits: make(map[string]*Circuit)}
}

// Get returns the named circuit, creating it on first reference.
func (r *Registry) Get(name string) *Circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[name]
	if !ok {
		c = NewCircuit(name, r.cfg)
		r.circuits[name] = c
	}
	return c
}

// ResetAll returns every circuit to Closed. Test scaffolding.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.circuits {
		c.Reset()
	}
}
