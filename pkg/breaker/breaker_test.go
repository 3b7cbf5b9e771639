package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumgate/fabric/pkg/fabricerr"
)

var errDownstream = errors.New("downstream boom")

func testCircuit(cfg Config) (*Circuit, *time.Time) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c := NewCircuit("inference", cfg).WithClock(func() time.Time { return now })
	return c, &now
}

func fail(ctx context.Context) error { return errDownstream }
func ok(ctx context.Context) error   { return nil }

func TestCircuitTripsAfterThreshold(t *testing.T) {
	c, _ := testCircuit(Config{FailureThreshold: 3, OpenTimeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, c.Execute(ctx, fail), errDownstream)
		assert.Equal(t, StateClosed, c.Status().State)
	}
	assert.ErrorIs(t, c.Execute(ctx, fail), errDownstream)
	assert.Equal(t, StateOpen, c.Status().State)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	c, _ := testCircuit(Config{FailureThreshold: 3})
	ctx := context.Background()

	c.Execute(ctx, fail)
	c.Execute(ctx, fail)
	require.NoError(t, c.Execute(ctx, ok))
	c.Execute(ctx, fail)
	c.Execute(ctx, fail)
	assert.Equal(t, StateClosed, c.Status().State)
}

func TestOpenRejectsWithRetryAfter(t *testing.T) {
	c, now := testCircuit(Config{FailureThreshold: 1, OpenTimeout: 30 * time.Second})
	ctx := context.Background()

	c.Execute(ctx, fail)
	require.Equal(t, StateOpen, c.Status().State)

	called := false
	err := c.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "open circuit must not invoke fn")
	assert.Equal(t, fabricerr.CodeCircuitOpen, fabricerr.CodeOf(err))

	*now = now.Add(10 * time.Second)
	err = c.Execute(ctx, func(ctx context.Context) error { return nil })
	assert.Equal(t, fabricerr.CodeCircuitOpen, fabricerr.CodeOf(err))
}

func TestHalfOpenProbeAfterTimeout(t *testing.T) {
	c, now := testCircuit(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second})
	ctx := context.Background()

	c.Execute(ctx, fail)
	*now = now.Add(31 * time.Second)

	require.NoError(t, c.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, c.Status().State)

	require.NoError(t, c.Execute(ctx, ok))
	assert.Equal(t, StateClosed, c.Status().State, "success threshold closes")
}

func TestHalfOpenFailureReopens(t *testing.T) {
	c, now := testCircuit(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second})
	ctx := context.Background()

	c.Execute(ctx, fail)
	*now = now.Add(31 * time.Second)

	assert.ErrorIs(t, c.Execute(ctx, fail), errDownstream)
	assert.Equal(t, StateOpen, c.Status().State)

	// The open window restarts from the failed probe.
	err := c.Execute(ctx, ok)
	assert.Equal(t, fabricerr.CodeCircuitOpen, fabricerr.CodeOf(err))
}

func TestHalfOpenCapsConcurrentProbes(t *testing.T) {
	c, now := testCircuit(Config{FailureThreshold: 1, SuccessThreshold: 5, OpenTimeout: time.Second, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	c.Execute(ctx, fail)
	*now = now.Add(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- c.Execute(ctx, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	// Both probe slots are held; a third call is shed immediately.
	err := c.Execute(ctx, ok)
	assert.Equal(t, fabricerr.CodeCircuitOpen, fabricerr.CodeOf(err))

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestCancelledContextBypassesAccounting(t *testing.T) {
	c, _ := testCircuit(Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Execute(ctx, fail)
	assert.Equal(t, fabricerr.CodeRequestCancelled, fabricerr.CodeOf(err))
	assert.Equal(t, StateClosed, c.Status().State)
	assert.Zero(t, c.Status().ConsecutiveFailures)
}

func TestInFlightCancellationDoesNotTrip(t *testing.T) {
	c, _ := testCircuit(Config{FailureThreshold: 5})

	// Callers hanging up mid-call must never open the circuit, no matter
	// how many of them give up.
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := c.Execute(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		assert.Equal(t, fabricerr.CodeRequestCancelled, fabricerr.CodeOf(err))
	}

	assert.Equal(t, StateClosed, c.Status().State)
	assert.Zero(t, c.Status().ConsecutiveFailures)
}

func TestInFlightCancellationReleasesProbeSlot(t *testing.T) {
	c, now := testCircuit(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second, HalfOpenMaxCalls: 1})

	c.Execute(context.Background(), fail)
	*now = now.Add(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := c.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.Equal(t, fabricerr.CodeRequestCancelled, fabricerr.CodeOf(err))
	assert.Equal(t, StateHalfOpen, c.Status().State)
	assert.Zero(t, c.Status().InFlightProbes, "abandoned probe frees its slot")

	// The freed slot admits the next probe.
	require.NoError(t, c.Execute(context.Background(), ok))
}

func TestForceOpenAndReset(t *testing.T) {
	c, _ := testCircuit(Config{})
	ctx := context.Background()

	c.ForceOpen()
	err := c.Execute(ctx, ok)
	assert.Equal(t, fabricerr.CodeCircuitOpen, fabricerr.CodeOf(err))

	c.Reset()
	assert.NoError(t, c.Execute(ctx, ok))
}

func TestOnStateChangeObservesTransitions(t *testing.T) {
	type hop struct{ from, to State }
	var hops []hop
	cfg := Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(name string, from, to State) {
			hops = append(hops, hop{from, to})
		},
	}
	c, now := testCircuit(cfg)
	ctx := context.Background()

	c.Execute(ctx, fail)
	*now = now.Add(2 * time.Second)
	c.Execute(ctx, ok)

	require.Len(t, hops, 3)
	assert.Equal(t, hop{StateClosed, StateOpen}, hops[0])
	assert.Equal(t, hop{StateOpen, StateHalfOpen}, hops[1])
	assert.Equal(t, hop{StateHalfOpen, StateClosed}, hops[2])
}

func TestRegistryReturnsSameCircuit(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("inference")
	b := r.Get("inference")
	assert.Same(t, a, b)
	assert.NotSame(t, a, r.Get("billing"))

	a.ForceOpen()
	r.ResetAll()
	assert.Equal(t, StateClosed, a.Status().State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
}
