package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// AsyncSink buffers events on a bounded channel drained by one writer
// goroutine. Recording never blocks the admission pipeline: when the buffer
// is full the event is dropped and the degraded counter increments. When
// the primary store fails, the event goes to the local fallback instead of
// failing the request.
type AsyncSink struct {
	primary  Store
	fallback Store
	logger   *slog.Logger

	ch chan Event
	wg sync.WaitGroup

	// mu orders Record against Close: recorders hold the read side for the
	// duration of the send and Close takes the write side before closing
	// ch, so a send can never land on a closed channel.
	mu     sync.RWMutex
	closed bool

	dropped  atomic.Int64
	degraded atomic.Int64

	// onDegraded is invoked once per degradation (drop or primary failure)
	// so observability can export a sink_degraded metric.
	onDegraded func()
}

// NewAsyncSink starts the writer goroutine. bufSize bounds the in-flight
// queue; fallback may be nil.
func NewAsyncSink(primary, fallback Store, bufSize int, logger *slog.Logger) *AsyncSink {
	if bufSize <= 0 {
		bufSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "audit"),
		ch:       make(chan Event, bufSize),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// SetDegradedHook wires the metric callback. Call before recording begins.
func (s *AsyncSink) SetDegradedHook(fn func()) { s.onDegraded = fn }

// Record enqueues the event. Overflow policy: drop and count, never block.
func (s *AsyncSink) Record(_ context.Context, event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
		s.markDegraded()
	}
}

// Dropped returns how many events overflowed the buffer.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Degraded returns how many times the sink fell back or dropped.
func (s *AsyncSink) Degraded() int64 { return s.degraded.Load() }

// Close stops accepting events, flushes the buffer, and waits for the
// writer to finish.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.ch)
	s.wg.Wait()
}

func (s *AsyncSink) drain() {
	defer s.wg.Done()
	ctx := context.Background()
	for event := range s.ch {
		if err := s.primary.Append(ctx, event); err != nil {
			s.markDegraded()
			s.logger.Warn("primary audit store failed", "error", err, "event_type", event.EventType)
			if s.fallback != nil {
				if ferr := s.fallback.Append(ctx, event); ferr != nil {
					s.logger.Error("fallback audit store failed", "error", ferr, "event_type", event.EventType)
				}
			}
		}
	}
}

func (s *AsyncSink) markDegraded() {
	s.degraded.Add(1)
	if s.onDegraded != nil {
		s.onDegraded()
	}
}

// SyncSink records directly into a store, for tests that assert on event
// order without draining a channel.
type SyncSink struct {
	store Store
}

// NewSyncSink wraps store.
func NewSyncSink(store Store) *SyncSink {
	return &SyncSink{store: store}
}

func (s *SyncSink) Record(ctx context.Context, event Event) {
	_ = s.store.Append(ctx, event)
}
