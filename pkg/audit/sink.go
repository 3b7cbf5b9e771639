package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Sink is the append-only write surface exposed to the fabric.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// Store persists events and serves range queries for export and admin
// views. Appending is the only mutation.
type Store interface {
	Append(ctx context.Context, event Event) error
	Query(ctx context.Context, tenantID string, from, to time.Time) ([]Event, error)
}

// WriterStore writes JSON lines to an io.Writer (stdout in production,
// a buffer in tests). Query is unsupported; pair it with a fallback store
// when export is needed.
type WriterStore struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterStore wraps w, defaulting to stdout.
func NewWriterStore(w io.Writer) *WriterStore {
	if w == nil {
		w = os.Stdout
	}
	return &WriterStore{w: w}
}

func (s *WriterStore) Append(_ context.Context, event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Prefix for easy log filtering.
	_, err = s.w.Write(append(append([]byte("AUDIT: "), b...), '\n'))
	return err
}

func (s *WriterStore) Query(context.Context, string, time.Time, time.Time) ([]Event, error) {
	return nil, nil
}

// MemoryStore keeps events in memory. Used by tests and the admin timeline.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, tenantID string, from, to time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Events returns a copy of everything recorded, in order.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// TypesSeen returns the ordered event types, a convenience for scenario tests.
func (s *MemoryStore) TypesSeen() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}
