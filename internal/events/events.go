// Package events carries per-root flush outcomes out of the unit of work. The
// session emits one Event per attempted write after the flush settles; sinks
// decide where they go (memory, a channel drained by a Worker, Kafka).
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind is the outcome of one root's write.
type Kind string

const (
	KindCommitted Kind = "committed"
	KindRejected  Kind = "rejected"
)

// Event describes what happened to one root during a flush.
type Event struct {
	Kind       Kind      `json:"kind"`
	FlushID    string    `json:"flush_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Collection string    `json:"collection"`
	RootID     string    `json:"root_id"`
	Operation  string    `json:"operation"`
	Paths      []string  `json:"paths,omitempty"`
	Index      string    `json:"index,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher accepts flush events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// MemoryStore keeps published events in order.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List returns a copy of every event published so far.
func (s *MemoryStore) List() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.events...)
}

// ListByRoot returns events for one root.
func (s *MemoryStore) ListByRoot(collection, id string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Collection == collection && e.RootID == id {
			out = append(out, e)
		}
	}
	return out
}

// LogPublisher writes each event as a log line. It serves as the dead-letter
// sink when the real one is unavailable.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.WarnContext(ctx, "undelivered flush event",
		"kind", string(event.Kind),
		"flush_id", event.FlushID,
		"request_id", event.RequestID,
		"root", event.Collection+"/"+event.RootID,
		"operation", event.Operation,
		"index", event.Index,
		"reason", event.Reason,
	)
	return nil
}

// Channel hands events to a buffered channel so slow sinks stay off the flush
// path. Publish fails with ErrBufferFull instead of blocking.
type Channel struct {
	ch chan Event
}

func NewChannel(size int) *Channel {
	return &Channel{ch: make(chan Event, size)}
}

func (c *Channel) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.ch <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Inbox exposes the receive side for a Worker.
func (c *Channel) Inbox() <-chan Event {
	return c.ch
}
