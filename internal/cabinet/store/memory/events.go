package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

// EventStore is an in-memory append-only audit log.
// It is intended for use in tests and dev environments.
type EventStore struct {
	mu     sync.Mutex
	events []types.EventLogEntry
}

func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) AppendEventLog(_ context.Context, e types.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, e)
	return nil
}

func (s *EventStore) CountKeyEvents(_ context.Context, keyID int64, id types.EventID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventID == id && e.KeyID != nil && *e.KeyID == keyID {
			n++
		}
	}
	return n, nil
}

// Events returns a copy of all recorded events.  Test-only helper.
func (s *EventStore) Events() []types.EventLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EventLogEntry, len(s.events))
	copy(out, s.events)
	return out
}

// Count returns how many events of kind id were recorded.  Test-only helper.
func (s *EventStore) Count(id types.EventID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventID == id {
			n++
		}
	}
	return n
}
