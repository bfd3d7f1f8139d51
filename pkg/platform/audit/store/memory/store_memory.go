package memory

import (
	"context"
	"sync"

	"trialrand/pkg/platform/audit"
)

// InMemoryStore keeps events in append order. Used by tests and by
// deployments that forward the process log to an external history store.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, cloneEvent(event))
	return nil
}

// ListByRecord returns the history of one list row in append order.
func (s *InMemoryStore) ListByRecord(_ context.Context, scheme, recordKey string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Scheme == scheme && e.RecordKey == recordKey {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

// ListAll returns every event in append order.
func (s *InMemoryStore) ListAll(_ context.Context) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, len(s.events))
	for i, e := range s.events {
		out[i] = cloneEvent(e)
	}
	return out, nil
}

func cloneEvent(e audit.Event) audit.Event {
	if e.FieldChanges == nil {
		return e
	}
	changes := make(map[string]string, len(e.FieldChanges))
	for k, v := range e.FieldChanges {
		changes[k] = v
	}
	e.FieldChanges = changes
	return e
}
