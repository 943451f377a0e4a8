package auditlog

import (
	"context"
	"sort"
	"sync"
)

// Store persists audit events. It has no update or delete operation.
type Store interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error)
}

type memoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() Store {
	return &memoryStore{}
}

func (s *memoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

// List returns matching events newest first.
func (s *memoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	s.mu.RLock()
	var matched []*Event
	for i := range s.events {
		if f.matches(&s.events[i]) {
			e := s.events[i]
			matched = append(matched, &e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].RecordedAt.After(matched[j].RecordedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
