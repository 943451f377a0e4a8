package consent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pairKey struct {
	provider uuid.UUID
	patient  uuid.UUID
}

// pairEntry serializes every operation on one pair. removed is set when the
// sweeper drops the entry so a caller that raced it retries on a fresh one.
type pairEntry struct {
	mu      sync.Mutex
	session *Session
	removed bool
}

// MemoryStore keeps sessions in process. The map lock is held only to find or
// create a pair's entry, never while a pair's state changes.
type MemoryStore struct {
	opts    StoreOptions
	mu      sync.Mutex
	entries map[pairKey]*pairEntry
}

func NewMemoryStore(opts StoreOptions) *MemoryStore {
	return &MemoryStore{
		opts:    opts.withDefaults(),
		entries: make(map[pairKey]*pairEntry),
	}
}

func (s *MemoryStore) lookup(key pairKey, create bool) *pairEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok && create {
		e = &pairEntry{}
		s.entries[key] = e
	}
	return e
}

// withPair runs fn with the pair's lock held. fn receives nil when the pair
// has no entry and create is false.
func (s *MemoryStore) withPair(key pairKey, create bool, fn func(e *pairEntry)) {
	for {
		e := s.lookup(key, create)
		if e == nil {
			fn(nil)
			return
		}
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		fn(e)
		e.mu.Unlock()
		return
	}
}

func (s *MemoryStore) Issue(_ context.Context, providerID, patientID uuid.UUID, code string, ttl time.Duration) (*Session, error) {
	var out Session
	s.withPair(pairKey{providerID, patientID}, true, func(e *pairEntry) {
		if e.session != nil {
			e.session.Superseded = true
		}
		e.session = newSession(providerID, patientID, code, ttl, s.opts.MaxAttempts, s.opts.Now())
		out = *e.session
	})
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, providerID, patientID uuid.UUID) (*Session, error) {
	var out *Session
	s.withPair(pairKey{providerID, patientID}, false, func(e *pairEntry) {
		if e != nil && e.session != nil {
			cp := *e.session
			out = &cp
		}
	})
	if out == nil {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, providerID, patientID uuid.UUID, code string) (AttemptResult, error) {
	var res AttemptResult
	found := false
	s.withPair(pairKey{providerID, patientID}, false, func(e *pairEntry) {
		if e == nil || e.session == nil {
			return
		}
		found = true
		res = e.session.recordAttempt(code, s.opts.Now())
	})
	if !found {
		return AttemptResult{}, ErrSessionNotFound
	}
	return res, nil
}

func (s *MemoryStore) Consume(ctx context.Context, providerID, patientID uuid.UUID) (bool, error) {
	return s.ConsumeWith(ctx, providerID, patientID, nil)
}

func (s *MemoryStore) ConsumeWith(ctx context.Context, providerID, patientID uuid.UUID, commit func(ctx context.Context) error) (bool, error) {
	var (
		ok  bool
		err error
	)
	s.withPair(pairKey{providerID, patientID}, false, func(e *pairEntry) {
		if e == nil || e.session == nil {
			return
		}
		now := s.opts.Now()
		if !e.session.consumable(now, s.opts.Grace) {
			return
		}
		if commit != nil {
			if err = commit(ctx); err != nil {
				return
			}
		}
		ok = e.session.consume(now, s.opts.Grace)
	})
	return ok, err
}

// Sweep picks candidates under the map lock, then locks each pair on its own
// so a busy pair never blocks lookups on other pairs.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.opts.Now()

	s.mu.Lock()
	candidates := make(map[pairKey]*pairEntry, len(s.entries))
	for key, e := range s.entries {
		candidates[key] = e
	}
	s.mu.Unlock()

	removed := 0
	for key, e := range candidates {
		e.mu.Lock()
		if !e.removed && (e.session == nil || e.session.sweepable(now, s.opts.Grace)) {
			s.mu.Lock()
			if s.entries[key] == e {
				delete(s.entries, key)
			}
			s.mu.Unlock()
			e.removed = true
			if e.session != nil {
				removed++
			}
		}
		e.mu.Unlock()
	}
	return removed, nil
}
