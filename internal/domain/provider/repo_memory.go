package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memEntry struct {
	mu sync.Mutex
	p  Provider
}

// memoryRepo keeps providers in process. The map lock only guards lookup and
// insertion; status updates serialize on the provider's own mutex.
type memoryRepo struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*memEntry
}

func NewMemoryRepo() Repository {
	return &memoryRepo{entries: make(map[uuid.UUID]*memEntry)}
}

func (r *memoryRepo) Create(_ context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[p.ID]; ok {
		return fmt.Errorf("provider %s already exists", p.ID)
	}
	r.entries[p.ID] = &memEntry{p: *p}
	return nil
}

func (r *memoryRepo) entry(id uuid.UUID) (*memEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.p
	return &p, nil
}

func (r *memoryRepo) Update(_ context.Context, id uuid.UUID, fn func(p *Provider) (bool, error)) (*Provider, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.p
	changed, err := fn(&working)
	if err != nil {
		return nil, err
	}
	if changed {
		e.p = working
	}
	out := e.p
	return &out, nil
}

func (r *memoryRepo) List(_ context.Context, status Status, limit, offset int) ([]*Provider, int, error) {
	r.mu.RLock()
	entries := make([]*memEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var matched []*Provider
	for _, e := range entries {
		e.mu.Lock()
		p := e.p
		e.mu.Unlock()
		if status != "" && p.Status != status {
			continue
		}
		matched = append(matched, &p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
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
