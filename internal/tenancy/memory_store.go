package tenancy

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory tenancy store for demo/development.
type MemoryStore struct {
	mu        sync.RWMutex
	tenancies map[string]*Tenancy
}

// NewMemoryStore creates a new in-memory tenancy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenancies: make(map[string]*Tenancy)}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.tenancies[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenancies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tenancies[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != t.Version {
		return ErrVersionConflict
	}

	cp := *t
	cp.Version++
	m.tenancies[t.ID] = &cp
	t.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListActiveByProperty(_ context.Context, propertyID string) ([]*Tenancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenancy
	for _, t := range m.tenancies {
		if t.PropertyID == propertyID && t.Status == StatusActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByApartment(_ context.Context, apartmentID string) ([]*Tenancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenancy
	for _, t := range m.tenancies {
		if t.ApartmentID == apartmentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
