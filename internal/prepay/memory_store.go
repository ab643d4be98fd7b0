package prepay

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory prepayment store for demo/development.
type MemoryStore struct {
	mu          sync.RWMutex
	prepayments map[string]*Prepayment
}

// NewMemoryStore creates a new in-memory prepayment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prepayments: make(map[string]*Prepayment)}
}

func (m *MemoryStore) Create(_ context.Context, p *Prepayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.prepayments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Prepayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prepayments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Prepayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.prepayments[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}

	cp := *p
	cp.Version++
	m.prepayments[p.ID] = &cp
	p.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByApartment(_ context.Context, apartmentID string) ([]*Prepayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Prepayment
	for _, p := range m.prepayments {
		if p.ApartmentID == apartmentID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

// MemoryAllocationStore is an in-memory allocation audit store.
type MemoryAllocationStore struct {
	mu     sync.RWMutex
	allocs []*Allocation
}

// NewMemoryAllocationStore creates a new in-memory allocation store.
func NewMemoryAllocationStore() *MemoryAllocationStore {
	return &MemoryAllocationStore{}
}

func (m *MemoryAllocationStore) Create(_ context.Context, a *Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.allocs = append(m.allocs, &cp)
	return nil
}

func (m *MemoryAllocationStore) ListByBill(_ context.Context, billID string) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Allocation
	for _, a := range m.allocs {
		if a.BillID == billID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryAllocationStore) ListBySource(_ context.Context, sourceType, sourceID string) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Allocation
	for _, a := range m.allocs {
		if a.SourceType == sourceType && a.SourceID == sourceID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ AllocationStore = (*MemoryAllocationStore)(nil)
