package payments

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory payment store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	byRef    map[string]string // reference -> payment ID, live payments only
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		byRef:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Reference != "" {
		if _, exists := m.byRef[p.Reference]; exists {
			return ErrDuplicateReference
		}
		m.byRef[p.Reference] = p.ID
	}

	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}

	cp := *p
	cp.Version++
	m.payments[p.ID] = &cp
	p.Version = cp.Version

	// Failed payments release their reference for reuse.
	if cp.Status == StatusFailed && cp.Reference != "" {
		delete(m.byRef, cp.Reference)
	}
	return nil
}

func (m *MemoryStore) FindByReference(_ context.Context, reference string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.payments[id]
	return &cp, nil
}

func (m *MemoryStore) ListByBill(_ context.Context, billID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.BillID == billID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
