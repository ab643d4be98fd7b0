package wallet

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/money"
	"github.com/propertyops/rentledger/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

func (m *MemoryStore) GetBalance(_ context.Context, tenantID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[tenantID]
	if !ok {
		return &Balance{
			TenantID:  tenantID,
			Available: "0.00",
			TotalIn:   "0.00",
			TotalOut:  "0.00",
			UpdatedAt: time.Now().UTC(),
		}, nil
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Credit(_ context.Context, tenantID, amount, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.ensure(tenantID)
	bal.Available = money.Add(bal.Available, amount)
	bal.TotalIn = money.Add(bal.TotalIn, amount)
	bal.UpdatedAt = time.Now().UTC()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.New(),
		TenantID:    tenantID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) Debit(_ context.Context, tenantID, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[tenantID]
	if !ok {
		return ErrInsufficientFunds
	}

	avail, _ := money.Parse(bal.Available)
	amt, _ := money.Parse(amount)
	if avail.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}

	bal.Available = money.Format(new(big.Int).Sub(avail, amt))
	bal.TotalOut = money.Add(bal.TotalOut, amount)
	bal.UpdatedAt = time.Now().UTC()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.New(),
		TenantID:    tenantID,
		Type:        "bill_payment",
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) GetHistory(_ context.Context, tenantID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first.
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.TenantID != tenantID {
			continue
		}
		if before != nil && !olderThan(e, before) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// olderThan reports whether the entry sits strictly after the cursor in a
// newest-first ordering, with the ID breaking created-at ties.
func olderThan(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

func (m *MemoryStore) ensure(tenantID string) *Balance {
	bal, ok := m.balances[tenantID]
	if !ok {
		bal = &Balance{
			TenantID:  tenantID,
			Available: "0.00",
			TotalIn:   "0.00",
			TotalOut:  "0.00",
		}
		m.balances[tenantID] = bal
	}
	return bal
}

var _ Store = (*MemoryStore)(nil)
