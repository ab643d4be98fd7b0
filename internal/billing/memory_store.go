package billing

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory bill/invoice store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	bills    map[string]*Bill
	invoices map[string]*Invoice
}

// NewMemoryStore creates a new in-memory billing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bills:    make(map[string]*Bill),
		invoices: make(map[string]*Invoice),
	}
}

func (m *MemoryStore) CreateBill(_ context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Scheduled rent bills are unique per tenancy and period; manual
	// utility/misc bills may repeat within a period.
	if b.Type == TypeRent {
		for _, existing := range m.bills {
			if existing.TenancyID == b.TenancyID && existing.Period == b.Period && existing.Type == TypeRent {
				return ErrDuplicateBill
			}
		}
	}

	cp := *b
	m.bills[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBill(_ context.Context, id string) (*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bills[id]
	if !ok {
		return nil, ErrBillNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateBill(_ context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.bills[b.ID]
	if !ok {
		return ErrBillNotFound
	}
	if cur.Version != b.Version {
		return ErrVersionConflict
	}

	cp := *b
	cp.Version++
	m.bills[b.ID] = &cp
	b.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListBills(_ context.Context, f BillFilter) ([]*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Bill
	for _, b := range m.bills {
		if f.ApartmentID != "" && b.ApartmentID != f.ApartmentID {
			continue
		}
		if f.TenancyID != "" && b.TenancyID != f.TenancyID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.Period != "" && b.Period != f.Period {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sortBills(out)
	return out, nil
}

func (m *MemoryStore) ListOutstanding(_ context.Context, apartmentID string) ([]*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Bill
	for _, b := range m.bills {
		if b.ApartmentID == apartmentID && b.Outstanding() {
			cp := *b
			out = append(out, &cp)
		}
	}
	sortBills(out)
	return out, nil
}

func (m *MemoryStore) ExistsForPeriod(_ context.Context, tenancyID, period string, typ BillType) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.bills {
		if b.TenancyID == tenancyID && b.Period == period && b.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *inv
	cp.Lines = nil
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *MemoryStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) UpdateInvoice(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if cur.Version != inv.Version {
		return ErrVersionConflict
	}

	cp := *inv
	cp.Lines = nil
	cp.Version++
	m.invoices[inv.ID] = &cp
	inv.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListBillsByInvoice(_ context.Context, invoiceID string) ([]*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Bill
	for _, b := range m.bills {
		if b.InvoiceID == invoiceID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sortBills(out)
	return out, nil
}

// sortBills orders by due date ascending, bill ID as tiebreak, matching
// the allocation ordering guarantee.
func sortBills(bills []*Bill) {
	sort.Slice(bills, func(i, j int) bool {
		if bills[i].DueDate.Equal(bills[j].DueDate) {
			return bills[i].ID < bills[j].ID
		}
		return bills[i].DueDate.Before(bills[j].DueDate)
	})
}

var _ Store = (*MemoryStore)(nil)
