package billing

import (
	"context"
	"math/big"
	"time"

	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/money"
)

// InvoiceStatus tracks an invoice's lifecycle.
type InvoiceStatus string

const (
	InvoicePending       InvoiceStatus = "pending"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceSettled       InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
	InvoiceVoided        InvoiceStatus = "cancelled"
)

// Invoice aggregates one or more bill line items issued to a tenancy.
// Total is fixed at issue time; Outstanding and Status are derived from
// the line items on every read, so they can never drift from the bills.
type Invoice struct {
	ID          string        `json:"id"`
	TenancyID   string        `json:"tenancyId"`
	Total       string        `json:"total"`
	Outstanding string        `json:"outstanding"`
	Status      InvoiceStatus `json:"status"`
	DueDate     time.Time     `json:"dueDate"`
	Cancelled   bool          `json:"cancelled"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`

	// Lines is populated on reads, not persisted on the invoice row.
	Lines []*Bill `json:"lines,omitempty"`
}

// IssueInvoice aggregates the given bills into a new invoice and stamps
// each bill with the invoice ID. Bills already on another invoice are
// rejected.
func (s *Service) IssueInvoice(ctx context.Context, tenancyID string, billIDs []string, dueDate time.Time) (*Invoice, error) {
	if len(billIDs) == 0 {
		return nil, ErrInvalidAmount
	}

	total := big.NewInt(0)
	bills := make([]*Bill, 0, len(billIDs))
	for _, id := range billIDs {
		b, err := s.store.GetBill(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.InvoiceID != "" {
			return nil, ErrDuplicateBill
		}
		amt, _ := money.Parse(b.Amount)
		total.Add(total, amt)
		bills = append(bills, b)
	}

	now := time.Now().UTC()
	inv := &Invoice{
		ID:        idgen.WithPrefix("inv_"),
		TenancyID: tenancyID,
		Total:     money.Format(total),
		DueDate:   dueDate,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	for _, b := range bills {
		b.InvoiceID = inv.ID
		b.UpdatedAt = now
		if err := s.store.UpdateBill(ctx, b); err != nil {
			return nil, err
		}
	}

	return s.GetInvoice(ctx, inv.ID)
}

// GetInvoice loads an invoice with its line items and derives
// Outstanding and Status from the bills.
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.store.ListBillsByInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines

	outstanding := big.NewInt(0)
	for _, b := range lines {
		bal, _ := money.Parse(b.Balance)
		outstanding.Add(outstanding, bal)
	}
	inv.Outstanding = money.Format(outstanding)
	inv.Status = s.invoiceStatus(inv, outstanding)
	return inv, nil
}

// CancelInvoice voids an invoice and detaches its unpaid line items so
// they can be re-invoiced. Fully paid invoices cannot be cancelled.
func (s *Service) CancelInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Cancelled {
		return nil, ErrInvoiceCancelled
	}
	if inv.Status == InvoiceSettled {
		return nil, ErrInvoicePaid
	}

	now := time.Now().UTC()
	for _, b := range inv.Lines {
		b.InvoiceID = ""
		b.UpdatedAt = now
		if err := s.store.UpdateBill(ctx, b); err != nil {
			return nil, err
		}
	}

	inv.Cancelled = true
	inv.UpdatedAt = now
	if err := s.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	inv.Lines = nil
	inv.Outstanding = "0.00"
	inv.Status = InvoiceVoided
	return inv, nil
}

func (s *Service) invoiceStatus(inv *Invoice, outstanding *big.Int) InvoiceStatus {
	switch {
	case inv.Cancelled:
		return InvoiceVoided
	case outstanding.Sign() == 0:
		return InvoiceSettled
	case !inv.DueDate.IsZero() && time.Now().UTC().After(inv.DueDate):
		return InvoiceOverdue
	case money.Cmp(money.Format(outstanding), inv.Total) < 0:
		return InvoicePartiallyPaid
	default:
		return InvoicePending
	}
}
