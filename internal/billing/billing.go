// Package billing manages payable obligations (bills) and their
// invoice aggregations.
//
// A bill is never deleted, only zeroed: every reduction of its balance
// goes through ApplyToBill, which performs the version-checked
// decrement, recomputes the status, and appends the allocation audit
// record. Payments, prepayment allocations, and standing-order runs all
// fund bills through that single path.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/logging"
	"github.com/propertyops/rentledger/internal/metrics"
	"github.com/propertyops/rentledger/internal/money"
	"github.com/propertyops/rentledger/internal/retry"
	"github.com/propertyops/rentledger/internal/syncutil"
)

// Errors
var (
	ErrBillNotFound     = errors.New("billing: bill not found")
	ErrInvoiceNotFound  = errors.New("billing: invoice not found")
	ErrInvalidAmount    = errors.New("billing: amount must be positive")
	ErrDuplicateBill    = errors.New("billing: bill already exists for tenancy, period, and type")
	ErrVersionConflict  = errors.New("billing: version conflict")
	ErrInvoiceCancelled = errors.New("billing: invoice is cancelled")
	ErrInvoicePaid      = errors.New("billing: invoice already paid")
)

// BillType categorises the obligation.
type BillType string

const (
	TypeRent    BillType = "rent"
	TypeUtility BillType = "utility"
	TypeMisc    BillType = "misc"
)

// BillStatus tracks how much of a bill remains unpaid.
type BillStatus string

const (
	StatusDue     BillStatus = "due"
	StatusPartial BillStatus = "partial"
	StatusPaid    BillStatus = "paid"
)

// Bill is one payable obligation tied to a tenancy and period.
type Bill struct {
	ID          string     `json:"id"`
	TenancyID   string     `json:"tenancyId"`
	ApartmentID string     `json:"apartmentId"`
	Type        BillType   `json:"type"`
	Period      string     `json:"period"` // YYYY-MM
	DueDate     time.Time  `json:"dueDate"`
	Amount      string     `json:"amount"`
	Balance     string     `json:"balance"`
	Status      BillStatus `json:"status"`
	Notes       string     `json:"notes,omitempty"`
	InvoiceID   string     `json:"invoiceId,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Outstanding reports whether the bill still carries a payable balance.
func (b *Bill) Outstanding() bool {
	return b.Status != StatusPaid && money.IsPositive(b.Balance)
}

// StatusFor derives the bill status from its balance and original amount.
func StatusFor(balance, amount string) BillStatus {
	switch {
	case money.IsZero(balance):
		return StatusPaid
	case money.Cmp(balance, amount) < 0:
		return StatusPartial
	default:
		return StatusDue
	}
}

// SourceType identifies the kind of funding source behind an allocation.
type SourceType string

const (
	SourcePayment    SourceType = "payment"
	SourcePrepayment SourceType = "prepayment"
)

// SourceRef identifies the funding source for the allocation audit trail.
type SourceRef struct {
	Type SourceType
	ID   string
}

// Application is the result of funding a bill: how much was applied and
// the bill's resulting state.
type Application struct {
	BillID     string     `json:"billId"`
	Applied    string     `json:"applied"`
	NewBalance string     `json:"newBalance"`
	NewStatus  BillStatus `json:"newStatus"`
}

// AllocationRecorder appends one allocation audit record per application.
// The allocation store in the prepay package satisfies this.
type AllocationRecorder interface {
	RecordAllocation(ctx context.Context, sourceType, sourceID, billID, amount string) error
}

// Lease is the slice of tenancy state the schedule generator needs.
type Lease struct {
	TenancyID   string
	ApartmentID string
	RentAmount  string
	DueDay      int
}

// LeaseSource lists the active leases of a property.
type LeaseSource interface {
	ActiveLeases(ctx context.Context, propertyID string) ([]Lease, error)
}

// BillFilter narrows List results. Zero values match everything.
type BillFilter struct {
	ApartmentID string
	TenancyID   string
	Status      BillStatus
	Period      string
}

// Store persists bills and invoices.
type Store interface {
	CreateBill(ctx context.Context, b *Bill) error
	GetBill(ctx context.Context, id string) (*Bill, error)
	// UpdateBill performs a compare-and-swap on b.Version; returns
	// ErrVersionConflict when the stored version differs.
	UpdateBill(ctx context.Context, b *Bill) error
	ListBills(ctx context.Context, f BillFilter) ([]*Bill, error)
	// ListOutstanding returns due/partial bills with balance > 0 for an
	// apartment, ordered by due date ascending with ID as tiebreak.
	ListOutstanding(ctx context.Context, apartmentID string) ([]*Bill, error)
	ExistsForPeriod(ctx context.Context, tenancyID, period string, typ BillType) (bool, error)

	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	ListBillsByInvoice(ctx context.Context, invoiceID string) ([]*Bill, error)
}

const conflictRetries = 3

// Events receives new bills for live subscribers. May be nil.
type Events interface {
	BillCreated(b *Bill)
}

// Service manages bills and invoices.
type Service struct {
	store    Store
	leases   LeaseSource
	recorder AllocationRecorder
	events   Events
	locks    syncutil.ShardedMutex
}

// NewService creates a billing service. recorder may be nil until wired;
// applications then skip the audit append (used only in isolated tests).
func NewService(store Store, leases LeaseSource, recorder AllocationRecorder) *Service {
	return &Service{store: store, leases: leases, recorder: recorder}
}

// WithEvents attaches a bill event sink.
func (s *Service) WithEvents(ev Events) *Service {
	s.events = ev
	return s
}

// CreateParams are the inputs for a manually created bill.
type CreateParams struct {
	TenancyID   string
	ApartmentID string
	Type        BillType
	Period      string
	DueDate     time.Time
	Amount      string
	Notes       string
}

// CreateBill creates one obligation with balance = amount, status = due.
func (s *Service) CreateBill(ctx context.Context, p CreateParams) (*Bill, error) {
	amt, ok := money.Parse(p.Amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	typ := p.Type
	if typ == "" {
		typ = TypeMisc
	}

	now := time.Now().UTC()
	amount := money.Format(amt)
	b := &Bill{
		ID:          idgen.WithPrefix("bill_"),
		TenancyID:   p.TenancyID,
		ApartmentID: p.ApartmentID,
		Type:        typ,
		Period:      p.Period,
		DueDate:     p.DueDate,
		Amount:      amount,
		Balance:     amount,
		Status:      StatusDue,
		Notes:       p.Notes,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateBill(ctx, b); err != nil {
		return nil, err
	}
	if s.events != nil {
		s.events.BillCreated(b)
	}
	return b, nil
}

// GetBill returns a bill by ID.
func (s *Service) GetBill(ctx context.Context, id string) (*Bill, error) {
	return s.store.GetBill(ctx, id)
}

// ListBills returns bills matching the filter.
func (s *Service) ListBills(ctx context.Context, f BillFilter) ([]*Bill, error) {
	return s.store.ListBills(ctx, f)
}

// ListOutstanding returns an apartment's payable bills in allocation order.
func (s *Service) ListOutstanding(ctx context.Context, apartmentID string) ([]*Bill, error) {
	return s.store.ListOutstanding(ctx, apartmentID)
}

// GenerateMonthlySchedule creates one rent bill per active tenancy of the
// property for the given period. Idempotent: a tenancy that already has a
// rent bill for the period is skipped, so re-running a partially failed
// generation only fills the gaps.
func (s *Service) GenerateMonthlySchedule(ctx context.Context, propertyID, period string) ([]*Bill, error) {
	leases, err := s.leases.ActiveLeases(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("billing: load leases: %w", err)
	}

	periodStart, err := time.Parse("2006-01", period)
	if err != nil {
		return nil, fmt.Errorf("billing: invalid period %q", period)
	}

	created := make([]*Bill, 0, len(leases))
	for _, lease := range leases {
		exists, err := s.store.ExistsForPeriod(ctx, lease.TenancyID, period, TypeRent)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		dueDay := lease.DueDay
		if dueDay < 1 || dueDay > 28 {
			dueDay = 1
		}
		due := time.Date(periodStart.Year(), periodStart.Month(), dueDay, 0, 0, 0, 0, time.UTC)

		b, err := s.CreateBill(ctx, CreateParams{
			TenancyID:   lease.TenancyID,
			ApartmentID: lease.ApartmentID,
			Type:        TypeRent,
			Period:      period,
			DueDate:     due,
			Amount:      lease.RentAmount,
			Notes:       "scheduled rent",
		})
		if err == ErrDuplicateBill {
			// Lost a race with a concurrent generation run.
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, b)
	}

	logging.L(ctx).Info("monthly schedule generated",
		"property_id", propertyID, "period", period, "created", len(created))
	return created, nil
}

// ApplyToBill funds a bill with up to amount, clamped to the bill's
// balance. It is the single mutation path for bill balances: every
// funding source (payment, prepayment, standing order) lands here.
//
// Holds the bill's keyed lock for the read-modify-write and retries
// version conflicts with freshly read state before surfacing one. The
// lock is released across backoff sleeps so unrelated bills on the same
// shard are not held up by a conflicting writer.
// Applying to an already settled bill is a no-op with Applied = "0.00".
func (s *Service) ApplyToBill(ctx context.Context, billID, amount string, src SourceRef) (*Application, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(billID)
	defer func() { unlock() }()

	var app *Application
	attempt := func() error {
		bill, err := s.store.GetBill(ctx, billID)
		if err != nil {
			return retry.Permanent(err)
		}

		applied := money.Min(amount, bill.Balance)
		if !money.IsPositive(applied) {
			app = &Application{BillID: bill.ID, Applied: "0.00", NewBalance: bill.Balance, NewStatus: bill.Status}
			return nil
		}

		bill.Balance = money.Sub(bill.Balance, applied)
		bill.Status = StatusFor(bill.Balance, bill.Amount)
		bill.UpdatedAt = time.Now().UTC()

		if err := s.store.UpdateBill(ctx, bill); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				metrics.VersionConflictsTotal.WithLabelValues("bill").Inc()
				return err
			}
			return retry.Permanent(err)
		}

		app = &Application{BillID: bill.ID, Applied: applied, NewBalance: bill.Balance, NewStatus: bill.Status}
		return nil
	}
	err := retry.DoWithUnlock(ctx, conflictRetries, 10*time.Millisecond,
		func() { unlock() },
		func() { unlock = s.locks.Lock(billID) },
		attempt)
	if err != nil {
		return nil, err
	}

	if money.IsPositive(app.Applied) {
		metrics.AllocationsTotal.WithLabelValues(string(src.Type)).Inc()
		if s.recorder != nil {
			if err := s.recorder.RecordAllocation(ctx, string(src.Type), src.ID, app.BillID, app.Applied); err != nil {
				// The balance is already decremented; a missing audit row
				// is a correctness bug we must surface, not swallow.
				return nil, fmt.Errorf("billing: record allocation: %w", err)
			}
		}
	}
	return app, nil
}
