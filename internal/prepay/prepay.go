// Package prepay manages advance deposits and their allocation against
// outstanding bills.
//
// A prepayment is money a tenant has paid ahead of any specific
// obligation. The allocator drains it into the apartment's outstanding
// bills oldest-due-first, producing one allocation audit record per
// application. The package also owns the allocation records written for
// payment-sourced applications, so the whole audit trail lives in one
// store.
package prepay

import (
	"context"
	"errors"
	"time"

	"github.com/propertyops/rentledger/internal/billing"
	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/logging"
	"github.com/propertyops/rentledger/internal/metrics"
	"github.com/propertyops/rentledger/internal/money"
	"github.com/propertyops/rentledger/internal/retry"
	"github.com/propertyops/rentledger/internal/syncutil"
	"github.com/propertyops/rentledger/internal/traces"
)

// Errors
var (
	ErrNotFound        = errors.New("prepay: not found")
	ErrInvalidAmount   = errors.New("prepay: amount must be positive")
	ErrVersionConflict = errors.New("prepay: version conflict")
)

// Prepayment is a tenant's advance deposit not yet tied to a bill.
// Remaining only ever decreases, and only via the allocator.
type Prepayment struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	ApartmentID string    `json:"apartmentId"`
	Amount      string    `json:"amount"`
	Remaining   string    `json:"remaining"`
	Note        string    `json:"note,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Allocation links a funding source to a bill with the amount applied:
// the append-only audit trail of who paid what, how much, and when.
type Allocation struct {
	ID         string    `json:"id"`
	SourceType string    `json:"sourceType"` // payment | prepayment
	SourceID   string    `json:"sourceId"`
	BillID     string    `json:"billId"`
	Amount     string    `json:"amount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists prepayments.
type Store interface {
	Create(ctx context.Context, p *Prepayment) error
	Get(ctx context.Context, id string) (*Prepayment, error)
	// Update performs a compare-and-swap on p.Version.
	Update(ctx context.Context, p *Prepayment) error
	ListByApartment(ctx context.Context, apartmentID string) ([]*Prepayment, error)
}

// AllocationStore persists allocation audit records. Append-only.
type AllocationStore interface {
	Create(ctx context.Context, a *Allocation) error
	ListByBill(ctx context.Context, billID string) ([]*Allocation, error)
	ListBySource(ctx context.Context, sourceType, sourceID string) ([]*Allocation, error)
}

// Biller is the slice of the billing service the allocator needs.
type Biller interface {
	ListOutstanding(ctx context.Context, apartmentID string) ([]*billing.Bill, error)
	ApplyToBill(ctx context.Context, billID, amount string, src billing.SourceRef) (*billing.Application, error)
}

// AllocationResult reports what one allocation run did.
type AllocationResult struct {
	PrepaymentID string                 `json:"prepaymentId"`
	Applied      []*billing.Application `json:"applied"`
	Remaining    string                 `json:"remaining"`
}

const conflictRetries = 3

// Notifier announces completed allocation runs. May be nil.
type Notifier interface {
	EmitAllocation(recipient, amount, reference string)
}

// Service manages prepayments and runs the allocator.
type Service struct {
	store    Store
	allocs   AllocationStore
	biller   Biller
	notifier Notifier
	locks    syncutil.ShardedMutex
}

// NewService creates a prepayment service.
func NewService(store Store, allocs AllocationStore, biller Biller) *Service {
	return &Service{store: store, allocs: allocs, biller: biller}
}

// WithNotifier attaches an allocation notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create records a new advance deposit with remaining = amount.
func (s *Service) Create(ctx context.Context, tenantID, apartmentID, amount, note string) (*Prepayment, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	formatted := money.Format(amt)
	p := &Prepayment{
		ID:          idgen.WithPrefix("ppy_"),
		TenantID:    tenantID,
		ApartmentID: apartmentID,
		Amount:      formatted,
		Remaining:   formatted,
		Note:        note,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a prepayment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Prepayment, error) {
	return s.store.Get(ctx, id)
}

// ListByApartment returns an apartment's prepayments.
func (s *Service) ListByApartment(ctx context.Context, apartmentID string) ([]*Prepayment, error) {
	return s.store.ListByApartment(ctx, apartmentID)
}

// Allocate drains a prepayment into the apartment's outstanding bills,
// oldest due date first (ties broken by bill ID). Conservation holds for
// every run: remaining before = sum of amounts applied + remaining after.
//
// Safe to re-run: once remaining hits zero the next call is a no-op. The
// per-prepayment keyed lock serialises concurrent runs in-process; the
// version check on the prepayment row covers racing processes.
func (s *Service) Allocate(ctx context.Context, prepaymentID string) (*AllocationResult, error) {
	ctx, span := traces.StartSpan(ctx, "prepay.Allocate", traces.PrepaymentID(prepaymentID))
	defer span.End()

	unlock := s.locks.Lock(prepaymentID)
	defer unlock()

	p, err := s.store.Get(ctx, prepaymentID)
	if err != nil {
		return nil, err
	}

	result := &AllocationResult{
		PrepaymentID: p.ID,
		Applied:      []*billing.Application{},
		Remaining:    p.Remaining,
	}
	if !money.IsPositive(p.Remaining) {
		return result, nil
	}

	// Bills arrive sorted by due date then ID, so repeated runs over the
	// same inputs allocate in the same order.
	bills, err := s.biller.ListOutstanding(ctx, p.ApartmentID)
	if err != nil {
		return nil, err
	}

	totalApplied := "0.00"
	for _, bill := range bills {
		if !money.IsPositive(result.Remaining) {
			break
		}

		// Bill balances only shrink, so the listed balance bounds the
		// applicable amount from above.
		offer := money.Min(result.Remaining, bill.Balance)
		if !money.IsPositive(offer) {
			continue
		}

		// Reserve before touching the bill: if anything past this point
		// fails, funds are at worst stranded as reserved, never applied
		// twice.
		if err := s.reserveRemaining(ctx, p, offer); err != nil {
			return result, err
		}
		result.Remaining = p.Remaining

		app, err := s.biller.ApplyToBill(ctx, bill.ID, offer,
			billing.SourceRef{Type: billing.SourcePrepayment, ID: p.ID})
		if err != nil {
			s.returnReservation(ctx, p, offer, result)
			return result, err
		}

		if unused := money.Sub(offer, app.Applied); money.IsPositive(unused) {
			s.returnReservation(ctx, p, unused, result)
		}
		if money.IsPositive(app.Applied) {
			result.Applied = append(result.Applied, app)
			totalApplied = money.Add(totalApplied, app.Applied)
		}
	}

	if s.notifier != nil && len(result.Applied) > 0 {
		s.notifier.EmitAllocation(p.TenantID, totalApplied, p.ID)
	}
	logging.L(ctx).Info("prepayment allocated",
		"prepayment_id", p.ID,
		"applications", len(result.Applied),
		"remaining", result.Remaining)
	return result, nil
}

// reserveRemaining moves delta out of the prepayment's remaining ahead
// of the bill application, re-reading and retrying on version conflict
// so a racing process never makes us lose the decrement.
func (s *Service) reserveRemaining(ctx context.Context, p *Prepayment, delta string) error {
	return s.shiftRemaining(ctx, p, delta, false)
}

// returnReservation puts reserved funds the application did not consume
// back on the prepayment. When the write fails the funds stay reserved;
// the error direction is under-spend, never double-spend.
func (s *Service) returnReservation(ctx context.Context, p *Prepayment, delta string, result *AllocationResult) {
	if err := s.shiftRemaining(ctx, p, delta, true); err != nil {
		logging.L(ctx).Error("reservation return failed, funds remain reserved",
			"prepayment_id", p.ID, "amount", delta, "error", err)
		return
	}
	result.Remaining = p.Remaining
}

func (s *Service) shiftRemaining(ctx context.Context, p *Prepayment, delta string, credit bool) error {
	return retry.Do(ctx, conflictRetries, 10*time.Millisecond, func() error {
		if credit {
			p.Remaining = money.Add(p.Remaining, delta)
		} else {
			p.Remaining = money.Sub(p.Remaining, delta)
		}
		p.UpdatedAt = time.Now().UTC()

		err := s.store.Update(ctx, p)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflictsTotal.WithLabelValues("prepayment").Inc()
			fresh, ferr := s.store.Get(ctx, p.ID)
			if ferr != nil {
				return retry.Permanent(ferr)
			}
			*p = *fresh
			return err
		}
		return retry.Permanent(err)
	})
}

// AllocationsForBill returns the audit records targeting a bill.
func (s *Service) AllocationsForBill(ctx context.Context, billID string) ([]*Allocation, error) {
	return s.allocs.ListByBill(ctx, billID)
}

// AllocationsFromSource returns the audit records drawn from one source.
func (s *Service) AllocationsFromSource(ctx context.Context, sourceType, sourceID string) ([]*Allocation, error) {
	return s.allocs.ListBySource(ctx, sourceType, sourceID)
}

// Events receives each allocation as it is recorded. May be nil.
type Events interface {
	AllocationRecorded(a *Allocation)
}

// Recorder appends allocation audit records. It satisfies the billing
// package's AllocationRecorder, so every bill application, whatever its
// funding source, lands in the same store the allocator reads.
type Recorder struct {
	allocs AllocationStore
	events Events
}

// NewRecorder creates an allocation recorder over the given store.
func NewRecorder(allocs AllocationStore) *Recorder {
	return &Recorder{allocs: allocs}
}

// WithEvents attaches an allocation event sink.
func (r *Recorder) WithEvents(ev Events) *Recorder {
	r.events = ev
	return r
}

func (r *Recorder) RecordAllocation(ctx context.Context, sourceType, sourceID, billID, amount string) error {
	a := &Allocation{
		ID:         idgen.WithPrefix("alc_"),
		SourceType: sourceType,
		SourceID:   sourceID,
		BillID:     billID,
		Amount:     amount,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.allocs.Create(ctx, a); err != nil {
		return err
	}
	if r.events != nil {
		r.events.AllocationRecorded(a)
	}
	return nil
}
