// Package payments records money received and applies it to bills.
//
// A payment is immutable once successful: the only permitted later
// mutation is attaching a receipt link. Idempotency is keyed on the
// external gateway reference, so retried webhook deliveries collapse
// onto the original record instead of creating a second payment.
package payments

import (
	"context"
	"errors"
	"fmt"
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
	ErrNotFound           = errors.New("payments: not found")
	ErrInvalidAmount      = errors.New("payments: amount must be positive")
	ErrInvalidMethod      = errors.New("payments: unknown method")
	ErrDuplicateReference = errors.New("payments: reference already used")
	ErrBadSignature       = errors.New("payments: invalid webhook signature")
	ErrAlreadyFailed      = errors.New("payments: payment already failed")
	ErrNotSuccessful      = errors.New("payments: payment not successful")
	ErrVersionConflict    = errors.New("payments: version conflict")
)

// Method identifies how the money arrived.
type Method string

const (
	MethodWallet   Method = "wallet"
	MethodCard     Method = "card"
	MethodBank     Method = "bank"
	MethodCash     Method = "cash"
	MethodExternal Method = "external"
)

func validMethod(m Method) bool {
	switch m {
	case MethodWallet, MethodCard, MethodBank, MethodCash, MethodExternal:
		return true
	}
	return false
}

// Status tracks a payment's lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Payment is a record of money received against a bill.
type Payment struct {
	ID          string     `json:"id"`
	BillID      string     `json:"billId"`
	TenantID    string     `json:"tenantId"`
	Amount      string     `json:"amount"`
	Method      Method     `json:"method"`
	Reference   string     `json:"reference,omitempty"`
	Status      Status     `json:"status"`
	ReceiptURL  string     `json:"receiptUrl,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Store persists payments.
type Store interface {
	// Create inserts a payment; a live (non-failed) payment already
	// holding the same non-empty reference yields ErrDuplicateReference.
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	// Update performs a compare-and-swap on p.Version.
	Update(ctx context.Context, p *Payment) error
	FindByReference(ctx context.Context, reference string) (*Payment, error)
	ListByBill(ctx context.Context, billID string) ([]*Payment, error)
}

// Biller is the slice of the billing service the recorder needs.
type Biller interface {
	GetBill(ctx context.Context, id string) (*billing.Bill, error)
	ApplyToBill(ctx context.Context, billID, amount string, src billing.SourceRef) (*billing.Application, error)
}

// PrepayCreator turns an overpayment remainder into an advance deposit.
type PrepayCreator interface {
	CreateFromOverpayment(ctx context.Context, tenantID, apartmentID, amount, note string) (string, error)
}

// Notifier emits fire-and-forget notifications after ledger mutations.
type Notifier interface {
	EmitPayment(recipient, amount, reference string)
}

// Events receives settled payments for live subscribers. May be nil.
type Events interface {
	PaymentSucceeded(p *Payment)
}

const conflictRetries = 3

// Service records and confirms payments.
type Service struct {
	store    Store
	biller   Biller
	prepays  PrepayCreator
	notifier Notifier
	events   Events
	locks    syncutil.ShardedMutex
}

// NewService creates a payment service. notifier may be nil.
func NewService(store Store, biller Biller, prepays PrepayCreator, notifier Notifier) *Service {
	return &Service{store: store, biller: biller, prepays: prepays, notifier: notifier}
}

// WithEvents attaches a payment event sink.
func (s *Service) WithEvents(ev Events) *Service {
	s.events = ev
	return s
}

// RecordParams are the inputs to Record.
type RecordParams struct {
	BillID    string
	TenantID  string
	Amount    string
	Method    Method
	Reference string
	// Verified payments (manual admin entry, completed wallet debit) are
	// confirmed and applied immediately; unverified ones stay pending
	// until Confirm (e.g. awaiting the gateway webhook).
	Verified bool
}

// Record creates a payment against a bill. When the reference is
// already carried by a live payment, the existing record is returned
// with existed = true and nothing changes.
func (s *Service) Record(ctx context.Context, p RecordParams) (payment *Payment, existed bool, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Record",
		traces.BillID(p.BillID), traces.Amount(p.Amount), traces.Reference(p.Reference))
	defer span.End()

	amt, ok := money.Parse(p.Amount)
	if !ok || amt.Sign() <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if p.Method == "" {
		p.Method = MethodCash
	}
	if !validMethod(p.Method) {
		return nil, false, ErrInvalidMethod
	}

	bill, err := s.biller.GetBill(ctx, p.BillID)
	if err != nil {
		return nil, false, err
	}

	tenantID := p.TenantID
	if tenantID == "" {
		tenantID = bill.TenancyID
	}

	if p.Reference != "" {
		if existing, err := s.store.FindByReference(ctx, p.Reference); err == nil {
			return existing, true, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	pay := &Payment{
		ID:        idgen.WithPrefix("pay_"),
		BillID:    bill.ID,
		TenantID:  tenantID,
		Amount:    money.Format(amt),
		Method:    p.Method,
		Reference: p.Reference,
		Status:    StatusPending,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, pay); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			// Lost the race with a concurrent delivery of the same
			// reference: treat as already processed.
			existing, ferr := s.store.FindByReference(ctx, p.Reference)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, true, nil
		}
		return nil, false, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(pay.Method), string(pay.Status)).Inc()

	if p.Verified {
		confirmed, err := s.Confirm(ctx, pay.ID)
		if err != nil {
			return pay, false, err
		}
		return confirmed, false, nil
	}
	return pay, false, nil
}

// Confirm transitions a pending payment to success and applies it to
// its bill exactly once. Confirming an already successful payment is a
// no-op returning the record, so gateway retries are harmless. Any
// remainder beyond the bill's balance becomes a prepayment for the same
// tenant and apartment, never silently discarded.
func (s *Service) Confirm(ctx context.Context, id string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Confirm", traces.PaymentID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusSuccess {
		return p, nil
	}
	if p.Status == StatusFailed {
		return nil, ErrAlreadyFailed
	}

	// The pending->success transition is the exactly-once gate: only the
	// write that wins the version check proceeds to apply.
	now := time.Now().UTC()
	p.Status = StatusSuccess
	p.ConfirmedAt = &now

	err = retry.Do(ctx, conflictRetries, 10*time.Millisecond, func() error {
		uerr := s.store.Update(ctx, p)
		if uerr == nil {
			return nil
		}
		if errors.Is(uerr, ErrVersionConflict) {
			metrics.VersionConflictsTotal.WithLabelValues("payment").Inc()
			fresh, ferr := s.store.Get(ctx, id)
			if ferr != nil {
				return retry.Permanent(ferr)
			}
			if fresh.Status == StatusSuccess {
				// A racing confirm won; ours becomes a no-op.
				p = fresh
				return nil
			}
			fresh.Status = StatusSuccess
			fresh.ConfirmedAt = &now
			p = fresh
			return uerr
		}
		return retry.Permanent(uerr)
	})
	if err != nil {
		return nil, err
	}
	if p.ConfirmedAt == nil || !p.ConfirmedAt.Equal(now) {
		// Another confirm applied the payment.
		return p, nil
	}

	if err := s.apply(ctx, p); err != nil {
		return p, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(p.Method), string(p.Status)).Inc()
	if s.notifier != nil {
		ref := p.Reference
		if ref == "" {
			ref = p.ID
		}
		s.notifier.EmitPayment(p.TenantID, p.Amount, ref)
	}
	if s.events != nil {
		s.events.PaymentSucceeded(p)
	}
	return p, nil
}

// apply funds the bill and spills any overpayment into a prepayment.
func (s *Service) apply(ctx context.Context, p *Payment) error {
	app, err := s.biller.ApplyToBill(ctx, p.BillID, p.Amount,
		billing.SourceRef{Type: billing.SourcePayment, ID: p.ID})
	if err != nil {
		return fmt.Errorf("payments: apply to bill: %w", err)
	}

	leftover := money.Sub(p.Amount, app.Applied)
	if money.IsPositive(leftover) {
		bill, err := s.biller.GetBill(ctx, p.BillID)
		if err != nil {
			return err
		}
		ppyID, err := s.prepays.CreateFromOverpayment(ctx, p.TenantID, bill.ApartmentID,
			leftover, "overpayment on "+p.ID)
		if err != nil {
			return fmt.Errorf("payments: spill overpayment: %w", err)
		}
		logging.L(ctx).Info("overpayment spilled into prepayment",
			"payment_id", p.ID, "prepayment_id", ppyID, "amount", leftover)
	}
	return nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// AttachReceipt links a rendered receipt to a successful payment, the
// only mutation allowed after success.
func (s *Service) AttachReceipt(ctx context.Context, id, url string) (*Payment, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusSuccess {
		return nil, ErrNotSuccessful
	}

	p.ReceiptURL = url
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
