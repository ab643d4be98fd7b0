// Package standing automates wallet-funded bill payment.
//
// A standing order is a tenancy-scoped rule: pay everything, or only
// certain bill types. On each scheduler tick the active orders are
// evaluated oldest-bill-first against the tenant's wallet. When the
// wallet cannot cover a bill in full the partial amount is still
// applied; the order then stops for that tick once the wallet is empty.
package standing

import (
	"context"
	"errors"
	"time"

	"github.com/propertyops/rentledger/internal/billing"
	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/logging"
	"github.com/propertyops/rentledger/internal/metrics"
	"github.com/propertyops/rentledger/internal/money"
)

// Errors
var (
	ErrNotFound        = errors.New("standing: order not found")
	ErrVersionConflict = errors.New("standing: version conflict")
)

// Order is a recurring auto-payment rule for one tenancy.
type Order struct {
	ID          string     `json:"id"`
	TenancyID   string     `json:"tenancyId"`
	TenantID    string     `json:"tenantId"`
	ApartmentID string     `json:"apartmentId"`
	PayAllBills bool       `json:"payAllBills"`
	BillTypes   []string   `json:"billTypes,omitempty"`
	Active      bool       `json:"active"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// covers reports whether the order's filter includes a bill type.
func (o *Order) covers(t billing.BillType) bool {
	if o.PayAllBills {
		return true
	}
	for _, bt := range o.BillTypes {
		if bt == string(t) {
			return true
		}
	}
	return false
}

// Store persists standing orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Update performs a compare-and-swap on o.Version.
	Update(ctx context.Context, o *Order) error
	ListActive(ctx context.Context) ([]*Order, error)
}

// Biller lists a tenancy's outstanding bills in due-date order.
type Biller interface {
	ListOutstanding(ctx context.Context, apartmentID string) ([]*billing.Bill, error)
}

// Wallet exposes the balance read, debit, and compensating credit the
// scheduler needs.
type Wallet interface {
	Available(ctx context.Context, tenantID string) (string, error)
	Debit(ctx context.Context, tenantID, amount, reference, description string) error
	// ReverseDebit puts back funds whose payment record could not be
	// created, so a failed tick never strands money outside the wallet.
	ReverseDebit(ctx context.Context, tenantID, amount, reference string) error
}

// PaymentRecorder records a verified wallet-funded payment, producing
// the same audit trail as a manual one.
type PaymentRecorder interface {
	RecordWalletPayment(ctx context.Context, billID, tenantID, amount string) error
}

// RunResult summarises one scheduler tick.
type RunResult struct {
	OrdersEvaluated int    `json:"ordersEvaluated"`
	PaymentsMade    int    `json:"paymentsMade"`
	TotalPaid       string `json:"totalPaid"`
}

// Service manages standing orders and executes scheduler ticks.
type Service struct {
	store      Store
	biller     Biller
	wallet     Wallet
	payments   PaymentRecorder
	minPayment string
}

// NewService creates a standing-order service. minPayment is the floor
// below which a wallet balance is not worth applying (orders with less
// are skipped for the tick, not failed).
func NewService(store Store, biller Biller, wallet Wallet, payments PaymentRecorder, minPayment string) *Service {
	if !money.IsPositive(minPayment) {
		minPayment = "0.01"
	}
	return &Service{store: store, biller: biller, wallet: wallet, payments: payments, minPayment: minPayment}
}

// CreateParams are the inputs for a new order.
type CreateParams struct {
	TenancyID   string
	TenantID    string
	ApartmentID string
	PayAllBills bool
	BillTypes   []string
}

// Create registers a new active standing order.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Order, error) {
	now := time.Now().UTC()
	o := &Order{
		ID:          idgen.WithPrefix("so_"),
		TenancyID:   p.TenancyID,
		TenantID:    p.TenantID,
		ApartmentID: p.ApartmentID,
		PayAllBills: p.PayAllBills,
		BillTypes:   p.BillTypes,
		Active:      true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Toggle flips an order's active flag.
func (s *Service) Toggle(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Active = !o.Active
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// RunAll executes one scheduler tick over every active order.
func (s *Service) RunAll(ctx context.Context) (*RunResult, error) {
	orders, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	result := &RunResult{TotalPaid: "0.00"}
	for _, o := range orders {
		result.OrdersEvaluated++
		paid, n := s.runOrder(ctx, o)
		result.PaymentsMade += n
		result.TotalPaid = money.Add(result.TotalPaid, paid)
	}

	logging.L(ctx).Info("standing orders evaluated",
		"orders", result.OrdersEvaluated,
		"payments", result.PaymentsMade,
		"total", result.TotalPaid)
	return result, nil
}

// runOrder pays the order's candidate bills oldest first until the
// wallet is exhausted. Returns the total paid and the payment count.
func (s *Service) runOrder(ctx context.Context, o *Order) (string, int) {
	available, err := s.wallet.Available(ctx, o.TenantID)
	if err != nil {
		logging.L(ctx).Warn("standing order wallet read failed", "order_id", o.ID, "error", err)
		metrics.StandingOrderRunsTotal.WithLabelValues("error").Inc()
		return "0.00", 0
	}
	if money.Cmp(available, s.minPayment) < 0 {
		metrics.StandingOrderRunsTotal.WithLabelValues("skipped").Inc()
		return "0.00", 0
	}

	bills, err := s.biller.ListOutstanding(ctx, o.ApartmentID)
	if err != nil {
		logging.L(ctx).Warn("standing order bill load failed", "order_id", o.ID, "error", err)
		metrics.StandingOrderRunsTotal.WithLabelValues("error").Inc()
		return "0.00", 0
	}

	totalPaid := "0.00"
	payments := 0
	for _, bill := range bills {
		if bill.TenancyID != o.TenancyID || !o.covers(bill.Type) {
			continue
		}
		if money.Cmp(available, s.minPayment) < 0 {
			break
		}

		amount := money.Min(available, bill.Balance)

		if err := s.wallet.Debit(ctx, o.TenantID, amount, bill.ID, "standing order"); err != nil {
			// Raced with another spender; stop for this tick.
			metrics.StandingOrderRunsTotal.WithLabelValues("insufficient").Inc()
			break
		}
		if err := s.payments.RecordWalletPayment(ctx, bill.ID, o.TenantID, amount); err != nil {
			// The debit already happened with no payment to show for it;
			// put the money back before stopping the tick.
			logging.L(ctx).Error("standing order payment failed after debit",
				"order_id", o.ID, "bill_id", bill.ID, "amount", amount, "error", err)
			if rerr := s.wallet.ReverseDebit(ctx, o.TenantID, amount, bill.ID); rerr != nil {
				logging.L(ctx).Error("standing order debit reversal failed",
					"order_id", o.ID, "bill_id", bill.ID, "amount", amount, "error", rerr)
			}
			metrics.StandingOrderRunsTotal.WithLabelValues("error").Inc()
			break
		}

		available = money.Sub(available, amount)
		totalPaid = money.Add(totalPaid, amount)
		payments++
		metrics.StandingOrderRunsTotal.WithLabelValues("paid").Inc()
	}

	if payments > 0 {
		now := time.Now().UTC()
		o.LastRunAt = &now
		o.UpdatedAt = now
		if err := s.store.Update(ctx, o); err != nil {
			logging.L(ctx).Warn("standing order timestamp update failed", "order_id", o.ID, "error", err)
		}
	}
	return totalPaid, payments
}
