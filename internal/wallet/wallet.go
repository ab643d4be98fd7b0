// Package wallet tracks tenant balances.
//
// Flow:
//  1. Tenant tops up the wallet (card or bank transfer)
//  2. Standing orders and manual actions debit the balance to pay bills
//  3. Matured refunds credit the balance
//
// The wallet is the most contended resource in the engine: it is read
// and written by standing-order ticks, payment recording, and manual
// top-ups. Every movement goes through the per-tenant keyed lock, and
// the Postgres store backs it with a non-negativity CHECK constraint.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/propertyops/rentledger/internal/money"
	"github.com/propertyops/rentledger/internal/pagination"
	"github.com/propertyops/rentledger/internal/syncutil"
)

var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrWalletNotFound    = errors.New("wallet: not found")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrInvalidCursor     = errors.New("wallet: invalid history cursor")
)

// Entry represents one wallet movement.
type Entry struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Type        string    `json:"type"` // topup, bill_payment, refund_credit, debit_reversal
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // payment ID, refund ID, gateway ref
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents a tenant's wallet balance.
type Balance struct {
	TenantID  string    `json:"tenantId"`
	Available string    `json:"available"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists wallet data.
type Store interface {
	GetBalance(ctx context.Context, tenantID string) (*Balance, error)
	Credit(ctx context.Context, tenantID, amount, entryType, reference, description string) error
	// Debit removes funds; implementations must fail the whole movement
	// rather than let the balance go negative.
	Debit(ctx context.Context, tenantID, amount, reference, description string) error
	// GetHistory returns entries newest first, strictly older than the
	// cursor position when one is given.
	GetHistory(ctx context.Context, tenantID string, before *pagination.Cursor, limit int) ([]*Entry, error)
}

// Service manages tenant wallet movements.
type Service struct {
	store Store
	locks syncutil.ShardedMutex
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetBalance returns a tenant's current balance. Unknown tenants get a
// zero balance rather than an error, so reads never 404.
func (s *Service) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	return s.store.GetBalance(ctx, tenantID)
}

// TopUp credits the wallet.
func (s *Service) TopUp(ctx context.Context, tenantID, amount, reference string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.locks.Lock(tenantID)
	defer unlock()

	return s.store.Credit(ctx, tenantID, money.Format(amt), "topup", reference, "wallet top-up")
}

// CreditRefund credits a matured refund to the wallet.
func (s *Service) CreditRefund(ctx context.Context, tenantID, amount, refundID string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.locks.Lock(tenantID)
	defer unlock()

	return s.store.Credit(ctx, tenantID, money.Format(amt), "refund_credit", refundID, "refund released")
}

// ReverseDebit credits back a debit whose downstream payment never
// materialised. The reversal is a fresh entry referencing the original
// movement, keeping the history append-only.
func (s *Service) ReverseDebit(ctx context.Context, tenantID, amount, reference string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.locks.Lock(tenantID)
	defer unlock()

	return s.store.Credit(ctx, tenantID, money.Format(amt), "debit_reversal", reference, "debit reversed")
}

// Debit removes funds to pay a bill. Returns ErrInsufficientFunds when
// the available balance cannot cover the amount.
func (s *Service) Debit(ctx context.Context, tenantID, amount, reference, description string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	unlock := s.locks.Lock(tenantID)
	defer unlock()

	bal, err := s.store.GetBalance(ctx, tenantID)
	if err != nil {
		return err
	}
	if money.Cmp(bal.Available, amount) < 0 {
		return ErrInsufficientFunds
	}

	return s.store.Debit(ctx, tenantID, money.Format(amt), reference, description)
}

// GetHistory returns a page of a tenant's wallet movements, newest first.
// An empty cursor starts from the most recent entry; the returned cursor
// resumes where the page left off.
func (s *Service) GetHistory(ctx context.Context, tenantID, cursor string, limit int) ([]*Entry, string, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, ErrInvalidCursor
	}

	entries, err := s.store.GetHistory(ctx, tenantID, before, limit+1)
	if err != nil {
		return nil, "", false, err
	}

	entries, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return entries, next, hasMore, nil
}
