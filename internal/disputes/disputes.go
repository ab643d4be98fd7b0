// Package disputes handles payment disputes and the refunds they
// produce.
//
// Flow:
//  1. Tenant (or landlord) opens a dispute against a successful payment
//  2. Landlord moves it to review, both sides add comments
//  3. Resolution either rejects the dispute or accepts it with a refund
//  4. Clear-cut cases skip resolution: an open or reviewed dispute can be
//     refunded directly
//  5. Refunds sit on hold, then a timer credits the tenant's wallet
//
// The original payment record is never modified. A refund is a new
// record pointing back at it.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/logging"
	"github.com/propertyops/rentledger/internal/metrics"
	"github.com/propertyops/rentledger/internal/syncutil"
	"github.com/propertyops/rentledger/internal/validation"
)

var (
	ErrNotFound        = errors.New("disputes: dispute not found")
	ErrRefundNotFound  = errors.New("disputes: refund not found")
	ErrInvalidStatus   = errors.New("disputes: invalid status for this operation")
	ErrAlreadyClosed   = errors.New("disputes: dispute already closed")
	ErrPaymentNotFound = errors.New("disputes: payment not found")
	ErrPaymentNotFinal = errors.New("disputes: payment is not successful")
	ErrVersionConflict = errors.New("disputes: version conflict")
	ErrEmptyReason     = errors.New("disputes: reason is required")
	ErrInvalidOutcome  = errors.New("disputes: outcome must be accept or reject")
	ErrAlreadyRefunded = errors.New("disputes: dispute already refunded")
)

// Status is the dispute state.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
	StatusRefunded    Status = "refunded"
)

// Dispute is a challenge against a settled payment.
type Dispute struct {
	ID         string     `json:"id"`
	PaymentID  string     `json:"paymentId"`
	TenantID   string     `json:"tenantId"`
	RaisedBy   string     `json:"raisedBy"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	RefundID   string     `json:"refundId,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsClosed reports whether the dispute reached a final state.
func (d *Dispute) IsClosed() bool {
	switch d.Status {
	case StatusResolved, StatusRejected, StatusRefunded:
		return true
	}
	return false
}

// Comment is a note on a dispute. Internal comments are landlord-only
// and hidden from tenant views.
type Comment struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"disputeId"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Internal  bool      `json:"internal"`
	CreatedAt time.Time `json:"createdAt"`
}

// RefundStatus tracks a refund through its hold window.
type RefundStatus string

const (
	RefundPending  RefundStatus = "pending"
	RefundReleased RefundStatus = "released"
)

// Refund is money owed back to a tenant. It references the disputed
// payment but lives as its own record; releasing it credits the
// tenant's wallet.
type Refund struct {
	ID            string       `json:"id"`
	DisputeID     string       `json:"disputeId"`
	PaymentID     string       `json:"paymentId"`
	TenantID      string       `json:"tenantId"`
	Amount        string       `json:"amount"`
	HoldUntil     time.Time    `json:"holdUntil"`
	AutoGenerated bool         `json:"autoGenerated"`
	Status        RefundStatus `json:"status"`
	ReleasedAt    *time.Time   `json:"releasedAt,omitempty"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Store persists disputes and their comments.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update performs a compare-and-swap on d.Version.
	Update(ctx context.Context, d *Dispute) error
	ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error)
	AddComment(ctx context.Context, c *Comment) error
	ListComments(ctx context.Context, disputeID string, includeInternal bool) ([]*Comment, error)
}

// RefundStore persists refunds.
type RefundStore interface {
	Create(ctx context.Context, r *Refund) error
	Get(ctx context.Context, id string) (*Refund, error)
	Update(ctx context.Context, r *Refund) error
	// ListReleasable returns pending refunds whose hold has elapsed.
	ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Refund, error)
}

// PaymentInfo is the slice of a payment record disputes care about.
type PaymentInfo struct {
	ID       string
	TenantID string
	Amount   string
	Status   string
}

// PaymentSource looks up payments without importing the payments
// package.
type PaymentSource interface {
	PaymentInfo(ctx context.Context, id string) (*PaymentInfo, error)
}

// WalletCrediter credits a released refund to the tenant's wallet.
type WalletCrediter interface {
	CreditRefund(ctx context.Context, tenantID, amount, refundID string) error
}

// Notifier announces released refunds. May be nil.
type Notifier interface {
	EmitRefund(recipient, amount, reference string)
}

// Events receives refund releases for live subscribers. May be nil.
type Events interface {
	RefundReleased(r *Refund)
}

// Service implements dispute and refund business logic.
type Service struct {
	store    Store
	refunds  RefundStore
	payments PaymentSource
	wallet   WalletCrediter
	notifier Notifier
	events   Events
	hold     time.Duration
	locks    syncutil.ShardedMutex

	// releaseLocks is context-aware so a cancelled sweep stops waiting
	// instead of queueing behind a slow release.
	releaseLocks syncutil.ContextShardedMutex
}

// NewService creates a dispute service. hold is the window a refund
// waits before it is credited to the wallet.
func NewService(store Store, refunds RefundStore, payments PaymentSource, wallet WalletCrediter, hold time.Duration) *Service {
	if hold <= 0 {
		hold = 48 * time.Hour
	}
	return &Service{store: store, refunds: refunds, payments: payments, wallet: wallet, hold: hold}
}

// WithNotifier attaches a refund notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents attaches a refund event sink.
func (s *Service) WithEvents(ev Events) *Service {
	s.events = ev
	return s
}

// OpenParams are the inputs for opening a dispute.
type OpenParams struct {
	PaymentID string
	RaisedBy  string
	Reason    string
}

// Open raises a dispute against a successful payment.
func (s *Service) Open(ctx context.Context, p OpenParams) (*Dispute, error) {
	reason := validation.SanitizeString(p.Reason, 1000)
	if reason == "" {
		return nil, ErrEmptyReason
	}

	payment, err := s.payments.PaymentInfo(ctx, p.PaymentID)
	if err != nil {
		return nil, ErrPaymentNotFound
	}
	if payment.Status != "success" {
		return nil, ErrPaymentNotFinal
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		PaymentID: payment.ID,
		TenantID:  payment.TenantID,
		RaisedBy:  p.RaisedBy,
		Reason:    reason,
		Status:    StatusOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByPayment returns disputes raised against a payment.
func (s *Service) ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error) {
	return s.store.ListByPayment(ctx, paymentID)
}

// Review moves an open dispute into under_review.
func (s *Service) Review(ctx context.Context, id string) (*Dispute, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsClosed() {
		return nil, ErrAlreadyClosed
	}
	if d.Status != StatusOpen {
		return nil, ErrInvalidStatus
	}

	d.Status = StatusUnderReview
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// AddComment attaches a comment to an open or reviewed dispute.
func (s *Service) AddComment(ctx context.Context, disputeID, author, body string, internal bool) (*Comment, error) {
	body = validation.SanitizeString(body, 2000)
	if body == "" {
		return nil, errors.New("disputes: comment body is required")
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsClosed() {
		return nil, ErrAlreadyClosed
	}

	c := &Comment{
		ID:        idgen.WithPrefix("dcm_"),
		DisputeID: d.ID,
		Author:    author,
		Body:      body,
		Internal:  internal,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Comments lists a dispute's comments, optionally including internal
// ones.
func (s *Service) Comments(ctx context.Context, disputeID string, includeInternal bool) ([]*Comment, error) {
	if _, err := s.store.Get(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, disputeID, includeInternal)
}

// Outcome is the resolution decision.
type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
)

// Resolve closes a dispute under review. Accepting creates a pending
// refund for the full payment amount; rejecting closes the dispute
// with no refund.
func (s *Service) Resolve(ctx context.Context, id string, outcome Outcome, note string) (*Dispute, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsClosed() {
		return nil, ErrAlreadyClosed
	}
	if d.Status != StatusUnderReview {
		return nil, ErrInvalidStatus
	}

	now := time.Now().UTC()
	switch outcome {
	case OutcomeReject:
		d.Status = StatusRejected
	case OutcomeAccept:
		refund, err := s.createRefund(ctx, d, false)
		if err != nil {
			return nil, err
		}
		d.Status = StatusResolved
		d.RefundID = refund.ID
	default:
		return nil, ErrInvalidOutcome
	}

	d.Resolution = validation.SanitizeString(note, 1000)
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// RefundNow short-circuits the remaining process for clear-cut cases:
// an open or under-review dispute is closed as refunded and a refund is
// queued immediately. Refunded and rejected disputes are refused, as is
// a resolved one, whose refund already exists.
func (s *Service) RefundNow(ctx context.Context, id string) (*Dispute, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case StatusRefunded:
		return nil, ErrAlreadyRefunded
	case StatusRejected, StatusResolved:
		return nil, ErrAlreadyClosed
	case StatusOpen, StatusUnderReview:
	default:
		return nil, ErrInvalidStatus
	}

	refund, err := s.createRefund(ctx, d, true)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d.Status = StatusRefunded
	d.Resolution = "refunded without resolution"
	d.RefundID = refund.ID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// createRefund queues a pending refund for the disputed payment's full
// amount. The payment record itself stays untouched.
func (s *Service) createRefund(ctx context.Context, d *Dispute, auto bool) (*Refund, error) {
	payment, err := s.payments.PaymentInfo(ctx, d.PaymentID)
	if err != nil {
		return nil, ErrPaymentNotFound
	}

	now := time.Now().UTC()
	r := &Refund{
		ID:            idgen.WithPrefix("rfd_"),
		DisputeID:     d.ID,
		PaymentID:     payment.ID,
		TenantID:      payment.TenantID,
		Amount:        payment.Amount,
		HoldUntil:     now.Add(s.hold),
		AutoGenerated: auto,
		Status:        RefundPending,
		Version:       1,
		CreatedAt:     now,
	}
	if err := s.refunds.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}
	return r, nil
}

// GetRefund returns a refund by ID.
func (s *Service) GetRefund(ctx context.Context, id string) (*Refund, error) {
	return s.refunds.Get(ctx, id)
}

// ReleaseDue credits every refund whose hold window has elapsed to the
// tenant's wallet. Returns the number released.
func (s *Service) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.refunds.ListReleasable(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, r := range due {
		if err := s.release(ctx, r); err != nil {
			logging.L(ctx).Warn("refund release failed", "refund_id", r.ID, "error", err)
			continue
		}
		released++
	}
	return released, nil
}

func (s *Service) release(ctx context.Context, r *Refund) error {
	unlock, err := s.releaseLocks.LockContext(ctx, r.ID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under lock; a concurrent tick may have released it.
	fresh, err := s.refunds.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if fresh.Status != RefundPending {
		return nil
	}

	if err := s.wallet.CreditRefund(ctx, fresh.TenantID, fresh.Amount, fresh.ID); err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}

	now := time.Now().UTC()
	fresh.Status = RefundReleased
	fresh.ReleasedAt = &now
	if err := s.refunds.Update(ctx, fresh); err != nil {
		return fmt.Errorf("mark refund released: %w", err)
	}

	metrics.RefundsReleasedTotal.Inc()
	if s.notifier != nil {
		s.notifier.EmitRefund(fresh.TenantID, fresh.Amount, fresh.ID)
	}
	if s.events != nil {
		s.events.RefundReleased(fresh)
	}
	logging.L(ctx).Info("refund released to wallet",
		"refund_id", fresh.ID, "tenant_id", fresh.TenantID, "amount", fresh.Amount)
	return nil
}
