package server

import (
	"context"

	"github.com/propertyops/rentledger/internal/billing"
	"github.com/propertyops/rentledger/internal/disputes"
	"github.com/propertyops/rentledger/internal/payments"
	"github.com/propertyops/rentledger/internal/prepay"
	"github.com/propertyops/rentledger/internal/realtime"
	"github.com/propertyops/rentledger/internal/tenancy"
	"github.com/propertyops/rentledger/internal/wallet"
)

// leaseSourceAdapter lets billing generate monthly schedules from
// tenancy records without importing the tenancy package.
type leaseSourceAdapter struct {
	svc *tenancy.Service
}

func (a *leaseSourceAdapter) ActiveLeases(ctx context.Context, propertyID string) ([]billing.Lease, error) {
	tenancies, err := a.svc.ListActive(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	leases := make([]billing.Lease, 0, len(tenancies))
	for _, t := range tenancies {
		leases = append(leases, billing.Lease{
			TenancyID:   t.ID,
			ApartmentID: t.ApartmentID,
			RentAmount:  t.RentAmount,
			DueDay:      t.DueDay,
		})
	}
	return leases, nil
}

// prepayCreatorAdapter turns payment overpayment spill into a prepayment.
type prepayCreatorAdapter struct {
	svc *prepay.Service
}

func (a *prepayCreatorAdapter) CreateFromOverpayment(ctx context.Context, tenantID, apartmentID, amount, note string) (string, error) {
	p, err := a.svc.Create(ctx, tenantID, apartmentID, amount, note)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// standingWalletAdapter exposes the wallet reads and debits the
// standing-order scheduler needs.
type standingWalletAdapter struct {
	svc *wallet.Service
}

func (a *standingWalletAdapter) Available(ctx context.Context, tenantID string) (string, error) {
	b, err := a.svc.GetBalance(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return b.Available, nil
}

func (a *standingWalletAdapter) Debit(ctx context.Context, tenantID, amount, reference, description string) error {
	return a.svc.Debit(ctx, tenantID, amount, reference, description)
}

func (a *standingWalletAdapter) ReverseDebit(ctx context.Context, tenantID, amount, reference string) error {
	return a.svc.ReverseDebit(ctx, tenantID, amount, reference)
}

// standingPaymentAdapter records scheduler payments through the same
// pipeline as manual ones. The wallet debit already happened, so the
// payment is verified and applies immediately.
type standingPaymentAdapter struct {
	svc *payments.Service
}

func (a *standingPaymentAdapter) RecordWalletPayment(ctx context.Context, billID, tenantID, amount string) error {
	_, _, err := a.svc.Record(ctx, payments.RecordParams{
		BillID:   billID,
		TenantID: tenantID,
		Amount:   amount,
		Method:   payments.MethodWallet,
		Verified: true,
	})
	return err
}

// paymentSourceAdapter gives disputes read access to payment records.
type paymentSourceAdapter struct {
	svc *payments.Service
}

func (a *paymentSourceAdapter) PaymentInfo(ctx context.Context, id string) (*disputes.PaymentInfo, error) {
	p, err := a.svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &disputes.PaymentInfo{
		ID:       p.ID,
		TenantID: p.TenantID,
		Amount:   p.Amount,
		Status:   string(p.Status),
	}, nil
}

// hubEvents fans service events out to websocket subscribers. The hub
// filters on tenantId and apartmentId, so both keys are included where
// the record carries them.
type hubEvents struct {
	hub *realtime.Hub
}

func (e *hubEvents) BillCreated(b *billing.Bill) {
	e.hub.BroadcastBill(map[string]interface{}{
		"billId":      b.ID,
		"tenancyId":   b.TenancyID,
		"apartmentId": b.ApartmentID,
		"type":        string(b.Type),
		"period":      b.Period,
		"amount":      b.Amount,
		"status":      string(b.Status),
	})
}

func (e *hubEvents) PaymentSucceeded(p *payments.Payment) {
	e.hub.BroadcastPayment(map[string]interface{}{
		"paymentId": p.ID,
		"billId":    p.BillID,
		"tenantId":  p.TenantID,
		"amount":    p.Amount,
		"method":    string(p.Method),
	})
}

func (e *hubEvents) AllocationRecorded(a *prepay.Allocation) {
	e.hub.BroadcastAllocation(map[string]interface{}{
		"allocationId": a.ID,
		"sourceType":   a.SourceType,
		"sourceId":     a.SourceID,
		"billId":       a.BillID,
		"amount":       a.Amount,
	})
}

func (e *hubEvents) RefundReleased(r *disputes.Refund) {
	e.hub.BroadcastRefund(map[string]interface{}{
		"refundId":  r.ID,
		"disputeId": r.DisputeID,
		"paymentId": r.PaymentID,
		"tenantId":  r.TenantID,
		"amount":    r.Amount,
	})
}
