package standing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/propertyops/rentledger/internal/billing"
	"github.com/propertyops/rentledger/internal/idgen"
	"github.com/propertyops/rentledger/internal/wallet"
)

type noLeases struct{}

func (noLeases) ActiveLeases(context.Context, string) ([]billing.Lease, error) { return nil, nil }

type noopRecorder struct{}

func (noopRecorder) RecordAllocation(context.Context, string, string, string, string) error {
	return nil
}

type billerAdapter struct {
	svc *billing.Service
}

func (a *billerAdapter) ListOutstanding(ctx context.Context, apartmentID string) ([]*billing.Bill, error) {
	return a.svc.ListOutstanding(ctx, apartmentID)
}

type walletAdapter struct {
	svc *wallet.Service
}

func (a *walletAdapter) Available(ctx context.Context, tenantID string) (string, error) {
	b, err := a.svc.GetBalance(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return b.Available, nil
}

func (a *walletAdapter) Debit(ctx context.Context, tenantID, amount, reference, description string) error {
	return a.svc.Debit(ctx, tenantID, amount, reference, description)
}

func (a *walletAdapter) ReverseDebit(ctx context.Context, tenantID, amount, reference string) error {
	return a.svc.ReverseDebit(ctx, tenantID, amount, reference)
}

// recorderAdapter settles bills directly, standing in for the payment
// pipeline the server wires in.
type recorderAdapter struct {
	svc      *billing.Service
	recorded []string
}

func (a *recorderAdapter) RecordWalletPayment(ctx context.Context, billID, tenantID, amount string) error {
	_, err := a.svc.ApplyToBill(ctx, billID, amount, billing.SourceRef{
		Type: billing.SourcePayment,
		ID:   idgen.WithPrefix("pay_"),
	})
	if err == nil {
		a.recorded = append(a.recorded, billID)
	}
	return err
}

type fixture struct {
	standing *Service
	billing  *billing.Service
	wallet   *wallet.Service
	recorder *recorderAdapter
}

func newFixture() *fixture {
	billingSvc := billing.NewService(billing.NewMemoryStore(), noLeases{}, noopRecorder{})
	walletSvc := wallet.NewService(wallet.NewMemoryStore())
	recorder := &recorderAdapter{svc: billingSvc}
	standingSvc := NewService(NewMemoryStore(),
		&billerAdapter{svc: billingSvc},
		&walletAdapter{svc: walletSvc},
		recorder,
		"0.01")
	return &fixture{standing: standingSvc, billing: billingSvc, wallet: walletSvc, recorder: recorder}
}

func (f *fixture) addBill(t *testing.T, billType billing.BillType, amount string, due time.Time) *billing.Bill {
	t.Helper()
	b, err := f.billing.CreateBill(context.Background(), billing.CreateParams{
		TenancyID:   "tcy_1",
		ApartmentID: "apt-1",
		Type:        billType,
		Period:      due.Format("2006-01"),
		DueDate:     due,
		Amount:      amount,
	})
	if err != nil {
		t.Fatalf("create bill failed: %v", err)
	}
	return b
}

func (f *fixture) addOrder(t *testing.T, payAll bool, types []string) *Order {
	t.Helper()
	o, err := f.standing.Create(context.Background(), CreateParams{
		TenancyID:   "tcy_1",
		TenantID:    "tenant-1",
		ApartmentID: "apt-1",
		PayAllBills: payAll,
		BillTypes:   types,
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	return o
}

func TestRunPaysBillFromWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	bill := f.addBill(t, billing.TypeRent, "600", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	f.addOrder(t, true, nil)
	if err := f.wallet.TopUp(ctx, "tenant-1", "1000", "tp-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	result, err := f.standing.RunAll(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.PaymentsMade != 1 || result.TotalPaid != "600.00" {
		t.Errorf("expected 1 payment of 600.00, got %d of %s", result.PaymentsMade, result.TotalPaid)
	}

	got, _ := f.billing.GetBill(ctx, bill.ID)
	if got.Status != billing.StatusPaid {
		t.Errorf("expected bill paid, got %s", got.Status)
	}
	bal, _ := f.wallet.GetBalance(ctx, "tenant-1")
	if bal.Available != "400.00" {
		t.Errorf("expected wallet 400.00, got %s", bal.Available)
	}
}

func TestRunPartialThenStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	first := f.addBill(t, billing.TypeRent, "300", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	second := f.addBill(t, billing.TypeUtility, "400", time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	f.addOrder(t, true, nil)
	if err := f.wallet.TopUp(ctx, "tenant-1", "500", "tp-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	result, err := f.standing.RunAll(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.PaymentsMade != 2 || result.TotalPaid != "500.00" {
		t.Errorf("expected 2 payments totalling 500.00, got %d of %s", result.PaymentsMade, result.TotalPaid)
	}

	b1, _ := f.billing.GetBill(ctx, first.ID)
	if b1.Status != billing.StatusPaid {
		t.Errorf("oldest bill should be paid in full, got %s", b1.Status)
	}
	b2, _ := f.billing.GetBill(ctx, second.ID)
	if b2.Status != billing.StatusPartial || b2.Balance != "200.00" {
		t.Errorf("newer bill should be partial with 200.00 left, got %s / %s", b2.Status, b2.Balance)
	}

	bal, _ := f.wallet.GetBalance(ctx, "tenant-1")
	if bal.Available != "0.00" {
		t.Errorf("wallet should be drained, got %s", bal.Available)
	}
}

func TestRunSkipsEmptyWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	bill := f.addBill(t, billing.TypeRent, "300", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	f.addOrder(t, true, nil)

	result, err := f.standing.RunAll(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.PaymentsMade != 0 {
		t.Errorf("expected no payments, got %d", result.PaymentsMade)
	}
	got, _ := f.billing.GetBill(ctx, bill.ID)
	if got.Status != billing.StatusDue {
		t.Errorf("bill should be untouched, got %s", got.Status)
	}
}

func TestRunHonoursBillTypeFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rent := f.addBill(t, billing.TypeRent, "800", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	util := f.addBill(t, billing.TypeUtility, "120", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	f.addOrder(t, false, []string{"utility"})
	if err := f.wallet.TopUp(ctx, "tenant-1", "1000", "tp-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	result, err := f.standing.RunAll(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.PaymentsMade != 1 || result.TotalPaid != "120.00" {
		t.Errorf("expected only the utility bill paid, got %d payments of %s", result.PaymentsMade, result.TotalPaid)
	}

	gotRent, _ := f.billing.GetBill(ctx, rent.ID)
	if gotRent.Status != billing.StatusDue {
		t.Errorf("rent bill should be untouched, got %s", gotRent.Status)
	}
	gotUtil, _ := f.billing.GetBill(ctx, util.ID)
	if gotUtil.Status != billing.StatusPaid {
		t.Errorf("utility bill should be paid, got %s", gotUtil.Status)
	}
}

func TestRunSkipsOtherTenancies(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	other, err := f.billing.CreateBill(ctx, billing.CreateParams{
		TenancyID:   "tcy_other",
		ApartmentID: "apt-1",
		Type:        billing.TypeMisc,
		Period:      "2024-01",
		DueDate:     time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		Amount:      "100",
	})
	if err != nil {
		t.Fatalf("create bill failed: %v", err)
	}
	f.addOrder(t, true, nil)
	if err := f.wallet.TopUp(ctx, "tenant-1", "1000", "tp-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	result, err := f.standing.RunAll(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.PaymentsMade != 0 {
		t.Errorf("expected no payments for foreign tenancy, got %d", result.PaymentsMade)
	}
	got, _ := f.billing.GetBill(ctx, other.ID)
	if got.Status != billing.StatusDue {
		t.Errorf("foreign bill should be untouched, got %s", got.Status)
	}
}

func TestToggleDeactivatesOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addBill(t, billing.TypeRent, "300", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	o := f.addOrder(t, true, nil)
	if err := f.wallet.TopUp(ctx, "tenant-1", "1000", "tp-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	toggled, err := f.standing.Toggle(ctx, o.ID)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if toggled.Active {
		t.Fatal("order should be inactive after toggle")
	}

	result, err := f.standing.RunAll(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.OrdersEvaluated != 0 || result.PaymentsMade != 0 {
		t.Errorf("inactive order should not run, got %d orders %d payments",
			result.OrdersEvaluated, result.PaymentsMade)
	}
}

// failingRecorder refuses every payment record, simulating the payment
// pipeline going down between the debit and the record.
type failingRecorder struct {
	calls int
}

func (r *failingRecorder) RecordWalletPayment(context.Context, string, string, string) error {
	r.calls++
	return errors.New("payment store unavailable")
}

func TestRunReversesDebitWhenRecordFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	recorder := &failingRecorder{}
	f.standing = NewService(NewMemoryStore(),
		&billerAdapter{svc: f.billing},
		&walletAdapter{svc: f.wallet},
		recorder,
		"0.01")

	bill := f.addBill(t, billing.TypeRent, "600", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	f.addOrder(t, true, nil)
	if err := f.wallet.TopUp(ctx, "tenant-1", "1000", "tp-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	result, err := f.standing.RunAll(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.PaymentsMade != 0 {
		t.Errorf("expected no payments, got %d", result.PaymentsMade)
	}
	if recorder.calls != 1 {
		t.Errorf("expected 1 record attempt, got %d", recorder.calls)
	}

	// The debit must have been reversed: no money left the wallet.
	bal, _ := f.wallet.GetBalance(ctx, "tenant-1")
	if bal.Available != "1000.00" {
		t.Errorf("debited funds were not returned, balance %s", bal.Available)
	}
	got, _ := f.billing.GetBill(ctx, bill.ID)
	if got.Status != billing.StatusDue || got.Balance != "600.00" {
		t.Errorf("bill should be untouched, got %s / %s", got.Status, got.Balance)
	}
}

func TestRunStampsLastRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.addBill(t, billing.TypeRent, "300", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	o := f.addOrder(t, true, nil)
	if err := f.wallet.TopUp(ctx, "tenant-1", "1000", "tp-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	if _, err := f.standing.RunAll(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, err := f.standing.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.LastRunAt == nil {
		t.Error("expected lastRunAt to be stamped after a paying run")
	}
}
