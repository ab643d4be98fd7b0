package billing

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeLeases struct {
	leases []Lease
}

func (f *fakeLeases) ActiveLeases(_ context.Context, propertyID string) ([]Lease, error) {
	return f.leases, nil
}

type recordedAlloc struct {
	SourceType, SourceID, BillID, Amount string
}

type fakeRecorder struct {
	mu     sync.Mutex
	allocs []recordedAlloc
}

func (f *fakeRecorder) RecordAllocation(_ context.Context, sourceType, sourceID, billID, amount string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocs = append(f.allocs, recordedAlloc{sourceType, sourceID, billID, amount})
	return nil
}

func newTestService() (*Service, *fakeRecorder) {
	rec := &fakeRecorder{}
	return NewService(NewMemoryStore(), &fakeLeases{}, rec), rec
}

func mustCreateBill(t *testing.T, svc *Service, amount string, due time.Time) *Bill {
	t.Helper()
	b, err := svc.CreateBill(context.Background(), CreateParams{
		TenancyID:   "tcy_1",
		ApartmentID: "apt-1",
		Type:        TypeRent,
		Period:      due.Format("2006-01"),
		DueDate:     due,
		Amount:      amount,
	})
	if err != nil {
		t.Fatalf("create bill failed: %v", err)
	}
	return b
}

func TestCreateBill(t *testing.T) {
	svc, _ := newTestService()
	b := mustCreateBill(t, svc, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	if b.Balance != "1000.00" {
		t.Errorf("expected balance 1000.00, got %s", b.Balance)
	}
	if b.Status != StatusDue {
		t.Errorf("expected status due, got %s", b.Status)
	}
}

type fakeBillEvents struct {
	created []*Bill
}

func (f *fakeBillEvents) BillCreated(b *Bill) {
	f.created = append(f.created, b)
}

func TestCreateBillFiresEvent(t *testing.T) {
	svc, _ := newTestService()
	events := &fakeBillEvents{}
	svc.WithEvents(events)

	b := mustCreateBill(t, svc, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	if len(events.created) != 1 || events.created[0].ID != b.ID {
		t.Errorf("expected one created event for %s, got %+v", b.ID, events.created)
	}
}

func TestCreateBillRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTestService()
	for _, amount := range []string{"0", "-5", "nope"} {
		_, err := svc.CreateBill(context.Background(), CreateParams{
			TenancyID: "tcy_1", ApartmentID: "apt-1", Amount: amount,
		})
		if err != ErrInvalidAmount {
			t.Errorf("amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestApplyToBillFull(t *testing.T) {
	svc, rec := newTestService()
	b := mustCreateBill(t, svc, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	app, err := svc.ApplyToBill(context.Background(), b.ID, "1000", SourceRef{Type: SourcePayment, ID: "pay_1"})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if app.Applied != "1000.00" || app.NewBalance != "0.00" || app.NewStatus != StatusPaid {
		t.Errorf("unexpected application: %+v", app)
	}

	if len(rec.allocs) != 1 {
		t.Fatalf("expected 1 allocation record, got %d", len(rec.allocs))
	}
	if rec.allocs[0].Amount != "1000.00" || rec.allocs[0].SourceID != "pay_1" {
		t.Errorf("unexpected allocation: %+v", rec.allocs[0])
	}
}

func TestApplyToBillPartial(t *testing.T) {
	svc, _ := newTestService()
	b := mustCreateBill(t, svc, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	app, err := svc.ApplyToBill(context.Background(), b.ID, "400", SourceRef{Type: SourcePayment, ID: "pay_1"})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if app.Applied != "400.00" || app.NewBalance != "600.00" || app.NewStatus != StatusPartial {
		t.Errorf("unexpected application: %+v", app)
	}
}

func TestApplyToBillClampsToBalance(t *testing.T) {
	svc, _ := newTestService()
	b := mustCreateBill(t, svc, "300", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	app, err := svc.ApplyToBill(context.Background(), b.ID, "1000", SourceRef{Type: SourcePrepayment, ID: "ppy_1"})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if app.Applied != "300.00" {
		t.Errorf("expected applied clamped to 300.00, got %s", app.Applied)
	}
	if app.NewStatus != StatusPaid {
		t.Errorf("expected paid, got %s", app.NewStatus)
	}
}

func TestApplyToSettledBillIsNoop(t *testing.T) {
	svc, rec := newTestService()
	b := mustCreateBill(t, svc, "100", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	if _, err := svc.ApplyToBill(context.Background(), b.ID, "100", SourceRef{Type: SourcePayment, ID: "pay_1"}); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	app, err := svc.ApplyToBill(context.Background(), b.ID, "50", SourceRef{Type: SourcePayment, ID: "pay_2"})
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if app.Applied != "0.00" {
		t.Errorf("expected 0.00 applied to settled bill, got %s", app.Applied)
	}
	if len(rec.allocs) != 1 {
		t.Errorf("settled bill must not produce an allocation record, got %d", len(rec.allocs))
	}
}

func TestApplyToBillRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTestService()
	b := mustCreateBill(t, svc, "100", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	if _, err := svc.ApplyToBill(context.Background(), b.ID, "0", SourceRef{Type: SourcePayment, ID: "pay_1"}); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

// conflictingStore reports a stale version a fixed number of times
// before letting writes through.
type conflictingStore struct {
	Store
	conflicts int
}

func (c *conflictingStore) UpdateBill(ctx context.Context, b *Bill) error {
	if c.conflicts > 0 {
		c.conflicts--
		return ErrVersionConflict
	}
	return c.Store.UpdateBill(ctx, b)
}

func TestApplyToBillRetriesVersionConflict(t *testing.T) {
	store := &conflictingStore{Store: NewMemoryStore(), conflicts: 1}
	rec := &fakeRecorder{}
	svc := NewService(store, &fakeLeases{}, rec)
	b := mustCreateBill(t, svc, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	app, err := svc.ApplyToBill(context.Background(), b.ID, "400", SourceRef{Type: SourcePayment, ID: "pay_1"})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if app.Applied != "400.00" || app.NewBalance != "600.00" {
		t.Errorf("unexpected application after retry: %+v", app)
	}
	if len(rec.allocs) != 1 || rec.allocs[0].Amount != "400.00" {
		t.Errorf("expected exactly one allocation, got %+v", rec.allocs)
	}
}

func TestApplyToBillConcurrent(t *testing.T) {
	svc, rec := newTestService()
	b := mustCreateBill(t, svc, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.ApplyToBill(context.Background(), b.ID, "100", SourceRef{Type: SourcePayment, ID: "pay_x"})
		}()
	}
	wg.Wait()

	got, _ := svc.GetBill(context.Background(), b.ID)
	if got.Balance != "0.00" || got.Status != StatusPaid {
		t.Errorf("expected fully paid bill, got balance=%s status=%s", got.Balance, got.Status)
	}
	// 10 x 100 against 1000: every application must land exactly once.
	if len(rec.allocs) != 10 {
		t.Errorf("expected 10 allocation records, got %d", len(rec.allocs))
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		balance, amount string
		want            BillStatus
	}{
		{"0", "1000", StatusPaid},
		{"0.00", "1000", StatusPaid},
		{"500", "1000", StatusPartial},
		{"1000", "1000", StatusDue},
		{"0.01", "1000", StatusPartial},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.balance, tc.amount); got != tc.want {
			t.Errorf("StatusFor(%s, %s) = %s, want %s", tc.balance, tc.amount, got, tc.want)
		}
	}
}

func TestGenerateMonthlySchedule(t *testing.T) {
	rec := &fakeRecorder{}
	leases := &fakeLeases{leases: []Lease{
		{TenancyID: "tcy_1", ApartmentID: "apt-1", RentAmount: "1000.00", DueDay: 5},
		{TenancyID: "tcy_2", ApartmentID: "apt-2", RentAmount: "1200.00", DueDay: 1},
	}}
	svc := NewService(NewMemoryStore(), leases, rec)
	ctx := context.Background()

	created, err := svc.GenerateMonthlySchedule(ctx, "prop-1", "2024-03")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 bills, got %d", len(created))
	}
	if !created[0].DueDate.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected due date: %v", created[0].DueDate)
	}

	// Second run is idempotent: no new bills.
	again, err := svc.GenerateMonthlySchedule(ctx, "prop-1", "2024-03")
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected idempotent re-run to create 0 bills, got %d", len(again))
	}

	// A different period generates fresh bills.
	next, _ := svc.GenerateMonthlySchedule(ctx, "prop-1", "2024-04")
	if len(next) != 2 {
		t.Errorf("expected 2 bills for new period, got %d", len(next))
	}
}

func TestGenerateMonthlyScheduleRejectsBadPeriod(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.GenerateMonthlySchedule(context.Background(), "prop-1", "March 2024"); err == nil {
		t.Error("expected error for malformed period")
	}
}

func TestInvoiceLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	b1 := mustCreateBill(t, svc, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	b2, err := svc.CreateBill(ctx, CreateParams{
		TenancyID: "tcy_1", ApartmentID: "apt-1", Type: TypeUtility,
		Period: "2024-01", DueDate: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		Amount: "250",
	})
	if err != nil {
		t.Fatalf("create second bill: %v", err)
	}

	inv, err := svc.IssueInvoice(ctx, "tcy_1", []string{b1.ID, b2.ID}, time.Now().Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("issue invoice failed: %v", err)
	}
	if inv.Total != "1250.00" || inv.Outstanding != "1250.00" {
		t.Errorf("expected total/outstanding 1250.00, got %s/%s", inv.Total, inv.Outstanding)
	}
	if inv.Status != InvoicePending {
		t.Errorf("expected pending, got %s", inv.Status)
	}

	// Paying one line item moves the invoice to partially_paid and the
	// outstanding tracks the sum of unpaid lines.
	if _, err := svc.ApplyToBill(ctx, b1.ID, "1000", SourceRef{Type: SourcePayment, ID: "pay_1"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	inv, err = svc.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice failed: %v", err)
	}
	if inv.Outstanding != "250.00" {
		t.Errorf("expected outstanding 250.00, got %s", inv.Outstanding)
	}
	if inv.Status != InvoicePartiallyPaid {
		t.Errorf("expected partially_paid, got %s", inv.Status)
	}

	// Settling the rest marks it paid, and paid invoices cannot be cancelled.
	if _, err := svc.ApplyToBill(ctx, b2.ID, "250", SourceRef{Type: SourcePayment, ID: "pay_2"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	inv, _ = svc.GetInvoice(ctx, inv.ID)
	if inv.Status != InvoiceSettled {
		t.Errorf("expected paid, got %s", inv.Status)
	}
	if _, err := svc.CancelInvoice(ctx, inv.ID); err != ErrInvoicePaid {
		t.Errorf("expected ErrInvoicePaid, got %v", err)
	}
}

func TestCancelInvoiceDetachesBills(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	b := mustCreateBill(t, svc, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	inv, err := svc.IssueInvoice(ctx, "tcy_1", []string{b.ID}, time.Time{})
	if err != nil {
		t.Fatalf("issue invoice failed: %v", err)
	}

	cancelled, err := svc.CancelInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != InvoiceVoided {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	got, _ := svc.GetBill(ctx, b.ID)
	if got.InvoiceID != "" {
		t.Errorf("expected bill detached from invoice, got %s", got.InvoiceID)
	}

	// A detached bill can be re-invoiced.
	if _, err := svc.IssueInvoice(ctx, "tcy_1", []string{b.ID}, time.Time{}); err != nil {
		t.Errorf("re-invoice failed: %v", err)
	}
}

func TestOutstandingOrderIsDeterministic(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	jan20 := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	jan5 := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	svc.CreateBill(ctx, CreateParams{
		TenancyID: "tcy_1", ApartmentID: "apt-1", Type: TypeUtility,
		Period: "2024-01", DueDate: jan20, Amount: "500",
	})
	svc.CreateBill(ctx, CreateParams{
		TenancyID: "tcy_1", ApartmentID: "apt-1", Type: TypeRent,
		Period: "2024-01", DueDate: jan5, Amount: "300",
	})

	for i := 0; i < 3; i++ {
		out, err := svc.ListOutstanding(ctx, "apt-1")
		if err != nil {
			t.Fatalf("list outstanding failed: %v", err)
		}
		if len(out) != 2 {
			t.Fatalf("expected 2 bills, got %d", len(out))
		}
		if !out[0].DueDate.Equal(jan5) || !out[1].DueDate.Equal(jan20) {
			t.Errorf("run %d: bills not in due-date order", i)
		}
	}
}
