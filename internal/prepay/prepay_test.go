package prepay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/propertyops/rentledger/internal/billing"
	"github.com/propertyops/rentledger/internal/money"
)

type noLeases struct{}

func (noLeases) ActiveLeases(_ context.Context, _ string) ([]billing.Lease, error) {
	return nil, nil
}

type fixture struct {
	billing *billing.Service
	prepay  *Service
	allocs  AllocationStore
}

func newFixture() *fixture {
	allocStore := NewMemoryAllocationStore()
	billingSvc := billing.NewService(billing.NewMemoryStore(), noLeases{}, NewRecorder(allocStore))
	prepaySvc := NewService(NewMemoryStore(), allocStore, billingSvc)
	return &fixture{billing: billingSvc, prepay: prepaySvc, allocs: allocStore}
}

func (f *fixture) bill(t *testing.T, amount string, due time.Time) *billing.Bill {
	t.Helper()
	b, err := f.billing.CreateBill(context.Background(), billing.CreateParams{
		TenancyID:   "tcy_1",
		ApartmentID: "apt-1",
		Type:        billing.TypeMisc,
		Period:      due.Format("2006-01"),
		DueDate:     due,
		Amount:      amount,
		Notes:       due.Format("2006-01-02"),
	})
	if err != nil {
		t.Fatalf("create bill failed: %v", err)
	}
	return b
}

func TestCreatePrepayment(t *testing.T) {
	f := newFixture()

	p, err := f.prepay.Create(context.Background(), "user-1", "apt-1", "1500", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if p.Amount != "1500.00" || p.Remaining != "1500.00" {
		t.Errorf("expected amount=remaining=1500.00, got %s/%s", p.Amount, p.Remaining)
	}
}

func TestCreatePrepaymentRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture()
	for _, amount := range []string{"0", "-1", "x"} {
		if _, err := f.prepay.Create(context.Background(), "user-1", "apt-1", amount, ""); err != ErrInvalidAmount {
			t.Errorf("amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

// Bill X amount=1000. Prepayment 1500. Allocation settles X in full and
// leaves 500 on the prepayment.
func TestAllocateSettlesBillWithSurplus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	b := f.bill(t, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	p, _ := f.prepay.Create(ctx, "user-1", "apt-1", "1500", "")

	result, err := f.prepay.Allocate(ctx, p.ID)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	if len(result.Applied) != 1 {
		t.Fatalf("expected 1 application, got %d", len(result.Applied))
	}
	app := result.Applied[0]
	if app.BillID != b.ID || app.Applied != "1000.00" || app.NewBalance != "0.00" || app.NewStatus != billing.StatusPaid {
		t.Errorf("unexpected application: %+v", app)
	}
	if result.Remaining != "500.00" {
		t.Errorf("expected remaining 500.00, got %s", result.Remaining)
	}

	stored, _ := f.prepay.Get(ctx, p.ID)
	if stored.Remaining != "500.00" {
		t.Errorf("expected persisted remaining 500.00, got %s", stored.Remaining)
	}

	allocs, _ := f.prepay.AllocationsForBill(ctx, b.ID)
	if len(allocs) != 1 || allocs[0].Amount != "1000.00" || allocs[0].SourceID != p.ID {
		t.Errorf("unexpected allocation records: %+v", allocs)
	}
}

// Two bills due 2024-01-05 (300) and 2024-01-20 (500); prepayment 600.
// Oldest is settled in full, the newer one partially, remaining hits 0.
func TestAllocateFIFOByDueDate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	late := f.bill(t, "500", time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	early := f.bill(t, "300", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	p, _ := f.prepay.Create(ctx, "user-1", "apt-1", "600", "")

	result, err := f.prepay.Allocate(ctx, p.ID)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	if len(result.Applied) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(result.Applied))
	}
	first, second := result.Applied[0], result.Applied[1]
	if first.BillID != early.ID || first.Applied != "300.00" || first.NewStatus != billing.StatusPaid {
		t.Errorf("unexpected first application: %+v", first)
	}
	if second.BillID != late.ID || second.Applied != "300.00" || second.NewBalance != "200.00" || second.NewStatus != billing.StatusPartial {
		t.Errorf("unexpected second application: %+v", second)
	}
	if result.Remaining != "0.00" {
		t.Errorf("expected remaining 0.00, got %s", result.Remaining)
	}
}

// original_remaining = sum(applied) + final_remaining for any run.
func TestAllocateConservation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.bill(t, "123.45", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	f.bill(t, "678.90", time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC))
	f.bill(t, "42.00", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	p, _ := f.prepay.Create(ctx, "user-1", "apt-1", "700", "")

	result, err := f.prepay.Allocate(ctx, p.ID)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	total := big.NewInt(0)
	for _, app := range result.Applied {
		v, _ := money.Parse(app.Applied)
		total.Add(total, v)
	}
	rem, _ := money.Parse(result.Remaining)
	total.Add(total, rem)

	if money.Format(total) != "700.00" {
		t.Errorf("conservation violated: applied+remaining = %s, want 700.00", money.Format(total))
	}
}

func TestAllocateExhaustedPrepaymentIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.bill(t, "300", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	f.bill(t, "300", time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC))
	p, _ := f.prepay.Create(ctx, "user-1", "apt-1", "300", "")

	first, err := f.prepay.Allocate(ctx, p.ID)
	if err != nil {
		t.Fatalf("first allocate failed: %v", err)
	}
	if first.Remaining != "0.00" || len(first.Applied) != 1 {
		t.Fatalf("unexpected first run: %+v", first)
	}

	// Second run finds nothing to do and changes nothing.
	second, err := f.prepay.Allocate(ctx, p.ID)
	if err != nil {
		t.Fatalf("second allocate failed: %v", err)
	}
	if len(second.Applied) != 0 || second.Remaining != "0.00" {
		t.Errorf("expected no-op second run, got %+v", second)
	}

	bills, _ := f.billing.ListBills(ctx, billing.BillFilter{ApartmentID: "apt-1"})
	paid := 0
	for _, b := range bills {
		if b.Status == billing.StatusPaid {
			paid++
		}
	}
	if paid != 1 {
		t.Errorf("expected exactly 1 paid bill, got %d", paid)
	}
}

// Identical inputs always allocate in the same due-date order.
func TestAllocateDeterministicOrder(t *testing.T) {
	due := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	var lastOrder []string
	for run := 0; run < 3; run++ {
		f := newFixture()
		ctx := context.Background()

		// Same due date: the bill ID tiebreak keeps the order stable.
		f.bill(t, "100", due)
		f.bill(t, "100", due)
		f.bill(t, "100", due.AddDate(0, 0, 10))
		p, _ := f.prepay.Create(ctx, "user-1", "apt-1", "250", "")

		result, err := f.prepay.Allocate(ctx, p.ID)
		if err != nil {
			t.Fatalf("run %d: allocate failed: %v", run, err)
		}

		bills := make(map[string]*billing.Bill)
		all, _ := f.billing.ListBills(ctx, billing.BillFilter{ApartmentID: "apt-1"})
		for _, b := range all {
			bills[b.ID] = b
		}

		var order []string
		var prev time.Time
		for i, app := range result.Applied {
			b := bills[app.BillID]
			if i > 0 && b.DueDate.Before(prev) {
				t.Errorf("run %d: applications out of due-date order", run)
			}
			prev = b.DueDate
			order = append(order, b.DueDate.Format("2006-01-02"))
		}
		if lastOrder != nil {
			for i := range order {
				if order[i] != lastOrder[i] {
					t.Errorf("run %d: order differs from previous run", run)
				}
			}
		}
		lastOrder = order
	}
}

func TestConcurrentAllocateNeverDoubleApplies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.bill(t, "1000", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	p, _ := f.prepay.Create(ctx, "user-1", "apt-1", "1000", "")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.prepay.Allocate(ctx, p.ID)
		}()
	}
	wg.Wait()

	stored, _ := f.prepay.Get(ctx, p.ID)
	if stored.Remaining != "0.00" {
		t.Errorf("expected remaining 0.00, got %s", stored.Remaining)
	}

	// Exactly one allocation for the single bill, no double application.
	allocs, _ := f.prepay.AllocationsFromSource(ctx, string(billing.SourcePrepayment), p.ID)
	total := big.NewInt(0)
	for _, a := range allocs {
		v, _ := money.Parse(a.Amount)
		total.Add(total, v)
	}
	if money.Format(total) != "1000.00" {
		t.Errorf("allocations sum to %s, want 1000.00", money.Format(total))
	}
}

func TestAllocateUnknownPrepayment(t *testing.T) {
	f := newFixture()
	if _, err := f.prepay.Allocate(context.Background(), "ppy_missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type fakeAllocEvents struct {
	recorded []*Allocation
}

func (f *fakeAllocEvents) AllocationRecorded(a *Allocation) {
	f.recorded = append(f.recorded, a)
}

func TestRecorderFiresEvent(t *testing.T) {
	allocStore := NewMemoryAllocationStore()
	events := &fakeAllocEvents{}
	rec := NewRecorder(allocStore).WithEvents(events)
	ctx := context.Background()

	if err := rec.RecordAllocation(ctx, "payment", "pay_1", "bil_1", "25.00"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if len(events.recorded) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events.recorded))
	}
	a := events.recorded[0]
	if a.SourceType != "payment" || a.SourceID != "pay_1" || a.BillID != "bil_1" || a.Amount != "25.00" {
		t.Errorf("unexpected event payload: %+v", a)
	}
}

type allocNotice struct {
	recipient string
	amount    string
	reference string
}

type fakeAllocNotifier struct {
	notices []allocNotice
}

func (f *fakeAllocNotifier) EmitAllocation(recipient, amount, reference string) {
	f.notices = append(f.notices, allocNotice{recipient, amount, reference})
}

func TestAllocateNotifiesTotalApplied(t *testing.T) {
	f := newFixture()
	notifier := &fakeAllocNotifier{}
	f.prepay.WithNotifier(notifier)
	ctx := context.Background()

	f.bill(t, "300", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	f.bill(t, "500", time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	p, _ := f.prepay.Create(ctx, "user-1", "apt-1", "600", "")

	if _, err := f.prepay.Allocate(ctx, p.ID); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if len(notifier.notices) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.notices))
	}
	n := notifier.notices[0]
	if n.recipient != "user-1" || n.amount != "600.00" || n.reference != p.ID {
		t.Errorf("unexpected notification: %+v", n)
	}

	// A drained prepayment applies nothing and stays silent.
	if _, err := f.prepay.Allocate(ctx, p.ID); err != nil {
		t.Fatalf("second allocate failed: %v", err)
	}
	if len(notifier.notices) != 1 {
		t.Errorf("no-op run should not notify, got %d notifications", len(notifier.notices))
	}
}

// brokenStore refuses writes once armed, leaving reads intact.
type brokenStore struct {
	Store
	failWrites bool
}

func (b *brokenStore) Update(ctx context.Context, p *Prepayment) error {
	if b.failWrites {
		return errors.New("store unavailable")
	}
	return b.Store.Update(ctx, p)
}

// A prepayment write failure must surface before any bill is touched,
// so a later re-run cannot apply the same funds twice.
func TestAllocateReservesBeforeApplying(t *testing.T) {
	allocStore := NewMemoryAllocationStore()
	billingSvc := billing.NewService(billing.NewMemoryStore(), noLeases{}, NewRecorder(allocStore))
	store := &brokenStore{Store: NewMemoryStore()}
	svc := NewService(store, allocStore, billingSvc)
	ctx := context.Background()

	b, err := billingSvc.CreateBill(ctx, billing.CreateParams{
		TenancyID:   "tcy_1",
		ApartmentID: "apt-1",
		Type:        billing.TypeRent,
		Period:      "2024-01",
		DueDate:     time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		Amount:      "400",
	})
	if err != nil {
		t.Fatalf("create bill failed: %v", err)
	}
	p, err := svc.Create(ctx, "user-1", "apt-1", "600", "")
	if err != nil {
		t.Fatalf("create prepayment failed: %v", err)
	}

	store.failWrites = true
	if _, err := svc.Allocate(ctx, p.ID); err == nil {
		t.Fatal("allocate should fail when the reservation cannot persist")
	}

	fresh, _ := billingSvc.GetBill(ctx, b.ID)
	if fresh.Balance != "400.00" || fresh.Status != billing.StatusDue {
		t.Errorf("bill must be untouched after a failed reservation, got %s/%s", fresh.Balance, fresh.Status)
	}
	allocs, _ := svc.AllocationsForBill(ctx, b.ID)
	if len(allocs) != 0 {
		t.Errorf("no allocation should be recorded, got %d", len(allocs))
	}
	stored, _ := svc.Get(ctx, p.ID)
	if stored.Remaining != "600.00" {
		t.Errorf("remaining must be untouched, got %s", stored.Remaining)
	}

	// Once the store recovers, a re-run spends the funds exactly once.
	store.failWrites = false
	result, err := svc.Allocate(ctx, p.ID)
	if err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if len(result.Applied) != 1 || result.Applied[0].Applied != "400.00" || result.Remaining != "200.00" {
		t.Errorf("unexpected re-run result: %+v", result)
	}
}

// flakyBiller fails the first bill application, then behaves.
type flakyBiller struct {
	Biller
	failures int
}

func (f *flakyBiller) ApplyToBill(ctx context.Context, billID, amount string, src billing.SourceRef) (*billing.Application, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("billing unavailable")
	}
	return f.Biller.ApplyToBill(ctx, billID, amount, src)
}

func TestAllocateReturnsReservationOnFailedApplication(t *testing.T) {
	allocStore := NewMemoryAllocationStore()
	billingSvc := billing.NewService(billing.NewMemoryStore(), noLeases{}, NewRecorder(allocStore))
	biller := &flakyBiller{Biller: billingSvc, failures: 1}
	svc := NewService(NewMemoryStore(), allocStore, biller)
	ctx := context.Background()

	if _, err := billingSvc.CreateBill(ctx, billing.CreateParams{
		TenancyID:   "tcy_1",
		ApartmentID: "apt-1",
		Type:        billing.TypeRent,
		Period:      "2024-01",
		DueDate:     time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		Amount:      "400",
	}); err != nil {
		t.Fatalf("create bill failed: %v", err)
	}
	p, err := svc.Create(ctx, "user-1", "apt-1", "600", "")
	if err != nil {
		t.Fatalf("create prepayment failed: %v", err)
	}

	if _, err := svc.Allocate(ctx, p.ID); err == nil {
		t.Fatal("allocate should surface the application failure")
	}
	stored, _ := svc.Get(ctx, p.ID)
	if stored.Remaining != "600.00" {
		t.Errorf("failed application should return the reservation, got %s", stored.Remaining)
	}

	result, err := svc.Allocate(ctx, p.ID)
	if err != nil {
		t.Fatalf("re-run failed: %v", err)
	}

	// Conservation across both runs: everything ever applied plus the
	// final remaining still adds up to the original deposit.
	allocs, _ := svc.AllocationsFromSource(ctx, string(billing.SourcePrepayment), p.ID)
	total := big.NewInt(0)
	for _, a := range allocs {
		v, _ := money.Parse(a.Amount)
		total.Add(total, v)
	}
	rem, _ := money.Parse(result.Remaining)
	total.Add(total, rem)
	if money.Format(total) != "600.00" {
		t.Errorf("applied+remaining = %s, want 600.00", money.Format(total))
	}
}
