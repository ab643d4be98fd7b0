package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestTopUpAndBalance(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.TopUp(ctx, "user-1", "500.25", "ref-1"); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	bal, err := svc.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if bal.Available != "500.25" {
		t.Errorf("expected 500.25, got %s", bal.Available)
	}
	if bal.TotalIn != "500.25" {
		t.Errorf("expected total_in 500.25, got %s", bal.TotalIn)
	}
}

func TestUnknownTenantHasZeroBalance(t *testing.T) {
	svc := NewService(NewMemoryStore())

	bal, err := svc.GetBalance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if bal.Available != "0.00" {
		t.Errorf("expected 0.00, got %s", bal.Available)
	}
}

func TestTopUpRejectsInvalidAmount(t *testing.T) {
	svc := NewService(NewMemoryStore())
	for _, amount := range []string{"0", "-10", "abc"} {
		if err := svc.TopUp(context.Background(), "user-1", amount, ""); err != ErrInvalidAmount {
			t.Errorf("amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestDebit(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	svc.TopUp(ctx, "user-1", "1000", "")
	if err := svc.Debit(ctx, "user-1", "300", "pay_1", "rent"); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	bal, _ := svc.GetBalance(ctx, "user-1")
	if bal.Available != "700.00" {
		t.Errorf("expected 700.00, got %s", bal.Available)
	}
	if bal.TotalOut != "300.00" {
		t.Errorf("expected total_out 300.00, got %s", bal.TotalOut)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	svc.TopUp(ctx, "user-1", "100", "")
	if err := svc.Debit(ctx, "user-1", "100.01", "pay_1", ""); err != ErrInsufficientFunds {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := svc.Debit(ctx, "stranger", "1", "pay_2", ""); err != ErrInsufficientFunds {
		t.Errorf("expected ErrInsufficientFunds for unknown tenant, got %v", err)
	}

	// Balance untouched by failed debits.
	bal, _ := svc.GetBalance(ctx, "user-1")
	if bal.Available != "100.00" {
		t.Errorf("expected 100.00, got %s", bal.Available)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	svc.TopUp(ctx, "user-1", "500", "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Debit(ctx, "user-1", "100", "pay_x", ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("expected exactly 5 successful debits, got %d", succeeded)
	}
	bal, _ := svc.GetBalance(ctx, "user-1")
	if bal.Available != "0.00" {
		t.Errorf("expected 0.00, got %s", bal.Available)
	}
}

func TestCreditRefund(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if err := svc.CreditRefund(ctx, "user-1", "250", "rfd_1"); err != nil {
		t.Fatalf("credit refund failed: %v", err)
	}

	entries, _, _, _ := svc.GetHistory(ctx, "user-1", "", 10)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Type != "refund_credit" || entries[0].Reference != "rfd_1" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	svc.TopUp(ctx, "user-1", "100", "first")
	svc.TopUp(ctx, "user-1", "200", "second")
	svc.Debit(ctx, "user-1", "50", "third", "")

	entries, _, hasMore, err := svc.GetHistory(ctx, "user-1", "", 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Reference != "third" {
		t.Errorf("expected newest entry first, got %s", entries[0].Reference)
	}
	if hasMore {
		t.Error("expected no further pages")
	}
}

func TestHistoryPagination(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.TopUp(ctx, "user-1", "10", fmt.Sprintf("ref-%d", i))
	}

	page1, cursor, hasMore, err := svc.GetHistory(ctx, "user-1", "", 2)
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(page1) != 2 || !hasMore || cursor == "" {
		t.Fatalf("expected full first page with cursor, got %d entries hasMore=%v", len(page1), hasMore)
	}

	page2, cursor2, hasMore, err := svc.GetHistory(ctx, "user-1", cursor, 2)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(page2) != 2 || !hasMore {
		t.Fatalf("expected full second page, got %d entries hasMore=%v", len(page2), hasMore)
	}
	if page1[1].ID == page2[0].ID {
		t.Error("pages overlap")
	}

	page3, _, hasMore, err := svc.GetHistory(ctx, "user-1", cursor2, 2)
	if err != nil {
		t.Fatalf("third page failed: %v", err)
	}
	if len(page3) != 1 || hasMore {
		t.Fatalf("expected final page of 1, got %d entries hasMore=%v", len(page3), hasMore)
	}

	seen := map[string]bool{}
	for _, e := range append(append(page1, page2...), page3...) {
		if seen[e.ID] {
			t.Fatalf("entry %s returned twice", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestHistoryRejectsMalformedCursor(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, _, _, err := svc.GetHistory(context.Background(), "user-1", "not-a-cursor", 10)
	if err != ErrInvalidCursor {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}
