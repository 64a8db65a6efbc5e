package points

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type fakeWallet struct {
	credited map[string]int64
	err      error
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{credited: make(map[string]int64)}
}

func (f *fakeWallet) ExchangeFromPlatform(ctx context.Context, customerID string, amount int64, reference string) error {
	if f.err != nil {
		return f.err
	}
	f.credited[customerID] += amount
	return nil
}

const cust = "cus_aaaaaaaaaaaaaaaaaaaaaaaa"

func TestCreditAndBalance(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), newFakeWallet(), 1_000, slog.Default())

	if err := svc.Credit(ctx, cust, 5, EntryTransactionReward, "txn-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := svc.Credit(ctx, cust, 3, EntryReferralBonus, "txn-2"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	b, err := svc.GetBalance(ctx, cust)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if b.Points != 8 {
		t.Errorf("points = %d, want 8", b.Points)
	}
}

func TestCredit_InvalidAmount(t *testing.T) {
	svc := NewService(NewMemoryStore(), newFakeWallet(), 1_000, slog.Default())
	if err := svc.Credit(context.Background(), cust, 0, EntryReferralBonus, ""); !errors.Is(err, ErrInvalidPoints) {
		t.Errorf("got %v, want ErrInvalidPoints", err)
	}
}

func TestExchange(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	svc := NewService(NewMemoryStore(), wallet, 1_000, slog.Default())

	if err := svc.Credit(ctx, cust, 10, EntryTransactionReward, "txn-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	result, err := svc.Exchange(ctx, cust, 4, "exc-1")
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if result.CashAmount != 4_000 {
		t.Errorf("cash = %d, want 4000", result.CashAmount)
	}
	if wallet.credited[cust] != 4_000 {
		t.Errorf("wallet credited %d, want 4000", wallet.credited[cust])
	}

	b, _ := svc.GetBalance(ctx, cust)
	if b.Points != 6 {
		t.Errorf("points after exchange = %d, want 6", b.Points)
	}
}

func TestExchange_InsufficientPoints(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	svc := NewService(NewMemoryStore(), wallet, 1_000, slog.Default())

	if err := svc.Credit(ctx, cust, 2, EntryTransactionReward, "txn-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, err := svc.Exchange(ctx, cust, 5, "exc-1"); !errors.Is(err, ErrInsufficientPoints) {
		t.Errorf("got %v, want ErrInsufficientPoints", err)
	}
	if len(wallet.credited) != 0 {
		t.Error("wallet must not be touched when the point debit fails")
	}
}

func TestExchange_WalletFailureRestoresPoints(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	wallet.err = errors.New("platform account empty")
	svc := NewService(NewMemoryStore(), wallet, 1_000, slog.Default())

	if err := svc.Credit(ctx, cust, 10, EntryTransactionReward, "txn-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, err := svc.Exchange(ctx, cust, 4, "exc-1"); err == nil {
		t.Fatal("expected exchange to fail")
	}

	b, err := svc.GetBalance(ctx, cust)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if b.Points != 10 {
		t.Errorf("points = %d, want 10 restored after wallet failure", b.Points)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), newFakeWallet(), 1_000, slog.Default())

	for i, ref := range []string{"txn-1", "txn-2", "txn-3"} {
		if err := svc.Credit(ctx, cust, int64(i+1), EntryTransactionReward, ref); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}

	entries, err := svc.History(ctx, cust, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Reference != "txn-3" {
		t.Errorf("first entry reference = %q, want txn-3", entries[0].Reference)
	}
}
