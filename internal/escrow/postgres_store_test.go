//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/safedeal/safedeal/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		cleanup()
		t.Fatalf("Failed to migrate: %v", err)
	}

	return store, func() {
		db.ExecContext(ctx, "DELETE FROM escrow_transactions")
		cleanup()
	}
}

func sampleTransaction(id string) *Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Transaction{
		ID:            id,
		BuyerID:       buyer,
		SellerID:      seller,
		Amount:        500_000,
		Fee:           10_000,
		PointsReward:  5,
		Description:   "vintage camera",
		DurationHours: 24,
		State:         StatePending,
		StateLabel:    StatePending.Label(),
		ExpiresAt:     now.Add(24 * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgres_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	want := sampleTransaction("txn_pg1")
	if err := store.Create(ctx, want); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.BuyerID != want.BuyerID || got.SellerID != want.SellerID {
		t.Errorf("parties = %s/%s, want %s/%s", got.BuyerID, got.SellerID, want.BuyerID, want.SellerID)
	}
	if got.Amount != want.Amount || got.Fee != want.Fee || got.PointsReward != want.PointsReward {
		t.Errorf("amounts = %d/%d/%d, want %d/%d/%d",
			got.Amount, got.Fee, got.PointsReward, want.Amount, want.Fee, want.PointsReward)
	}
	if got.State != StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("expiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestPostgres_GetMissing(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := store.Get(context.Background(), "txn_missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("got %v, want ErrTransactionNotFound", err)
	}
}

func TestPostgres_UpdateRoundTripsStateAndTimestamps(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	txn := sampleTransaction("txn_pg2")
	if err := store.Create(ctx, txn); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	txn.State = StateDisputed
	txn.StateLabel = StateDisputed.Label()
	txn.PriorState = StateConfirmed
	txn.ConfirmedAt = &now
	txn.DisputedAt = &now
	txn.UpdatedAt = now
	if err := store.Update(ctx, txn); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateDisputed || got.PriorState != StateConfirmed {
		t.Errorf("state = %s prior = %s, want disputed/confirmed", got.State, got.PriorState)
	}
	if got.ConfirmedAt == nil || got.DisputedAt == nil {
		t.Errorf("timestamps not persisted: confirmed=%v disputed=%v", got.ConfirmedAt, got.DisputedAt)
	}
	if got.CancelledAt != nil {
		t.Errorf("cancelledAt = %v, want nil", got.CancelledAt)
	}
}

func TestPostgres_ListByCustomer(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	for _, id := range []string{"txn_pg3", "txn_pg4"} {
		if err := store.Create(ctx, sampleTransaction(id)); err != nil {
			t.Fatal(err)
		}
	}
	other := sampleTransaction("txn_pg5")
	other.BuyerID = stranger
	other.SellerID = "cus_dddddddddddddddddddddddd"
	if err := store.Create(ctx, other); err != nil {
		t.Fatal(err)
	}

	asBuyer, err := store.ListByCustomer(ctx, buyer, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(asBuyer) != 2 {
		t.Errorf("buyer list = %d, want 2", len(asBuyer))
	}
	asSeller, err := store.ListByCustomer(ctx, seller, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(asSeller) != 2 {
		t.Errorf("seller list = %d, want 2", len(asSeller))
	}
}

func TestPostgres_ListExpired(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	overdue := sampleTransaction("txn_pg6")
	overdue.ExpiresAt = now.Add(-2 * time.Hour)
	if err := store.Create(ctx, overdue); err != nil {
		t.Fatal(err)
	}

	fresh := sampleTransaction("txn_pg7")
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	frozen := sampleTransaction("txn_pg8")
	frozen.ExpiresAt = now.Add(-2 * time.Hour)
	if err := store.Create(ctx, frozen); err != nil {
		t.Fatal(err)
	}
	frozen.State = StateDisputed
	frozen.StateLabel = StateDisputed.Label()
	if err := store.Update(ctx, frozen); err != nil {
		t.Fatal(err)
	}

	expired, err := store.ListExpired(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired = %d, want only the overdue sweepable one", len(expired))
	}
	if expired[0].ID != overdue.ID {
		t.Errorf("expired[0] = %s, want %s", expired[0].ID, overdue.ID)
	}
}
