package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/safedeal/safedeal/internal/fees"
	"github.com/safedeal/safedeal/internal/ledger"
)

const (
	buyer    = "cus_aaaaaaaaaaaaaaaaaaaaaaaa"
	seller   = "cus_bbbbbbbbbbbbbbbbbbbbbbbb"
	stranger = "cus_cccccccccccccccccccccccc"
)

// fakeLedger tracks balances in memory and counts settlements so tests
// can assert at-most-once behavior.
type fakeLedger struct {
	mu          sync.Mutex
	available   map[string]int64
	locked      map[string]int64
	platform    int64
	settleCalls int
	failSettle  error
	failFor     map[string]error // per-reference settle failures
}

func newFakeLedger(funds map[string]int64) *fakeLedger {
	available := make(map[string]int64)
	for id, amt := range funds {
		available[id] = amt
	}
	return &fakeLedger{
		available: available,
		locked:    make(map[string]int64),
		failFor:   make(map[string]error),
	}
}

func (f *fakeLedger) Lock(ctx context.Context, customerID string, amount int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.available[customerID] < amount {
		return ledger.ErrInsufficientFunds
	}
	f.available[customerID] -= amount
	f.locked[customerID] += amount
	return nil
}

func (f *fakeLedger) Unlock(ctx context.Context, customerID string, amount int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[customerID] < amount {
		return ledger.ErrInsufficientLockedFunds
	}
	f.locked[customerID] -= amount
	f.available[customerID] += amount
	return nil
}

func (f *fakeLedger) settle(customerID string, lockedAmount int64, reference string) error {
	if f.failSettle != nil {
		return f.failSettle
	}
	if err := f.failFor[reference]; err != nil {
		return err
	}
	if f.locked[customerID] < lockedAmount {
		return ledger.ErrInsufficientLockedFunds
	}
	f.locked[customerID] -= lockedAmount
	f.settleCalls++
	return nil
}

func (f *fakeLedger) SettleSale(ctx context.Context, buyerID, sellerID string, amount, fee int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.settle(buyerID, amount+fee, reference); err != nil {
		return err
	}
	f.available[sellerID] += amount
	f.platform += fee
	return nil
}

func (f *fakeLedger) refund(buyerID string, amount, fee int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.settle(buyerID, amount+fee, reference); err != nil {
		return err
	}
	f.available[buyerID] += amount
	f.platform += fee
	return nil
}

func (f *fakeLedger) SettleRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error {
	return f.refund(buyerID, amount, fee, reference)
}

func (f *fakeLedger) SettleExpiredRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error {
	return f.refund(buyerID, amount, fee, reference)
}

func (f *fakeLedger) SettleDisputeRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error {
	return f.refund(buyerID, amount, fee, reference)
}

func (f *fakeLedger) SettleSplit(ctx context.Context, buyerID, sellerID string, buyerCredit, sellerCredit, fee int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.settle(buyerID, buyerCredit+sellerCredit+fee, reference); err != nil {
		return err
	}
	f.available[buyerID] += buyerCredit
	f.available[sellerID] += sellerCredit
	f.platform += fee
	return nil
}

// scheduleResolver adapts the fee schedule to the FeeResolver interface.
type scheduleResolver struct {
	s *fees.Schedule
}

func (r scheduleResolver) Resolve(amount, durationHours int64) (int64, int64, error) {
	q, err := r.s.Resolve(amount, durationHours)
	if err != nil {
		return 0, 0, err
	}
	return q.Fee, q.PointsReward, nil
}

type rewardCall struct {
	BuyerID       string
	TransactionID string
	Points        int64
}

type fakeRewarder struct {
	mu    sync.Mutex
	calls []rewardCall
	err   error
}

func (f *fakeRewarder) RewardCompletion(ctx context.Context, buyerID, transactionID string, points int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rewardCall{buyerID, transactionID, points})
	return f.err
}

func newTestService(led LedgerService) *Service {
	return NewService(NewMemoryStore(), led, scheduleResolver{fees.MustDefault()}, DefaultLimits, slog.Default())
}

func mustCreate(t *testing.T, svc *Service, amount, durationHours int64) *Transaction {
	t.Helper()
	txn, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:       buyer,
		SellerID:      seller,
		Amount:        amount,
		Description:   "vintage camera",
		DurationHours: durationHours,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return txn
}

func mustApply(t *testing.T, svc *Service, id string, action Action, actorID string) *Transaction {
	t.Helper()
	txn, err := svc.Apply(context.Background(), id, action, actorID)
	if err != nil {
		t.Fatalf("Apply(%s, %s) failed: %v", action, actorID, err)
	}
	return txn
}

func TestCreate_LocksAmountPlusFee(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)

	txn := mustCreate(t, svc, 500_000, 24)

	if txn.State != StatePending {
		t.Errorf("state = %s, want pending", txn.State)
	}
	if txn.Fee != 10_000 {
		t.Errorf("fee = %d, want 10000", txn.Fee)
	}
	if txn.PointsReward != 5 {
		t.Errorf("points = %d, want 5", txn.PointsReward)
	}
	if led.available[buyer] != 90_000 {
		t.Errorf("buyer available = %d, want 90000", led.available[buyer])
	}
	if led.locked[buyer] != 510_000 {
		t.Errorf("buyer locked = %d, want 510000", led.locked[buyer])
	}
	wantExpiry := txn.CreatedAt.Add(24 * time.Hour)
	if !txn.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiresAt = %v, want %v", txn.ExpiresAt, wantExpiry)
	}
}

func TestCreate_InsufficientFunds(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 100})
	svc := newTestService(led)

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: buyer, SellerID: seller, Amount: 500_000, DurationHours: 24,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if led.locked[buyer] != 0 {
		t.Errorf("locked = %d, want 0 after rejected create", led.locked[buyer])
	}
}

func TestCreate_Validation(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 1_000_000})
	svc := newTestService(led)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{BuyerID: buyer, SellerID: buyer, Amount: 1_000, DurationHours: 24}); !errors.Is(err, ErrSameParty) {
		t.Errorf("same party: got %v, want ErrSameParty", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{BuyerID: buyer, SellerID: seller, Amount: 1_000, DurationHours: 0}); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("zero duration: got %v, want ErrInvalidDuration", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{BuyerID: buyer, SellerID: seller, Amount: 1_000, DurationHours: 169}); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("over max duration: got %v, want ErrInvalidDuration", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{BuyerID: buyer, SellerID: seller, Amount: -5, DurationHours: 24}); !errors.Is(err, fees.ErrInvalidAmount) {
		t.Errorf("negative amount: got %v, want fees.ErrInvalidAmount", err)
	}
	if led.locked[buyer] != 0 {
		t.Errorf("locked = %d, want 0 after rejected creates", led.locked[buyer])
	}
}

type failingStore struct {
	Store
	createErr error
}

func (f *failingStore) Create(ctx context.Context, txn *Transaction) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.Create(ctx, txn)
}

func TestCreate_StoreFailureReversesLock(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	store := &failingStore{Store: NewMemoryStore(), createErr: errors.New("db down")}
	svc := NewService(store, led, scheduleResolver{fees.MustDefault()}, DefaultLimits, slog.Default())

	_, err := svc.Create(context.Background(), CreateRequest{
		BuyerID: buyer, SellerID: seller, Amount: 500_000, DurationHours: 24,
	})
	if err == nil {
		t.Fatal("expected create to fail")
	}
	if led.available[buyer] != 600_000 || led.locked[buyer] != 0 {
		t.Errorf("funds not restored: available=%d locked=%d", led.available[buyer], led.locked[buyer])
	}
}

func TestHappyPath_BuyerConfirmsReceipt(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	rewarder := &fakeRewarder{}
	svc := newTestService(led).WithRewarder(rewarder)

	txn := mustCreate(t, svc, 500_000, 24)

	txn = mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	if txn.State != StateConfirmed || txn.ConfirmedAt == nil {
		t.Fatalf("after confirm: state=%s confirmedAt=%v", txn.State, txn.ConfirmedAt)
	}
	txn = mustApply(t, svc, txn.ID, ActionShip, seller)
	if txn.State != StateSellerSent || txn.SellerSentAt == nil {
		t.Fatalf("after ship: state=%s sellerSentAt=%v", txn.State, txn.SellerSentAt)
	}
	txn = mustApply(t, svc, txn.ID, ActionReceive, buyer)
	if txn.State != StateCompleted || txn.CompletedAt == nil || txn.BuyerReceivedAt == nil {
		t.Fatalf("after receive: state=%s", txn.State)
	}

	if led.available[seller] != 500_000 {
		t.Errorf("seller available = %d, want 500000", led.available[seller])
	}
	if led.available[buyer] != 90_000 || led.locked[buyer] != 0 {
		t.Errorf("buyer available=%d locked=%d, want 90000/0", led.available[buyer], led.locked[buyer])
	}
	if led.platform != 10_000 {
		t.Errorf("platform fee = %d, want 10000", led.platform)
	}
	if len(rewarder.calls) != 1 {
		t.Fatalf("reward calls = %d, want 1", len(rewarder.calls))
	}
	if call := rewarder.calls[0]; call.BuyerID != buyer || call.TransactionID != txn.ID || call.Points != 5 {
		t.Errorf("unexpected reward call: %+v", call)
	}
}

func TestApply_Authorization(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := mustCreate(t, svc, 500_000, 24)

	// A non-party is rejected outright.
	if _, err := svc.Apply(context.Background(), txn.ID, ActionConfirm, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger confirm: got %v, want ErrUnauthorized", err)
	}
	// The wrong side of an asymmetric transition is an invalid transition.
	if _, err := svc.Apply(context.Background(), txn.ID, ActionConfirm, seller); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("seller confirm: got %v, want ErrInvalidTransition", err)
	}
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	if _, err := svc.Apply(context.Background(), txn.ID, ActionShip, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("buyer ship: got %v, want ErrInvalidTransition", err)
	}
	mustApply(t, svc, txn.ID, ActionShip, seller)
	if _, err := svc.Apply(context.Background(), txn.ID, ActionReceive, seller); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("seller receive: got %v, want ErrInvalidTransition", err)
	}

	if led.settleCalls != 0 {
		t.Errorf("settleCalls = %d, rejected attempts must not settle", led.settleCalls)
	}
}

func TestCancel_RefundsAmountOnly(t *testing.T) {
	tests := []struct {
		name  string
		setup []struct {
			action Action
			actor  string
		}
		canceller string
	}{
		{"buyer cancels from pending", nil, buyer},
		{"seller cancels from pending", nil, seller},
		{"buyer cancels from confirmed", []struct {
			action Action
			actor  string
		}{{ActionConfirm, buyer}}, buyer},
		{"seller cancels from confirmed", []struct {
			action Action
			actor  string
		}{{ActionConfirm, buyer}}, seller},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			led := newFakeLedger(map[string]int64{buyer: 600_000})
			svc := newTestService(led)
			txn := mustCreate(t, svc, 500_000, 24)
			for _, step := range tt.setup {
				mustApply(t, svc, txn.ID, step.action, step.actor)
			}

			txn = mustApply(t, svc, txn.ID, ActionCancel, tt.canceller)
			if txn.State != StateCancelled || txn.CancelledAt == nil {
				t.Fatalf("state = %s, want cancelled", txn.State)
			}
			// The fee is forfeited; only the amount comes back.
			if led.available[buyer] != 590_000 {
				t.Errorf("buyer available = %d, want 590000", led.available[buyer])
			}
			if led.locked[buyer] != 0 {
				t.Errorf("buyer locked = %d, want 0", led.locked[buyer])
			}
			if led.available[seller] != 0 {
				t.Errorf("seller available = %d, want 0", led.available[seller])
			}
			if led.platform != 10_000 {
				t.Errorf("platform = %d, want forfeited fee 10000", led.platform)
			}
		})
	}
}

func TestCancel_NotAllowedAfterShipment(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := mustCreate(t, svc, 500_000, 24)
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	mustApply(t, svc, txn.ID, ActionShip, seller)

	if _, err := svc.Apply(context.Background(), txn.ID, ActionCancel, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestAtMostOnceSettlement(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := mustCreate(t, svc, 500_000, 24)
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	mustApply(t, svc, txn.ID, ActionShip, seller)
	mustApply(t, svc, txn.ID, ActionReceive, buyer)

	// Replays are rejected by the from-state check, never double-settled.
	if _, err := svc.Apply(context.Background(), txn.ID, ActionReceive, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second receive: got %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Apply(context.Background(), txn.ID, ActionCancel, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel after completion: got %v, want ErrInvalidTransition", err)
	}
	if led.settleCalls != 1 {
		t.Errorf("settleCalls = %d, want exactly 1", led.settleCalls)
	}
}

func TestConcurrentReceive_SettlesOnce(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := mustCreate(t, svc, 500_000, 24)
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	mustApply(t, svc, txn.ID, ActionShip, seller)

	const attempts = 20
	var wg sync.WaitGroup
	var successes int64
	var mu sync.Mutex
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Apply(context.Background(), txn.ID, ActionReceive, buyer); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if led.settleCalls != 1 {
		t.Errorf("settleCalls = %d, want exactly 1", led.settleCalls)
	}
	if led.available[seller] != 500_000 {
		t.Errorf("seller available = %d, want 500000", led.available[seller])
	}
}

func TestDispute_FreezesAndRecordsPriorState(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := mustCreate(t, svc, 500_000, 24)

	// Disputes are not allowed from Pending.
	if _, err := svc.Apply(context.Background(), txn.ID, ActionDispute, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("dispute from pending: got %v, want ErrInvalidTransition", err)
	}

	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	mustApply(t, svc, txn.ID, ActionShip, seller)
	txn = mustApply(t, svc, txn.ID, ActionDispute, seller)

	if txn.State != StateDisputed || txn.DisputedAt == nil {
		t.Fatalf("state = %s, want disputed", txn.State)
	}
	if txn.PriorState != StateSellerSent {
		t.Errorf("priorState = %s, want seller_sent", txn.PriorState)
	}
	if led.settleCalls != 0 {
		t.Errorf("settleCalls = %d, dispute must not touch funds", led.settleCalls)
	}

	// A frozen transaction accepts no party actions.
	for _, action := range []Action{ActionConfirm, ActionShip, ActionReceive, ActionCancel, ActionDispute} {
		if _, err := svc.Apply(context.Background(), txn.ID, action, buyer); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on disputed: got %v, want ErrInvalidTransition", action, err)
		}
	}
}

func disputedTransaction(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	txn := mustCreate(t, svc, 500_000, 24)
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	mustApply(t, svc, txn.ID, ActionShip, seller)
	return mustApply(t, svc, txn.ID, ActionDispute, buyer)
}

func TestResolveDisputed_BuyerFavor(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := disputedTransaction(t, svc)

	resolved, err := svc.ResolveDisputed(context.Background(), txn.ID, OutcomeBuyerFavor, 0)
	if err != nil {
		t.Fatalf("ResolveDisputed failed: %v", err)
	}
	if resolved.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", resolved.State)
	}
	if led.available[buyer] != 590_000 || led.available[seller] != 0 {
		t.Errorf("balances: buyer=%d seller=%d, want 590000/0", led.available[buyer], led.available[seller])
	}
}

func TestResolveDisputed_SellerFavor_NoReward(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	rewarder := &fakeRewarder{}
	svc := newTestService(led).WithRewarder(rewarder)
	txn := disputedTransaction(t, svc)

	resolved, err := svc.ResolveDisputed(context.Background(), txn.ID, OutcomeSellerFavor, 0)
	if err != nil {
		t.Fatalf("ResolveDisputed failed: %v", err)
	}
	if resolved.State != StateCompleted {
		t.Errorf("state = %s, want completed", resolved.State)
	}
	if led.available[seller] != 500_000 {
		t.Errorf("seller available = %d, want 500000", led.available[seller])
	}
	// Dispute-driven completion never pays the referral reward.
	if len(rewarder.calls) != 0 {
		t.Errorf("reward calls = %d, want 0", len(rewarder.calls))
	}
}

func TestResolveDisputed_PartialRefund(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := disputedTransaction(t, svc)

	resolved, err := svc.ResolveDisputed(context.Background(), txn.ID, OutcomePartialRefund, 250_000)
	if err != nil {
		t.Fatalf("ResolveDisputed failed: %v", err)
	}
	if resolved.State != StateCompleted {
		t.Errorf("state = %s, want completed", resolved.State)
	}
	if led.available[buyer] != 340_000 {
		t.Errorf("buyer available = %d, want 90000+250000", led.available[buyer])
	}
	if led.available[seller] != 250_000 {
		t.Errorf("seller available = %d, want 250000", led.available[seller])
	}
	if led.platform != 10_000 {
		t.Errorf("platform = %d, want 10000", led.platform)
	}
}

func TestResolveDisputed_PartialRefundBounds(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := disputedTransaction(t, svc)

	for _, amt := range []int64{0, -1, 500_000, 600_000} {
		if _, err := svc.ResolveDisputed(context.Background(), txn.ID, OutcomePartialRefund, amt); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("partial %d: got %v, want ErrInvalidTransition", amt, err)
		}
	}
	if led.settleCalls != 0 {
		t.Errorf("settleCalls = %d, want 0", led.settleCalls)
	}
}

func TestResolveDisputed_NoActionRestoresPriorState(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := disputedTransaction(t, svc)

	resolved, err := svc.ResolveDisputed(context.Background(), txn.ID, OutcomeNoAction, 0)
	if err != nil {
		t.Fatalf("ResolveDisputed failed: %v", err)
	}
	if resolved.State != StateSellerSent {
		t.Errorf("state = %s, want seller_sent restored", resolved.State)
	}
	if led.settleCalls != 0 {
		t.Errorf("settleCalls = %d, no-action must not touch funds", led.settleCalls)
	}

	// The transaction resumes its normal lifecycle.
	final := mustApply(t, svc, txn.ID, ActionReceive, buyer)
	if final.State != StateCompleted {
		t.Errorf("state = %s, want completed after resumed receive", final.State)
	}
}

func TestResolveDisputed_RequiresDisputedState(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	svc := newTestService(led)
	txn := mustCreate(t, svc, 500_000, 24)

	if _, err := svc.ResolveDisputed(context.Background(), txn.ID, OutcomeBuyerFavor, 0); !errors.Is(err, ErrNotDisputed) {
		t.Errorf("got %v, want ErrNotDisputed", err)
	}
}

func rewindExpiry(t *testing.T, store Store, id string, d time.Duration) {
	t.Helper()
	txn, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	txn.ExpiresAt = txn.ExpiresAt.Add(-d)
	if err := store.Update(context.Background(), txn); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestSweep_ExpiresOverdueTransactions(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	store := NewMemoryStore()
	svc := NewService(store, led, scheduleResolver{fees.MustDefault()}, DefaultLimits, slog.Default())
	txn := mustCreate(t, svc, 500_000, 1)

	// Expiry two hours in the past, beyond the one hour grace window.
	rewindExpiry(t, store, txn.ID, 3*time.Hour)

	processed, failed, err := svc.Sweep(context.Background(), 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if processed != 1 || failed != 0 {
		t.Errorf("processed=%d failed=%d, want 1/0", processed, failed)
	}

	got, _ := svc.Get(context.Background(), txn.ID)
	if got.State != StateExpired || got.ExpiredAt == nil {
		t.Fatalf("state = %s, want expired", got.State)
	}
	// Same refund effect as cancellation.
	if led.available[buyer] != 590_000 || led.locked[buyer] != 0 {
		t.Errorf("buyer available=%d locked=%d, want 590000/0", led.available[buyer], led.locked[buyer])
	}
}

func TestSweep_HonorsGraceWindow(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	store := NewMemoryStore()
	svc := NewService(store, led, scheduleResolver{fees.MustDefault()}, DefaultLimits, slog.Default())
	txn := mustCreate(t, svc, 500_000, 1)

	// Past nominal expiry but still inside the grace window.
	rewindExpiry(t, store, txn.ID, 90*time.Minute)

	processed, _, err := svc.Sweep(context.Background(), 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0 inside grace window", processed)
	}
	got, _ := svc.Get(context.Background(), txn.ID)
	if got.State != StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
}

func TestSweep_SkipsDisputed(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	store := NewMemoryStore()
	svc := NewService(store, led, scheduleResolver{fees.MustDefault()}, DefaultLimits, slog.Default())
	txn := disputedTransactionOn(t, svc)

	rewindExpiry(t, store, txn.ID, 5*time.Hour)

	processed, failed, err := svc.Sweep(context.Background(), 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if processed != 0 || failed != 0 {
		t.Errorf("processed=%d failed=%d, want 0/0", processed, failed)
	}
	got, _ := svc.Get(context.Background(), txn.ID)
	if got.State != StateDisputed {
		t.Errorf("state = %s, disputed transactions are never swept", got.State)
	}
}

func disputedTransactionOn(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	txn := mustCreate(t, svc, 500_000, 1)
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	return mustApply(t, svc, txn.ID, ActionDispute, buyer)
}

func TestSweep_PartialFailureContinues(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 5_000_000})
	store := NewMemoryStore()
	svc := NewService(store, led, scheduleResolver{fees.MustDefault()}, DefaultLimits, slog.Default())

	first := mustCreate(t, svc, 500_000, 1)
	second := mustCreate(t, svc, 500_000, 1)
	rewindExpiry(t, store, first.ID, 3*time.Hour)
	rewindExpiry(t, store, second.ID, 3*time.Hour)

	led.failFor[first.ID] = errors.New("settlement backend down")

	processed, failed, err := svc.Sweep(context.Background(), 100)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if processed != 1 || failed != 1 {
		t.Errorf("processed=%d failed=%d, want 1/1", processed, failed)
	}
	got, _ := svc.Get(context.Background(), second.ID)
	if got.State != StateExpired {
		t.Errorf("second transaction state = %s, want expired", got.State)
	}
	got, _ = svc.Get(context.Background(), first.ID)
	if got.State != StatePending {
		t.Errorf("first transaction state = %s, want pending for retry on next sweep", got.State)
	}
}

func TestRewardFailure_DoesNotFailTransition(t *testing.T) {
	led := newFakeLedger(map[string]int64{buyer: 600_000})
	rewarder := &fakeRewarder{err: errors.New("points backend down")}
	svc := newTestService(led).WithRewarder(rewarder)
	txn := mustCreate(t, svc, 500_000, 24)
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	mustApply(t, svc, txn.ID, ActionShip, seller)

	final, err := svc.Apply(context.Background(), txn.ID, ActionReceive, buyer)
	if err != nil {
		t.Fatalf("receive must succeed despite reward failure: %v", err)
	}
	if final.State != StateCompleted {
		t.Errorf("state = %s, want completed", final.State)
	}
	if led.available[seller] != 500_000 {
		t.Errorf("settlement must stand: seller available = %d", led.available[seller])
	}
}

// TestConservation_RealLedger wires the real wallet ledger underneath the
// state machine and checks that no sequence of lifecycle operations
// creates or destroys funds.
func TestConservation_RealLedger(t *testing.T) {
	ctx := context.Background()
	wallet := ledger.New(ledger.NewMemoryStore())
	store := NewMemoryStore()
	svc := NewService(store, wallet, scheduleResolver{fees.MustDefault()}, DefaultLimits, slog.Default())

	const deposited = 2_000_000
	if err := wallet.Deposit(ctx, buyer, deposited, "dep-1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// Completed sale.
	txn := mustCreate(t, svc, 500_000, 24)
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	mustApply(t, svc, txn.ID, ActionShip, seller)
	mustApply(t, svc, txn.ID, ActionReceive, buyer)

	// Cancelled deal.
	txn = mustCreate(t, svc, 100_000, 24)
	mustApply(t, svc, txn.ID, ActionCancel, buyer)

	// Disputed deal resolved with a partial refund.
	txn = mustCreate(t, svc, 200_000, 24)
	mustApply(t, svc, txn.ID, ActionConfirm, buyer)
	mustApply(t, svc, txn.ID, ActionShip, seller)
	mustApply(t, svc, txn.ID, ActionDispute, seller)
	if _, err := svc.ResolveDisputed(ctx, txn.ID, OutcomePartialRefund, 50_000); err != nil {
		t.Fatalf("ResolveDisputed failed: %v", err)
	}

	totals, err := wallet.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals.Available+totals.Locked != deposited {
		t.Errorf("conservation violated: available+locked = %d, want %d",
			totals.Available+totals.Locked, deposited)
	}
	if totals.Deposited != deposited {
		t.Errorf("deposited = %d, want %d", totals.Deposited, deposited)
	}
}
