package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/safedeal/safedeal/internal/idgen"
	"github.com/safedeal/safedeal/internal/metrics"
	"github.com/safedeal/safedeal/internal/syncutil"
	"github.com/safedeal/safedeal/internal/traces"
)

// Limits bounds transaction creation and sweeping.
type Limits struct {
	MinDurationHours int64
	MaxDurationHours int64
	GraceWindow      time.Duration // extra slack past expires_at before the reaper acts
}

// DefaultLimits matches the product defaults: 1 hour to 1 week, with an
// hour of grace.
var DefaultLimits = Limits{
	MinDurationHours: 1,
	MaxDurationHours: 168,
	GraceWindow:      time.Hour,
}

// Service implements the transaction lifecycle.
type Service struct {
	store    Store
	ledger   LedgerService
	fees     FeeResolver
	limits   Limits
	logger   *slog.Logger
	locks    *syncutil.KeyMutex
	notifier Notifier     // optional
	rewarder Rewarder     // optional
	parties  PartyChecker // optional
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService, fees FeeResolver, limits Limits, logger *slog.Logger) *Service {
	if limits.MinDurationHours <= 0 {
		limits = DefaultLimits
	}
	return &Service{
		store:  store,
		ledger: ledger,
		fees:   fees,
		limits: limits,
		logger: logger,
		locks:  syncutil.NewKeyMutex(),
	}
}

// WithNotifier adds a state change event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithRewarder adds the completion point hook.
func (s *Service) WithRewarder(r Rewarder) *Service {
	s.rewarder = r
	return s
}

// WithPartyChecker adds customer existence/activity validation.
func (s *Service) WithPartyChecker(p PartyChecker) *Service {
	s.parties = p
	return s
}

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	BuyerID       string `json:"-"` // the authenticated caller
	SellerID      string `json:"sellerId" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	Description   string `json:"description"`
	DurationHours int64  `json:"durationHours" binding:"required"`
}

// Create resolves the fee, locks the buyer's funds, and records the
// transaction in Pending. The lock happens first; if the record cannot
// be written the lock is reversed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.CustomerID(req.BuyerID), traces.Amount(req.Amount))
	defer span.End()

	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}
	if req.DurationHours < s.limits.MinDurationHours || req.DurationHours > s.limits.MaxDurationHours {
		return nil, ErrInvalidDuration
	}
	if s.parties != nil {
		if err := s.parties.RequireActive(ctx, req.BuyerID); err != nil {
			return nil, err
		}
		if err := s.parties.RequireActive(ctx, req.SellerID); err != nil {
			return nil, err
		}
	}

	fee, points, err := s.fees.Resolve(req.Amount, req.DurationHours)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		Amount:        req.Amount,
		Fee:           fee,
		PointsReward:  points,
		Description:   req.Description,
		DurationHours: req.DurationHours,
		State:         StatePending,
		StateLabel:    StatePending.Label(),
		ExpiresAt:     now.Add(time.Duration(req.DurationHours) * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.ledger.Lock(ctx, t.BuyerID, t.LockedTotal(), t.ID); err != nil {
		return nil, fmt.Errorf("failed to lock funds: %w", err)
	}
	if err := s.store.Create(ctx, t); err != nil {
		// Reverse the lock so the buyer's funds are not stranded.
		if uerr := s.ledger.Unlock(ctx, t.BuyerID, t.LockedTotal(), t.ID); uerr != nil {
			s.logger.Error("failed to unlock funds after create failure",
				"transaction_id", t.ID, "error", uerr)
		}
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	metrics.EscrowsCreatedTotal.Inc()
	s.logger.Info("transaction created",
		"transaction_id", t.ID, "buyer", t.BuyerID, "seller", t.SellerID,
		"amount", t.Amount, "fee", t.Fee, "expires_at", t.ExpiresAt)
	return t, nil
}

// Apply performs a party-initiated transition. The from-state and actor
// checks run before any ledger mutation, so a rejected request has no
// side effects, and a replay after commit is rejected by the from-state
// check rather than settled twice.
func (s *Service) Apply(ctx context.Context, id string, action Action, actorID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Apply",
		traces.TransactionID(id), traces.Action(string(action)), traces.CustomerID(actorID))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(actorID) {
		metrics.TransitionsTotal.WithLabelValues(string(action), "unauthorized").Inc()
		return nil, ErrUnauthorized
	}
	tr, ok := transitions[t.State][action]
	if !ok || !t.roleAllowed(tr.Role, actorID) {
		metrics.TransitionsTotal.WithLabelValues(string(action), "invalid").Inc()
		return nil, ErrInvalidTransition
	}

	from := t.State
	now := time.Now().UTC()

	switch tr.Effect {
	case effectSettleSale:
		if err := s.ledger.SettleSale(ctx, t.BuyerID, t.SellerID, t.Amount, t.Fee, t.ID); err != nil {
			metrics.TransitionsTotal.WithLabelValues(string(action), "error").Inc()
			return nil, fmt.Errorf("failed to settle sale: %w", err)
		}
	case effectSettleRefund:
		if err := s.ledger.SettleRefund(ctx, t.BuyerID, t.Amount, t.Fee, t.ID); err != nil {
			metrics.TransitionsTotal.WithLabelValues(string(action), "error").Inc()
			return nil, fmt.Errorf("failed to settle refund: %w", err)
		}
	}

	t.State = tr.To
	t.StateLabel = tr.To.Label()
	t.UpdatedAt = now
	switch action {
	case ActionConfirm:
		t.ConfirmedAt = &now
	case ActionShip:
		t.SellerSentAt = &now
	case ActionReceive:
		t.BuyerReceivedAt = &now
		t.CompletedAt = &now
	case ActionCancel:
		t.CancelledAt = &now
	case ActionDispute:
		t.DisputedAt = &now
		t.PriorState = from
	}

	if err := s.persistAfterEffect(ctx, t, tr.Effect != effectNone); err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(action), "error").Inc()
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(action), "ok").Inc()
	s.logger.Info("transaction transitioned",
		"transaction_id", t.ID, "from", from, "to", t.State, "action", action, "actor", actorID)

	s.notify(t, from, string(action))
	if action == ActionReceive {
		s.reward(ctx, t)
	}
	return t, nil
}

// persistAfterEffect updates the record. When funds already moved the
// update is retried once and a failure is logged for manual resolution
// rather than compensated with a guessed inverse.
func (s *Service) persistAfterEffect(ctx context.Context, t *Transaction, fundsMoved bool) error {
	err := s.store.Update(ctx, t)
	if err == nil {
		return nil
	}
	if !fundsMoved {
		return err
	}
	if retryErr := s.store.Update(ctx, t); retryErr != nil {
		s.logger.Error("CRITICAL: funds settled but record update failed; requires manual resolution",
			"transaction_id", t.ID, "state", t.State, "error", retryErr)
		return fmt.Errorf("failed to update transaction after settlement (requires manual resolution): %w", err)
	}
	return nil
}

// notify delivers a state change event, fire and forget.
func (s *Service) notify(t *Transaction, from State, action string) {
	if s.notifier == nil {
		return
	}
	s.notifier.TransactionStateChanged(t, from, action)
}

// reward credits completion points. A failure here never rolls back the
// settlement that already committed.
func (s *Service) reward(ctx context.Context, t *Transaction) {
	if s.rewarder == nil || t.PointsReward <= 0 {
		return
	}
	if err := s.rewarder.RewardCompletion(ctx, t.BuyerID, t.ID, t.PointsReward); err != nil {
		s.logger.Warn("completion reward failed",
			"transaction_id", t.ID, "buyer", t.BuyerID, "error", err)
	}
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByCustomer returns transactions the customer participates in.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByCustomer(ctx, customerID, limit)
}

// Sweep force-expires transactions past expires_at plus the grace
// window, refunding the buyer the amount only. A per-transaction failure
// is counted and logged but does not abort the batch.
func (s *Service) Sweep(ctx context.Context, limit int) (processed, failed int, err error) {
	if limit <= 0 {
		limit = 100
	}
	metrics.SweepRunsTotal.Inc()

	cutoff := time.Now().UTC().Add(-s.limits.GraceWindow)
	expired, err := s.store.ListExpired(ctx, cutoff, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list expired transactions: %w", err)
	}

	for _, t := range expired {
		if err := s.expire(ctx, t.ID, cutoff); err != nil {
			failed++
			metrics.SweptTransactionsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("failed to expire transaction", "transaction_id", t.ID, "error", err)
			continue
		}
		processed++
		metrics.SweptTransactionsTotal.WithLabelValues("expired").Inc()
	}

	if processed > 0 || failed > 0 {
		s.logger.Info("expiry sweep finished", "processed", processed, "failed", failed)
	}
	return processed, failed, nil
}

// expire performs the forced expiry transition for one transaction.
// State and deadline are re-checked under the per-transaction lock; a
// transition that won the race is simply skipped as no longer eligible.
func (s *Service) expire(ctx context.Context, id string, cutoff time.Time) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sweepableStates[t.State] || !t.ExpiresAt.Before(cutoff) {
		return ErrInvalidTransition
	}

	if err := s.ledger.SettleExpiredRefund(ctx, t.BuyerID, t.Amount, t.Fee, t.ID); err != nil {
		return fmt.Errorf("failed to settle expired refund: %w", err)
	}

	from := t.State
	now := time.Now().UTC()
	t.State = StateExpired
	t.StateLabel = StateExpired.Label()
	t.ExpiredAt = &now
	t.UpdatedAt = now

	if err := s.persistAfterEffect(ctx, t, true); err != nil {
		return err
	}

	s.logger.Info("transaction expired",
		"transaction_id", t.ID, "buyer", t.BuyerID, "amount", t.Amount)
	s.notify(t, from, "expire")
	return nil
}

// Outcome is an admin adjudication of a disputed transaction.
type Outcome string

const (
	OutcomeBuyerFavor    Outcome = "buyer_favor"
	OutcomeSellerFavor   Outcome = "seller_favor"
	OutcomePartialRefund Outcome = "partial_refund"
	OutcomeNoAction      Outcome = "no_action"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeBuyerFavor, OutcomeSellerFavor, OutcomePartialRefund, OutcomeNoAction:
		return true
	}
	return false
}

// ResolveDisputed applies an adjudicated outcome to a disputed
// transaction. Buyer favor refunds the amount and cancels; seller favor
// settles like a normal completion; partial refund splits the amount
// between the parties; no action restores the pre-dispute state and
// leaves the locked funds untouched. Completion through this path never
// triggers the referral reward.
func (s *Service) ResolveDisputed(ctx context.Context, id string, outcome Outcome, partialAmount int64) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDisputed",
		traces.TransactionID(id), traces.Action(string(outcome)))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != StateDisputed {
		return nil, ErrNotDisputed
	}

	from := t.State
	now := time.Now().UTC()

	switch outcome {
	case OutcomeBuyerFavor:
		if err := s.ledger.SettleDisputeRefund(ctx, t.BuyerID, t.Amount, t.Fee, t.ID); err != nil {
			return nil, fmt.Errorf("failed to settle dispute refund: %w", err)
		}
		t.State = StateCancelled
		t.CancelledAt = &now

	case OutcomeSellerFavor:
		if err := s.ledger.SettleSale(ctx, t.BuyerID, t.SellerID, t.Amount, t.Fee, t.ID); err != nil {
			return nil, fmt.Errorf("failed to settle sale: %w", err)
		}
		t.State = StateCompleted
		t.CompletedAt = &now

	case OutcomePartialRefund:
		if partialAmount <= 0 || partialAmount >= t.Amount {
			return nil, fmt.Errorf("%w: partial refund must be between 0 and the amount", ErrInvalidTransition)
		}
		if err := s.ledger.SettleSplit(ctx, t.BuyerID, t.SellerID, partialAmount, t.Amount-partialAmount, t.Fee, t.ID); err != nil {
			return nil, fmt.Errorf("failed to settle split: %w", err)
		}
		t.State = StateCompleted
		t.CompletedAt = &now

	case OutcomeNoAction:
		if !t.PriorState.Valid() || t.PriorState.Terminal() {
			return nil, fmt.Errorf("%w: no recorded prior state", ErrInvalidTransition)
		}
		t.State = t.PriorState
		t.PriorState = ""

	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidTransition, outcome)
	}

	t.StateLabel = t.State.Label()
	t.UpdatedAt = now

	if err := s.persistAfterEffect(ctx, t, outcome != OutcomeNoAction); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Info("dispute outcome applied",
		"transaction_id", t.ID, "outcome", outcome, "state", t.State)
	s.notify(t, from, "resolve_dispute")
	return t, nil
}
