package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/safedeal/safedeal/internal/escrow"
	"github.com/safedeal/safedeal/internal/idgen"
	"github.com/safedeal/safedeal/internal/traces"
)

// TransactionService is the slice of the escrow service the dispute
// resolver drives: freezing a transaction and applying an adjudicated
// outcome.
type TransactionService interface {
	Get(ctx context.Context, id string) (*escrow.Transaction, error)
	Apply(ctx context.Context, id string, action escrow.Action, actorID string) (*escrow.Transaction, error)
	ResolveDisputed(ctx context.Context, id string, outcome escrow.Outcome, partialAmount int64) (*escrow.Transaction, error)
}

// Service implements dispute lifecycle management.
type Service struct {
	store        Store
	transactions TransactionService
	logger       *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, transactions TransactionService, logger *slog.Logger) *Service {
	return &Service{store: store, transactions: transactions, logger: logger}
}

// Open raises a dispute on a transaction. The escrow transition runs
// first; it enforces that the opener is a party and that the current
// state allows disputing. If the dispute record cannot be written the
// freeze is reverted so the transaction is not left stuck.
func (s *Service) Open(ctx context.Context, transactionID, openerID, reason, evidence string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		traces.TransactionID(transactionID), traces.CustomerID(openerID))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrEmptyReason
	}

	if existing, err := s.store.GetOpenByTransaction(ctx, transactionID); err == nil && existing != nil {
		return nil, ErrAlreadyOpen
	} else if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, fmt.Errorf("failed to check for open dispute: %w", err)
	}

	if _, err := s.transactions.Apply(ctx, transactionID, escrow.ActionDispute, openerID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: transactionID,
		OpenedBy:      openerID,
		Reason:        reason,
		Evidence:      strings.TrimSpace(evidence),
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		// Unfreeze so the transaction does not stay disputed with no
		// record to adjudicate.
		if _, rerr := s.transactions.ResolveDisputed(ctx, transactionID, escrow.OutcomeNoAction, 0); rerr != nil {
			s.logger.Error("CRITICAL: transaction frozen but dispute record creation failed; requires manual resolution",
				"transaction_id", transactionID, "create_error", err, "restore_error", rerr)
		}
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "transaction_id", transactionID, "opened_by", openerID)
	return d, nil
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// Transaction returns the parent transaction of a dispute.
func (s *Service) Transaction(ctx context.Context, d *Dispute) (*escrow.Transaction, error) {
	return s.transactions.Get(ctx, d.TransactionID)
}

// ListOpen returns open disputes for the admin queue, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// Cancel withdraws an open dispute. Only the opener may cancel; the
// parent transaction is restored to its pre-dispute state.
func (s *Service) Cancel(ctx context.Context, disputeID, actorID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Cancel", traces.DisputeID(disputeID))
	defer span.End()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}
	if d.OpenedBy != actorID {
		return nil, ErrNotOpener
	}

	if _, err := s.transactions.ResolveDisputed(ctx, d.TransactionID, escrow.OutcomeNoAction, 0); err != nil {
		return nil, fmt.Errorf("failed to restore transaction state: %w", err)
	}

	now := time.Now().UTC()
	d.Status = StatusCancelled
	d.Result = "withdrawn"
	d.ResolvedBy = actorID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.persistClosed(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("dispute withdrawn", "dispute_id", d.ID, "transaction_id", d.TransactionID)
	return d, nil
}

// Resolve applies an admin adjudication to an open dispute. The escrow
// settlement commits first; the record update is retried once and a
// failure is flagged for manual resolution.
func (s *Service) Resolve(ctx context.Context, disputeID string, outcome escrow.Outcome, adminID string, partialAmount int64) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DisputeID(disputeID), traces.Action(string(outcome)))
	defer span.End()

	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrDisputeNotOpen
	}

	if _, err := s.transactions.ResolveDisputed(ctx, d.TransactionID, outcome, partialAmount); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d.Status = StatusResolved
	d.Result = string(outcome)
	d.ResolvedBy = adminID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.persistClosed(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("dispute resolved",
		"dispute_id", d.ID, "transaction_id", d.TransactionID,
		"outcome", outcome, "resolved_by", adminID)
	return d, nil
}

// persistClosed updates a closed dispute record after the escrow side
// already committed.
func (s *Service) persistClosed(ctx context.Context, d *Dispute) error {
	err := s.store.Update(ctx, d)
	if err == nil {
		return nil
	}
	if retryErr := s.store.Update(ctx, d); retryErr != nil {
		s.logger.Error("CRITICAL: dispute outcome applied but record update failed; requires manual resolution",
			"dispute_id", d.ID, "transaction_id", d.TransactionID, "error", retryErr)
		return fmt.Errorf("failed to update dispute after settlement (requires manual resolution): %w", err)
	}
	return nil
}
