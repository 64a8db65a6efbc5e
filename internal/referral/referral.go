// Package referral credits point rewards when a transaction completes
// through buyer-confirmed receipt: the buyer earns the tier's point
// reward, and the buyer's referrer, if any, earns a matching bonus.
// Both credits are best effort; a failure never unwinds the funds
// settlement that already committed.
package referral

import (
	"context"
	"log/slog"

	"github.com/safedeal/safedeal/internal/metrics"
	"github.com/safedeal/safedeal/internal/points"
)

// PointsCrediter is the slice of the point service the engine uses.
type PointsCrediter interface {
	Credit(ctx context.Context, customerID string, pts int64, entryType points.EntryType, reference string) error
}

// ReferrerLookup resolves a customer's referrer. An empty id means the
// customer has no active referrer.
type ReferrerLookup interface {
	ReferrerOf(ctx context.Context, customerID string) (string, error)
}

// Engine implements the completion reward hook consumed by the escrow
// service.
type Engine struct {
	points    PointsCrediter
	customers ReferrerLookup
	logger    *slog.Logger
}

// NewEngine creates a referral bonus engine.
func NewEngine(points PointsCrediter, customers ReferrerLookup, logger *slog.Logger) *Engine {
	return &Engine{points: points, customers: customers, logger: logger}
}

// RewardCompletion credits the buyer's transaction reward and the
// referrer's bonus. Each leg fails independently; errors are logged and
// the first one is returned so the caller can record the failure, but
// callers must treat it as non-fatal.
func (e *Engine) RewardCompletion(ctx context.Context, buyerID, transactionID string, pts int64) error {
	if pts <= 0 {
		return nil
	}

	var firstErr error
	if err := e.points.Credit(ctx, buyerID, pts, points.EntryTransactionReward, transactionID); err != nil {
		e.logger.Warn("failed to credit buyer reward points",
			"buyer", buyerID, "transaction_id", transactionID, "error", err)
		metrics.ReferralBonusesTotal.WithLabelValues("error").Inc()
		firstErr = err
	}

	referrerID, err := e.customers.ReferrerOf(ctx, buyerID)
	if err != nil {
		e.logger.Warn("failed to look up referrer",
			"buyer", buyerID, "transaction_id", transactionID, "error", err)
		metrics.ReferralBonusesTotal.WithLabelValues("error").Inc()
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	if referrerID == "" {
		metrics.ReferralBonusesTotal.WithLabelValues("no_referrer").Inc()
		return firstErr
	}

	if err := e.points.Credit(ctx, referrerID, pts, points.EntryReferralBonus, transactionID); err != nil {
		e.logger.Warn("failed to credit referral bonus",
			"referrer", referrerID, "buyer", buyerID, "transaction_id", transactionID, "error", err)
		metrics.ReferralBonusesTotal.WithLabelValues("error").Inc()
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	metrics.ReferralBonusesTotal.WithLabelValues("credited").Inc()
	e.logger.Info("referral bonus credited",
		"referrer", referrerID, "buyer", buyerID, "transaction_id", transactionID, "points", pts)
	return firstErr
}
