// Package reconciliation periodically verifies fund conservation: every
// unit ever deposited is either available to some customer, locked in
// escrow, or retained in the platform revenue account. Any drift means
// funds were created or destroyed and is treated as an operational
// alert, not a user error.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/safedeal/safedeal/internal/ledger"
	"github.com/safedeal/safedeal/internal/metrics"
	"github.com/safedeal/safedeal/internal/traces"
)

// TotalsProvider returns the aggregate ledger totals.
type TotalsProvider interface {
	Totals(ctx context.Context) (*ledger.Totals, error)
}

// Result holds the outcome of one conservation check.
type Result struct {
	Match     bool      `json:"match"`
	Deposited int64     `json:"deposited"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	Drift     int64     `json:"drift"` // deposited - (available + locked)
	CheckedAt time.Time `json:"checkedAt"`
}

// Checker runs conservation checks against the wallet ledger.
type Checker struct {
	totals TotalsProvider
	logger *slog.Logger
	last   atomic.Pointer[Result]
}

// NewChecker creates a conservation checker.
func NewChecker(totals TotalsProvider, logger *slog.Logger) *Checker {
	return &Checker{totals: totals, logger: logger}
}

// Check compares lifetime deposits against the sum of all balances.
// The platform revenue account is part of the sum, so retained fees do
// not count as drift.
func (c *Checker) Check(ctx context.Context) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Check")
	defer span.End()

	totals, err := c.totals.Totals(ctx)
	if err != nil {
		metrics.ReconciliationChecksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load ledger totals: %w", err)
	}

	drift := totals.Deposited - (totals.Available + totals.Locked)
	result := &Result{
		Match:     drift == 0,
		Deposited: totals.Deposited,
		Available: totals.Available,
		Locked:    totals.Locked,
		Drift:     drift,
		CheckedAt: time.Now().UTC(),
	}
	c.last.Store(result)
	metrics.ReconciliationDrift.Set(float64(drift))

	if !result.Match {
		metrics.ReconciliationChecksTotal.WithLabelValues("drift").Inc()
		c.logger.Error("conservation check failed: ledger drift detected",
			"deposited", totals.Deposited, "available", totals.Available,
			"locked", totals.Locked, "drift", drift)
		return result, nil
	}

	metrics.ReconciliationChecksTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("conservation check passed",
		"deposited", totals.Deposited, "available", totals.Available, "locked", totals.Locked)
	return result, nil
}

// Last returns the most recent check result, or nil before the first run.
func (c *Checker) Last() *Result {
	return c.last.Load()
}
