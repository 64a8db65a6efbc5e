package fees

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// TierStore loads fee tier overrides from persistent storage.
type TierStore interface {
	LoadTiers(ctx context.Context) ([]Tier, error)
}

// Resolver serves fee quotes from the current schedule. The schedule is
// swapped atomically when overrides are reloaded, so Resolve never sees
// a half-updated tier set.
type Resolver struct {
	schedule atomic.Pointer[Schedule]
	store    TierStore // nil when running on the built-in schedule only
	logger   *slog.Logger
}

// NewResolver creates a resolver on the built-in default schedule.
// Pass a nil store to disable persistent overrides.
func NewResolver(store TierStore, logger *slog.Logger) *Resolver {
	r := &Resolver{store: store, logger: logger}
	r.schedule.Store(MustDefault())
	return r
}

// Resolve computes the fee and point reward for the given amount and
// duration against the current schedule.
func (r *Resolver) Resolve(amount, durationHours int64) (*Quote, error) {
	return r.schedule.Load().Resolve(amount, durationHours)
}

// Tiers returns the current ordered tier set.
func (r *Resolver) Tiers() []Tier {
	return r.schedule.Load().Tiers()
}

// Reload replaces the schedule with tiers from the store. An empty tier
// table or a malformed override set leaves the current schedule in
// place, so a bad config row cannot take fee resolution down.
func (r *Resolver) Reload(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	tiers, err := r.store.LoadTiers(ctx)
	if err != nil {
		return err
	}
	if len(tiers) == 0 {
		return nil
	}
	sched, err := NewSchedule(tiers)
	if err != nil {
		r.logger.Error("rejecting malformed fee tier overrides", "error", err)
		return err
	}
	r.schedule.Store(sched)
	r.logger.Info("fee schedule reloaded", "tiers", len(tiers))
	return nil
}

// StartReloader reloads the schedule on an interval until ctx is done.
// Reload failures are logged and retried on the next tick.
func (r *Resolver) StartReloader(ctx context.Context, interval time.Duration) {
	if r.store == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Reload(ctx); err != nil {
					r.logger.Error("fee schedule reload failed", "error", err)
				}
			}
		}
	}()
}
