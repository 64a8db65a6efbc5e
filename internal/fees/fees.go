// Package fees resolves escrow fees and point rewards from an ordered
// tier schedule.
//
// A tier covers the amount range [MinAmount, MaxAmount); the last tier
// is open-ended above. All monetary values are integers in the smallest
// currency unit, percentage rates are basis points, so resolution is
// exact integer arithmetic with no floating point anywhere.
package fees

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrNoMatchingTier  = errors.New("no fee tier matches amount")
	ErrBadSchedule     = errors.New("fee schedule is malformed")
)

// Tier is one amount range of the fee schedule.
type Tier struct {
	MinAmount    int64 `json:"minAmount"`
	MaxAmount    int64 `json:"maxAmount"` // exclusive upper bound; 0 means unbounded
	FixedFee     int64 `json:"fixedFee"`
	PercentBps   int64 `json:"percentBps"` // percentage fee in basis points of amount
	DailyBps     int64 `json:"dailyBps"`   // surcharge in basis points of fee, per full day
	PointsReward int64 `json:"pointsReward"`
}

// Contains reports whether amount falls in [MinAmount, MaxAmount).
func (t Tier) Contains(amount int64) bool {
	if amount < t.MinAmount {
		return false
	}
	return t.MaxAmount == 0 || amount < t.MaxAmount
}

// Quote is a resolved fee for one prospective transaction.
type Quote struct {
	Amount        int64 `json:"amount"`
	DurationHours int64 `json:"durationHours"`
	Fee           int64 `json:"fee"`
	PointsReward  int64 `json:"pointsReward"`
}

// DefaultTiers is the built-in fee schedule, used until operators load
// overrides from the tier table.
var DefaultTiers = []Tier{
	{MinAmount: 0, MaxAmount: 100_000, FixedFee: 4_000, PointsReward: 2},
	{MinAmount: 100_000, MaxAmount: 200_001, FixedFee: 6_000, PointsReward: 3},
	{MinAmount: 200_001, MaxAmount: 1_000_001, FixedFee: 10_000, PointsReward: 5},
	{MinAmount: 1_000_001, MaxAmount: 0, FixedFee: 20_000, PercentBps: 100, DailyBps: 500, PointsReward: 10},
}

// Schedule is an immutable, ordered set of non-overlapping tiers.
// Construct with NewSchedule; a Schedule is safe for concurrent use.
type Schedule struct {
	tiers []Tier
}

// NewSchedule validates and orders the tiers. Tiers must not overlap,
// must leave no gap between adjacent ranges, and only the last tier may
// be unbounded.
func NewSchedule(tiers []Tier) (*Schedule, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: empty tier set", ErrBadSchedule)
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinAmount < sorted[j].MinAmount })

	for i, t := range sorted {
		if t.MinAmount < 0 || t.FixedFee < 0 || t.PercentBps < 0 || t.DailyBps < 0 || t.PointsReward < 0 {
			return nil, fmt.Errorf("%w: negative value in tier %d", ErrBadSchedule, i)
		}
		if t.MaxAmount != 0 && t.MaxAmount <= t.MinAmount {
			return nil, fmt.Errorf("%w: tier %d has empty range", ErrBadSchedule, i)
		}
		if i < len(sorted)-1 {
			if t.MaxAmount == 0 {
				return nil, fmt.Errorf("%w: unbounded tier %d is not last", ErrBadSchedule, i)
			}
			if next := sorted[i+1]; t.MaxAmount != next.MinAmount {
				return nil, fmt.Errorf("%w: gap or overlap between tiers %d and %d", ErrBadSchedule, i, i+1)
			}
		}
	}
	return &Schedule{tiers: sorted}, nil
}

// MustDefault returns the built-in schedule. Panics only if DefaultTiers
// is edited into an inconsistent state, which a unit test guards against.
func MustDefault() *Schedule {
	s, err := NewSchedule(DefaultTiers)
	if err != nil {
		panic(err)
	}
	return s
}

// Tiers returns a copy of the ordered tier set.
func (s *Schedule) Tiers() []Tier {
	out := make([]Tier, len(s.tiers))
	copy(out, s.tiers)
	return out
}

// Resolve computes the fee and point reward for a transaction of the
// given amount and duration.
//
// fee = FixedFee + amount * PercentBps / 10000, and for durations of a
// full day or more a surcharge of fee * DailyBps / 10000 is added once
// per full 24 hours. An amount exactly on a tier boundary belongs to
// the tier whose MinAmount equals it.
func (s *Schedule) Resolve(amount, durationHours int64) (*Quote, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if durationHours < 0 {
		return nil, ErrInvalidDuration
	}
	tier, ok := s.match(amount)
	if !ok {
		return nil, ErrNoMatchingTier
	}

	fee := tier.FixedFee + amount*tier.PercentBps/10_000
	if durationHours >= 24 && tier.DailyBps > 0 {
		fee += fee * tier.DailyBps / 10_000 * (durationHours / 24)
	}

	return &Quote{
		Amount:        amount,
		DurationHours: durationHours,
		Fee:           fee,
		PointsReward:  tier.PointsReward,
	}, nil
}

func (s *Schedule) match(amount int64) (Tier, bool) {
	i := sort.Search(len(s.tiers), func(i int) bool {
		t := s.tiers[i]
		return t.MaxAmount == 0 || amount < t.MaxAmount
	})
	if i == len(s.tiers) || !s.tiers[i].Contains(amount) {
		return Tier{}, false
	}
	return s.tiers[i], true
}
