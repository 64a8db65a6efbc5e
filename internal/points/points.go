// Package points implements the point ledger.
//
// Points are a separate currency from wallet funds: they are awarded for
// completed transactions and referral bonuses, and can be exchanged for
// wallet credit at a fixed rate. The point ledger mirrors the wallet
// ledger's shape, an aggregate balance per customer plus an append-only
// entry log.
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrInvalidPoints      = errors.New("invalid point amount")
	ErrAccountNotFound    = errors.New("point account not found")
)

// EntryType classifies a point ledger entry.
type EntryType string

const (
	EntryTransactionReward EntryType = "transaction_reward"
	EntryReferralBonus     EntryType = "referral_bonus"
	EntryExchange          EntryType = "exchange"
)

// Balance is a customer's point balance.
type Balance struct {
	CustomerID string    `json:"customerId"`
	Points     int64     `json:"points"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Entry records a single point credit or debit.
type Entry struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	Type       EntryType `json:"type"`
	Points     int64     `json:"points"` // positive for credit, negative for debit
	Reference  string    `json:"reference,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists point balances and entries. Implementations must never
// let a balance go negative.
type Store interface {
	CreateAccount(ctx context.Context, customerID string) error
	GetBalance(ctx context.Context, customerID string) (*Balance, error)
	Credit(ctx context.Context, customerID string, points int64, entryType EntryType, reference string) error
	Debit(ctx context.Context, customerID string, points int64, entryType EntryType, reference string) error
	History(ctx context.Context, customerID string, limit int) ([]*Entry, error)
}

// Wallet funds point exchanges with cash credit from the platform
// revenue account.
type Wallet interface {
	ExchangeFromPlatform(ctx context.Context, customerID string, amount int64, reference string) error
}

// Service manages point balances and the points-to-cash exchange.
type Service struct {
	store        Store
	wallet       Wallet
	exchangeRate int64 // smallest currency units per point
	logger       *slog.Logger
}

// NewService creates a point service. exchangeRate is the cash value of
// one point in smallest currency units.
func NewService(store Store, wallet Wallet, exchangeRate int64, logger *slog.Logger) *Service {
	return &Service{store: store, wallet: wallet, exchangeRate: exchangeRate, logger: logger}
}

// CreateAccount ensures a zero point balance row exists.
func (s *Service) CreateAccount(ctx context.Context, customerID string) error {
	return s.store.CreateAccount(ctx, customerID)
}

// GetBalance returns a customer's point balance.
func (s *Service) GetBalance(ctx context.Context, customerID string) (*Balance, error) {
	return s.store.GetBalance(ctx, customerID)
}

// Credit awards points to a customer.
func (s *Service) Credit(ctx context.Context, customerID string, pts int64, entryType EntryType, reference string) error {
	if pts <= 0 {
		return ErrInvalidPoints
	}
	return s.store.Credit(ctx, customerID, pts, entryType, reference)
}

// ExchangeResult reports a completed points-to-cash exchange.
type ExchangeResult struct {
	Points     int64 `json:"points"`
	CashAmount int64 `json:"cashAmount"`
}

// Exchange converts points into wallet credit at the configured rate.
// The point debit happens first; if the wallet leg fails the points are
// restored, so a failed exchange never strands value on either side.
func (s *Service) Exchange(ctx context.Context, customerID string, pts int64, reference string) (*ExchangeResult, error) {
	if pts <= 0 {
		return nil, ErrInvalidPoints
	}
	cash := pts * s.exchangeRate

	if err := s.store.Debit(ctx, customerID, pts, EntryExchange, reference); err != nil {
		return nil, err
	}
	if err := s.wallet.ExchangeFromPlatform(ctx, customerID, cash, reference); err != nil {
		if cerr := s.store.Credit(ctx, customerID, pts, EntryExchange, reference); cerr != nil {
			s.logger.Error("failed to restore points after wallet failure",
				"customer_id", customerID, "points", pts, "error", cerr)
			return nil, fmt.Errorf("failed to restore points: %v (original: %w)", cerr, err)
		}
		return nil, err
	}

	s.logger.Info("points exchanged", "customer_id", customerID, "points", pts, "cash", cash)
	return &ExchangeResult{Points: pts, CashAmount: cash}, nil
}

// History returns point entries for a customer, newest first.
func (s *Service) History(ctx context.Context, customerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, customerID, limit)
}
