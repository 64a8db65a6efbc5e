// Package customer manages platform account records.
//
// A customer is never deleted, only deactivated; escrow transactions and
// ledger entries keep referencing the record for audit. Registration
// provisions the wallet and point balance rows so every active customer
// always has both.
package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/safedeal/safedeal/internal/idgen"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrCustomerInactive = errors.New("customer is deactivated")
	ErrReferrerNotFound = errors.New("referrer not found")
	ErrReferrerInactive = errors.New("referrer is deactivated")
	ErrEmptyDisplayName = errors.New("display name is required")
)

// Customer is a platform account.
type Customer struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	ReferredBy    string    `json:"referredBy,omitempty"` // weak link to the referring customer
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
	DeactivatedAt time.Time `json:"deactivatedAt,omitempty"`
}

// Store persists customer records.
type Store interface {
	Create(ctx context.Context, c *Customer) error
	Get(ctx context.Context, id string) (*Customer, error)
	Update(ctx context.Context, c *Customer) error
	List(ctx context.Context, limit, offset int) ([]*Customer, error)
}

// AccountProvisioner creates a zero balance row for a new customer.
// Both the wallet ledger and the point ledger satisfy this.
type AccountProvisioner interface {
	CreateAccount(ctx context.Context, customerID string) error
}

// Service implements customer registration and lifecycle.
type Service struct {
	store    Store
	accounts []AccountProvisioner
	logger   *slog.Logger
}

// NewService creates a customer service. Accounts are provisioned in the
// given order at registration.
func NewService(store Store, logger *slog.Logger, accounts ...AccountProvisioner) *Service {
	return &Service{store: store, accounts: accounts, logger: logger}
}

// Register creates a new active customer and provisions its balance rows.
// referredBy, when set, must name an existing active customer.
func (s *Service) Register(ctx context.Context, displayName, referredBy string) (*Customer, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, ErrEmptyDisplayName
	}
	if referredBy != "" {
		ref, err := s.store.Get(ctx, referredBy)
		if errors.Is(err, ErrCustomerNotFound) {
			return nil, ErrReferrerNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up referrer: %w", err)
		}
		if !ref.Active {
			return nil, ErrReferrerInactive
		}
	}

	c := &Customer{
		ID:          idgen.WithPrefix("cus_"),
		DisplayName: displayName,
		ReferredBy:  referredBy,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	for _, a := range s.accounts {
		if err := a.CreateAccount(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("failed to provision account for %s: %w", c.ID, err)
		}
	}

	s.logger.Info("customer registered", "customer_id", c.ID, "referred_by", referredBy)
	return c, nil
}

// Get returns a customer by id.
func (s *Service) Get(ctx context.Context, id string) (*Customer, error) {
	return s.store.Get(ctx, id)
}

// List returns customers in creation order.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Customer, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, limit, offset)
}

// Deactivate marks a customer inactive. Idempotent.
func (s *Service) Deactivate(ctx context.Context, id string) (*Customer, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return c, nil
	}
	c.Active = false
	c.DeactivatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to deactivate customer: %w", err)
	}
	s.logger.Info("customer deactivated", "customer_id", id)
	return c, nil
}

// RequireActive returns the customer or fails if missing or deactivated.
func (s *Service) RequireActive(ctx context.Context, id string) (*Customer, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, ErrCustomerInactive
	}
	return c, nil
}

// ReferrerOf returns the id of the customer who referred customerID, or
// an empty string when there is none or the referrer has been deactivated.
func (s *Service) ReferrerOf(ctx context.Context, customerID string) (string, error) {
	c, err := s.store.Get(ctx, customerID)
	if err != nil {
		return "", err
	}
	if c.ReferredBy == "" {
		return "", nil
	}
	ref, err := s.store.Get(ctx, c.ReferredBy)
	if errors.Is(err, ErrCustomerNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !ref.Active {
		return "", nil
	}
	return ref.ID, nil
}
