// Package dispute manages dispute records over frozen escrow
// transactions and drives their adjudication.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrDisputeNotOpen  = errors.New("dispute is not open")
	ErrAlreadyOpen     = errors.New("transaction already has an open dispute")
	ErrNotOpener       = errors.New("only the opener may cancel a dispute")
	ErrEmptyReason     = errors.New("dispute reason is required")
	ErrInvalidOutcome  = errors.New("invalid dispute outcome")
)

// Status is the lifecycle state of a dispute record.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// Dispute is a grievance raised by one party of an escrow transaction.
// While a dispute is open the parent transaction is frozen; Result
// records the adjudicated outcome once the dispute is closed.
type Dispute struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	OpenedBy      string     `json:"openedBy"`
	Reason        string     `json:"reason"`
	Evidence      string     `json:"evidence,omitempty"`
	Status        Status     `json:"status"`
	Result        string     `json:"result,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists dispute records.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	GetOpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}
