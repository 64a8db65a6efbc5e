// Package ledger tracks customer wallet balances on the platform.
//
// Every customer has one balance row split into available and locked funds.
// Escrow transactions move money available → locked at creation and release
// the locked funds through a single atomic settlement when the transaction
// reaches a terminal state. All mutations go through the Store primitives;
// no caller ever read-modify-writes a balance field directly.
//
// Balance changes are mirrored into an append-only entry log. Entries with
// direction credit/debit change a customer's net position; hold/release
// entries record available↔locked movement and net to zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/safedeal/safedeal/internal/metrics"
)

var (
	ErrInsufficientFunds = errors.New("insufficient available funds")
	// ErrInsufficientLockedFunds indicates a release exceeding the locked
	// balance. This is an invariant violation (a bug in settlement code,
	// not a user error) and is surfaced to operators via metrics.
	ErrInsufficientLockedFunds = errors.New("insufficient locked funds")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrCustomerNotFound        = errors.New("customer balance not found")
	ErrDuplicateDeposit        = errors.New("deposit already processed")
	ErrSettlementMismatch      = errors.New("settlement legs do not sum to released amount")
)

// PlatformAccount is the reserved balance row that accumulates retained fees.
// Points-to-cash exchanges are also funded from this account so that the
// conservation check (deposits == sum of balances) stays exact.
const PlatformAccount = "platform"

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit        EntryType = "deposit"
	EntryEscrowLock     EntryType = "escrow_lock"
	EntryEscrowUnlock   EntryType = "escrow_unlock"
	EntryEscrowRelease  EntryType = "escrow_release"
	EntrySaleProceeds   EntryType = "sale_proceeds"
	EntryRefund         EntryType = "refund"
	EntryExpiredRefund  EntryType = "expired_refund"
	EntryDisputeRefund  EntryType = "dispute_refund"
	EntryFee            EntryType = "fee"
	EntryPointsExchange EntryType = "points_exchange"
)

// Direction describes how an entry affects the customer's net position.
type Direction string

const (
	DirCredit  Direction = "credit"  // increases available
	DirDebit   Direction = "debit"   // decreases available or locked
	DirHold    Direction = "hold"    // available → locked, net zero
	DirRelease Direction = "release" // locked → available, net zero
)

// Entry is an immutable record of a single balance movement.
type Entry struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	Type        EntryType `json:"type"`
	Direction   Direction `json:"direction"`
	Amount      int64     `json:"amount"` // always positive, smallest currency unit
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance is a customer's wallet balance.
type Balance struct {
	CustomerID string    `json:"customerId"`
	Available  int64     `json:"available"`
	Locked     int64     `json:"locked"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Totals aggregates the whole ledger for reconciliation.
type Totals struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
	Deposited int64 `json:"deposited"` // lifetime confirmed deposits
}

// Settlement describes the atomic release of a payer's locked funds. The
// released amount is split between a refund to the payer, a credit to the
// payee, and the fee retained by the platform; the three legs must sum to
// LockedAmount exactly.
type Settlement struct {
	PayerID        string
	PayeeID        string // may be empty when PayeeCredit is zero
	LockedAmount   int64
	PayerCredit    int64
	PayeeCredit    int64
	Fee            int64
	PayerEntryType EntryType // entry type for the payer's credit leg
	PayeeEntryType EntryType // entry type for the payee's credit leg
	Reference      string
}

// Validate checks the settlement legs for internal consistency.
func (s Settlement) Validate() error {
	if s.PayerID == "" || s.LockedAmount <= 0 {
		return ErrInvalidAmount
	}
	if s.PayerCredit < 0 || s.PayeeCredit < 0 || s.Fee < 0 {
		return ErrInvalidAmount
	}
	if s.PayeeCredit > 0 && s.PayeeID == "" {
		return ErrSettlementMismatch
	}
	if s.PayerCredit+s.PayeeCredit+s.Fee != s.LockedAmount {
		return ErrSettlementMismatch
	}
	return nil
}

// Store persists balances and the entry log. Implementations must serialize
// concurrent mutations to the same customer's balance and must never let
// available or locked go negative.
type Store interface {
	CreateAccount(ctx context.Context, customerID string) error
	GetBalance(ctx context.Context, customerID string) (*Balance, error)
	Lock(ctx context.Context, customerID string, amount int64, reference string) error
	Unlock(ctx context.Context, customerID string, amount int64, reference string) error
	Settle(ctx context.Context, s Settlement) error
	Credit(ctx context.Context, customerID string, amount int64, entryType EntryType, reference, description string) error
	Debit(ctx context.Context, customerID string, amount int64, entryType EntryType, reference, description string) error
	Deposit(ctx context.Context, customerID string, amount int64, externalRef string) error
	HasDeposit(ctx context.Context, externalRef string) (bool, error)
	History(ctx context.Context, customerID string, limit int) ([]*Entry, error)
	Totals(ctx context.Context) (*Totals, error)
}

// Ledger manages customer balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// CreateAccount ensures a zero balance row exists for the customer.
func (l *Ledger) CreateAccount(ctx context.Context, customerID string) error {
	return l.store.CreateAccount(ctx, customerID)
}

// GetBalance returns a customer's current balance.
func (l *Ledger) GetBalance(ctx context.Context, customerID string) (*Balance, error) {
	return l.store.GetBalance(ctx, customerID)
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(ctx context.Context, customerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Lock(ctx, customerID, amount, reference); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(EntryEscrowLock)).Inc()
	return nil
}

// Unlock moves amount from locked back to available. Used only as a
// compensation step when escrow record creation fails after funds were
// locked; normal releases go through Settle.
func (l *Ledger) Unlock(ctx context.Context, customerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := l.store.Unlock(ctx, customerID, amount, reference)
	if errors.Is(err, ErrInsufficientLockedFunds) {
		metrics.LedgerInvariantViolationsTotal.Inc()
	}
	if err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(EntryEscrowUnlock)).Inc()
	return nil
}

// Settle atomically releases a payer's locked funds and distributes them
// between payer refund, payee credit, and the platform fee account.
func (l *Ledger) Settle(ctx context.Context, s Settlement) error {
	if err := s.Validate(); err != nil {
		return err
	}
	err := l.store.Settle(ctx, s)
	if errors.Is(err, ErrInsufficientLockedFunds) {
		metrics.LedgerInvariantViolationsTotal.Inc()
	}
	if err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(EntryEscrowRelease)).Inc()
	return nil
}

// Deposit credits a customer's available balance from a confirmed gateway
// payment. The external reference deduplicates replayed callbacks.
func (l *Ledger) Deposit(ctx context.Context, customerID string, amount int64, externalRef string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if externalRef == "" {
		return fmt.Errorf("deposit requires an external reference")
	}
	exists, err := l.store.HasDeposit(ctx, externalRef)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}
	if err := l.store.Deposit(ctx, customerID, amount, externalRef); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(EntryDeposit)).Inc()
	return nil
}

// Credit adds funds to a customer's available balance with an audit entry.
func (l *Ledger) Credit(ctx context.Context, customerID string, amount int64, entryType EntryType, reference, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Credit(ctx, customerID, amount, entryType, reference, description); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(entryType)).Inc()
	return nil
}

// Debit removes funds from a customer's available balance with an audit entry.
func (l *Ledger) Debit(ctx context.Context, customerID string, amount int64, entryType EntryType, reference, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Debit(ctx, customerID, amount, entryType, reference, description); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(entryType)).Inc()
	return nil
}

// SettleSale releases amount+fee of the buyer's locked funds, crediting
// the seller with the sale proceeds and the platform with the fee. The
// buyer gets nothing back; the fee was paid at lock time.
func (l *Ledger) SettleSale(ctx context.Context, buyerID, sellerID string, amount, fee int64, reference string) error {
	err := l.Settle(ctx, Settlement{
		PayerID:        buyerID,
		PayeeID:        sellerID,
		LockedAmount:   amount + fee,
		PayeeCredit:    amount,
		Fee:            fee,
		PayeeEntryType: EntrySaleProceeds,
		Reference:      reference,
	})
	if err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues("sale").Inc()
	return nil
}

// SettleRefund releases the buyer's locked amount+fee and returns the
// amount only; the fee is retained by the platform.
func (l *Ledger) SettleRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error {
	return l.settleRefund(ctx, buyerID, amount, fee, EntryRefund, "refund", reference)
}

// SettleExpiredRefund is SettleRefund for reaper-forced expiry.
func (l *Ledger) SettleExpiredRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error {
	return l.settleRefund(ctx, buyerID, amount, fee, EntryExpiredRefund, "expired_refund", reference)
}

// SettleDisputeRefund is SettleRefund for buyer-favor dispute outcomes.
func (l *Ledger) SettleDisputeRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error {
	return l.settleRefund(ctx, buyerID, amount, fee, EntryDisputeRefund, "dispute_refund", reference)
}

func (l *Ledger) settleRefund(ctx context.Context, buyerID string, amount, fee int64, entryType EntryType, label, reference string) error {
	err := l.Settle(ctx, Settlement{
		PayerID:        buyerID,
		LockedAmount:   amount + fee,
		PayerCredit:    amount,
		Fee:            fee,
		PayerEntryType: entryType,
		Reference:      reference,
	})
	if err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues(label).Inc()
	return nil
}

// SettleSplit divides the buyer's locked funds between both parties, for
// partial-refund dispute outcomes. buyerCredit+sellerCredit+fee must
// equal the locked amount+fee.
func (l *Ledger) SettleSplit(ctx context.Context, buyerID, sellerID string, buyerCredit, sellerCredit, fee int64, reference string) error {
	err := l.Settle(ctx, Settlement{
		PayerID:        buyerID,
		PayeeID:        sellerID,
		LockedAmount:   buyerCredit + sellerCredit + fee,
		PayerCredit:    buyerCredit,
		PayeeCredit:    sellerCredit,
		Fee:            fee,
		PayerEntryType: EntryDisputeRefund,
		PayeeEntryType: EntrySaleProceeds,
		Reference:      reference,
	})
	if err != nil {
		return err
	}
	metrics.SettlementsTotal.WithLabelValues("split").Inc()
	return nil
}

// ExchangeFromPlatform funds a points-to-cash exchange. The platform
// revenue account is debited and the customer credited, so the
// conservation property (deposits equal the sum of all balances) is
// preserved. Fails with ErrInsufficientFunds when accumulated fees do
// not cover the exchange.
func (l *Ledger) ExchangeFromPlatform(ctx context.Context, customerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.Debit(ctx, PlatformAccount, amount, EntryPointsExchange, reference, "points exchange payout"); err != nil {
		return err
	}
	if err := l.Credit(ctx, customerID, amount, EntryPointsExchange, reference, "points exchanged for cash"); err != nil {
		// Compensate the platform debit so no value is destroyed.
		if cerr := l.Credit(ctx, PlatformAccount, amount, EntryPointsExchange, reference, "points exchange payout reversed"); cerr != nil {
			metrics.LedgerInvariantViolationsTotal.Inc()
			return fmt.Errorf("failed to reverse platform debit after credit failure: %v (original: %w)", cerr, err)
		}
		return err
	}
	return nil
}

// History returns ledger entries for a customer, newest first.
func (l *Ledger) History(ctx context.Context, customerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, customerID, limit)
}

// Totals returns ledger-wide aggregates for reconciliation.
func (l *Ledger) Totals(ctx context.Context) (*Totals, error) {
	return l.store.Totals(ctx)
}
