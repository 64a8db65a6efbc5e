// Package escrow implements the intermediary transaction lifecycle.
//
// Flow:
//  1. Buyer creates a transaction → amount+fee moved: available → locked
//  2. Buyer confirms the deal, seller marks the goods sent
//  3. Buyer marks received → locked funds settle: seller paid, fee retained
//  4. Either party may cancel early (refund minus fee) or dispute
//  5. The reaper force-expires transactions past their deadline
//
// Every transition is validated against an explicit table keyed by
// (current state, action) carrying the required actor role. The ledger
// effect and the record update are the only side effects, and the
// from-state check runs before any ledger mutation begins.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("transition not allowed from current state")
	ErrUnauthorized        = errors.New("actor is not a party to this transaction")
	ErrSameParty           = errors.New("buyer and seller cannot be the same customer")
	ErrInvalidDuration     = errors.New("duration out of allowed range")
	ErrNotDisputed         = errors.New("transaction is not disputed")
)

// State is a transaction lifecycle state.
type State string

const (
	StatePending    State = "pending"     // created, funds locked, awaiting buyer confirmation
	StateConfirmed  State = "confirmed"   // buyer confirmed the deal terms
	StateSellerSent State = "seller_sent" // seller marked the goods sent
	StateDisputed   State = "disputed"    // a party disputed; frozen pending adjudication
	StateCompleted  State = "completed"   // terminal: seller paid
	StateCancelled  State = "cancelled"   // terminal: buyer refunded minus fee
	StateExpired    State = "expired"     // terminal: reaper-forced, same refund as cancel
)

// stateMeta is per-state display metadata.
type stateMeta struct {
	Label    string
	Terminal bool
}

var stateMetadata = map[State]stateMeta{
	StatePending:    {Label: "Awaiting confirmation"},
	StateConfirmed:  {Label: "Confirmed"},
	StateSellerSent: {Label: "Sent by seller"},
	StateDisputed:   {Label: "Under dispute"},
	StateCompleted:  {Label: "Completed", Terminal: true},
	StateCancelled:  {Label: "Cancelled", Terminal: true},
	StateExpired:    {Label: "Expired", Terminal: true},
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return stateMetadata[s].Terminal
}

// Label returns the human-readable state name.
func (s State) Label() string {
	return stateMetadata[s].Label
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateMetadata[s]
	return ok
}

// Action is a party-initiated transition request.
type Action string

const (
	ActionConfirm Action = "confirm" // buyer accepts the deal terms
	ActionShip    Action = "ship"    // seller marks the goods sent
	ActionReceive Action = "receive" // buyer confirms receipt, settles to seller
	ActionCancel  Action = "cancel"  // either party backs out early
	ActionDispute Action = "dispute" // either party freezes the deal
)

// Role restricts who may perform a transition.
type Role int

const (
	RoleBuyer Role = iota
	RoleSeller
	RoleEither
)

// effect names the ledger mutation a transition performs.
type effect int

const (
	effectNone effect = iota
	effectSettleSale
	effectSettleRefund
)

// transition is one edge of the state graph.
type transition struct {
	To     State
	Role   Role
	Effect effect
}

// transitions is the full party-driven state graph. Expiry and dispute
// resolution are system/admin entry points and do not appear here.
var transitions = map[State]map[Action]transition{
	StatePending: {
		ActionConfirm: {To: StateConfirmed, Role: RoleBuyer},
		ActionCancel:  {To: StateCancelled, Role: RoleEither, Effect: effectSettleRefund},
	},
	StateConfirmed: {
		ActionShip:    {To: StateSellerSent, Role: RoleSeller},
		ActionCancel:  {To: StateCancelled, Role: RoleEither, Effect: effectSettleRefund},
		ActionDispute: {To: StateDisputed, Role: RoleEither},
	},
	StateSellerSent: {
		ActionReceive: {To: StateCompleted, Role: RoleBuyer, Effect: effectSettleSale},
		ActionDispute: {To: StateDisputed, Role: RoleEither},
	},
}

// sweepableStates are the only states the expiry reaper may touch. A
// disputed transaction is never swept.
var sweepableStates = map[State]bool{
	StatePending:    true,
	StateConfirmed:  true,
	StateSellerSent: true,
}

// Transaction is one intermediary deal. Terminal records are retained
// forever as an audit trail.
type Transaction struct {
	ID            string `json:"id"`
	BuyerID       string `json:"buyerId"`
	SellerID      string `json:"sellerId"`
	Amount        int64  `json:"amount"`
	Fee           int64  `json:"fee"` // fixed at creation from the fee schedule
	PointsReward  int64  `json:"pointsReward"`
	Description   string `json:"description,omitempty"`
	DurationHours int64  `json:"durationHours"`
	State         State  `json:"state"`
	StateLabel    string `json:"stateLabel"`
	// PriorState remembers where a disputed transaction came from, so a
	// no-action resolution can put it back.
	PriorState State `json:"priorState,omitempty"`

	ExpiresAt       time.Time  `json:"expiresAt"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	SellerSentAt    *time.Time `json:"sellerSentAt,omitempty"`
	BuyerReceivedAt *time.Time `json:"buyerReceivedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	DisputedAt      *time.Time `json:"disputedAt,omitempty"`
	ExpiredAt       *time.Time `json:"expiredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// LockedTotal is the sum held against this transaction.
func (t *Transaction) LockedTotal() int64 {
	return t.Amount + t.Fee
}

// IsParty reports whether customerID is the buyer or seller.
func (t *Transaction) IsParty(customerID string) bool {
	return customerID == t.BuyerID || customerID == t.SellerID
}

// roleAllowed checks the acting side against the transition's role.
func (t *Transaction) roleAllowed(role Role, actorID string) bool {
	switch role {
	case RoleBuyer:
		return actorID == t.BuyerID
	case RoleSeller:
		return actorID == t.SellerID
	default:
		return t.IsParty(actorID)
	}
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Transaction, error)
	// ListExpired returns sweepable-state transactions whose expiry
	// deadline passed before the given instant.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}

// LedgerService abstracts wallet operations so escrow doesn't import ledger.
type LedgerService interface {
	Lock(ctx context.Context, customerID string, amount int64, reference string) error
	Unlock(ctx context.Context, customerID string, amount int64, reference string) error
	SettleSale(ctx context.Context, buyerID, sellerID string, amount, fee int64, reference string) error
	SettleRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error
	SettleExpiredRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error
	SettleDisputeRefund(ctx context.Context, buyerID string, amount, fee int64, reference string) error
	SettleSplit(ctx context.Context, buyerID, sellerID string, buyerCredit, sellerCredit, fee int64, reference string) error
}

// FeeResolver quotes the fee and point reward for a prospective deal.
type FeeResolver interface {
	Resolve(amount, durationHours int64) (fee, points int64, err error)
}

// Notifier receives fire-and-forget state change events.
type Notifier interface {
	TransactionStateChanged(t *Transaction, from State, action string)
}

// Rewarder credits completion points, best effort.
type Rewarder interface {
	RewardCompletion(ctx context.Context, buyerID, transactionID string, points int64) error
}

// PartyChecker validates that both parties can transact.
type PartyChecker interface {
	RequireActive(ctx context.Context, customerID string) error
}
