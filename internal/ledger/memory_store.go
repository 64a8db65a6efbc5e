package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/safedeal/safedeal/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	deposits map[string]bool // externalRef -> processed
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(customerID)
	return nil
}

// ensure returns the balance row, creating a zero row if missing.
// Caller must hold m.mu.
func (m *MemoryStore) ensure(customerID string) *Balance {
	bal, ok := m.balances[customerID]
	if !ok {
		bal = &Balance{CustomerID: customerID, UpdatedAt: time.Now()}
		m.balances[customerID] = bal
	}
	return bal
}

func (m *MemoryStore) GetBalance(ctx context.Context, customerID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[customerID]; ok {
		cp := *bal
		return &cp, nil
	}
	return nil, ErrCustomerNotFound
}

func (m *MemoryStore) Lock(ctx context.Context, customerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[customerID]
	if !ok {
		return ErrCustomerNotFound
	}
	if bal.Available < amount {
		return ErrInsufficientFunds
	}
	bal.Available -= amount
	bal.Locked += amount
	bal.UpdatedAt = time.Now()
	m.append(customerID, EntryEscrowLock, DirHold, amount, reference, "funds locked for escrow")
	return nil
}

func (m *MemoryStore) Unlock(ctx context.Context, customerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[customerID]
	if !ok {
		return ErrCustomerNotFound
	}
	if bal.Locked < amount {
		return ErrInsufficientLockedFunds
	}
	bal.Locked -= amount
	bal.Available += amount
	bal.UpdatedAt = time.Now()
	m.append(customerID, EntryEscrowUnlock, DirRelease, amount, reference, "escrow lock reversed")
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payer, ok := m.balances[s.PayerID]
	if !ok {
		return ErrCustomerNotFound
	}
	if payer.Locked < s.LockedAmount {
		return ErrInsufficientLockedFunds
	}

	now := time.Now()
	payer.Locked -= s.LockedAmount
	payer.UpdatedAt = now
	m.append(s.PayerID, EntryEscrowRelease, DirDebit, s.LockedAmount, s.Reference, "locked funds released")

	if s.PayerCredit > 0 {
		payer.Available += s.PayerCredit
		m.append(s.PayerID, s.PayerEntryType, DirCredit, s.PayerCredit, s.Reference, "")
	}
	if s.PayeeCredit > 0 {
		payee := m.ensure(s.PayeeID)
		payee.Available += s.PayeeCredit
		payee.UpdatedAt = now
		m.append(s.PayeeID, s.PayeeEntryType, DirCredit, s.PayeeCredit, s.Reference, "")
	}
	if s.Fee > 0 {
		platform := m.ensure(PlatformAccount)
		platform.Available += s.Fee
		platform.UpdatedAt = now
		m.append(PlatformAccount, EntryFee, DirCredit, s.Fee, s.Reference, "retained escrow fee")
	}
	return nil
}

func (m *MemoryStore) Credit(ctx context.Context, customerID string, amount int64, entryType EntryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.ensure(customerID)
	bal.Available += amount
	bal.UpdatedAt = time.Now()
	m.append(customerID, entryType, DirCredit, amount, reference, description)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, customerID string, amount int64, entryType EntryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[customerID]
	if !ok {
		return ErrCustomerNotFound
	}
	if bal.Available < amount {
		return ErrInsufficientFunds
	}
	bal.Available -= amount
	bal.UpdatedAt = time.Now()
	m.append(customerID, entryType, DirDebit, amount, reference, description)
	return nil
}

func (m *MemoryStore) Deposit(ctx context.Context, customerID string, amount int64, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deposits[externalRef] {
		return ErrDuplicateDeposit
	}
	bal := m.ensure(customerID)
	bal.Available += amount
	bal.UpdatedAt = time.Now()
	m.deposits[externalRef] = true
	m.append(customerID, EntryDeposit, DirCredit, amount, externalRef, "gateway deposit confirmed")
	return nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, externalRef string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[externalRef], nil
}

func (m *MemoryStore) History(ctx context.Context, customerID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].CustomerID == customerID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Totals(ctx context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := &Totals{}
	for _, bal := range m.balances {
		t.Available += bal.Available
		t.Locked += bal.Locked
	}
	for _, e := range m.entries {
		if e.Type == EntryDeposit {
			t.Deposited += e.Amount
		}
	}
	return t, nil
}

// AllBalances returns every balance row, sorted by customer ID. Test helper.
func (m *MemoryStore) AllBalances() []*Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Balance, 0, len(m.balances))
	for _, bal := range m.balances {
		cp := *bal
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out
}

// append records an entry. Caller must hold m.mu.
func (m *MemoryStore) append(customerID string, entryType EntryType, dir Direction, amount int64, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("led_"),
		CustomerID:  customerID,
		Type:        entryType,
		Direction:   dir,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}
