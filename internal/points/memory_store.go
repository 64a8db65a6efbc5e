package points

import (
	"context"
	"sync"
	"time"

	"github.com/safedeal/safedeal/internal/idgen"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

func (m *MemoryStore) ensure(customerID string) *Balance {
	b, ok := m.balances[customerID]
	if !ok {
		b = &Balance{CustomerID: customerID, UpdatedAt: time.Now().UTC()}
		m.balances[customerID] = b
	}
	return b
}

func (m *MemoryStore) CreateAccount(ctx context.Context, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(customerID)
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, customerID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[customerID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, customerID string, pts int64, entryType EntryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ensure(customerID)
	b.Points += pts
	b.UpdatedAt = time.Now().UTC()
	m.append(customerID, entryType, pts, reference)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, customerID string, pts int64, entryType EntryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[customerID]
	if !ok {
		return ErrAccountNotFound
	}
	if b.Points < pts {
		return ErrInsufficientPoints
	}
	b.Points -= pts
	b.UpdatedAt = time.Now().UTC()
	m.append(customerID, entryType, -pts, reference)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, customerID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].CustomerID == customerID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) append(customerID string, entryType EntryType, pts int64, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:         idgen.WithPrefix("pts_"),
		CustomerID: customerID,
		Type:       entryType,
		Points:     pts,
		Reference:  reference,
		CreatedAt:  time.Now().UTC(),
	})
}
