package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for tests and local
// development.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; !ok {
		return ErrTransactionNotFound
	}
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Transaction
	for _, t := range m.transactions {
		if t.BuyerID == customerID || t.SellerID == customerID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Transaction
	for _, t := range m.transactions {
		if sweepableStates[t.State] && t.ExpiresAt.Before(before) {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
