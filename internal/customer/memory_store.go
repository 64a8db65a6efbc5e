package customer

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	customers map[string]*Customer
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{customers: make(map[string]*Customer)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.customers[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[c.ID]; !ok {
		return ErrCustomerNotFound
	}
	cp := *c
	m.customers[c.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Customer, 0, len(m.customers))
	for _, c := range m.customers {
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}
