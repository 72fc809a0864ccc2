package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory creator account store for demo/development
// mode. Besides reads, it carries the mutations the purchase engine applies
// during reconciliation; in PostgreSQL mode those run as SQL inside the
// purchase store's transaction instead.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) GetAccount(ctx context.Context, creatorID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[creatorID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) get(creatorID string) *Account {
	acct, ok := m.accounts[creatorID]
	if !ok {
		acct = &Account{CreatorID: creatorID}
		m.accounts[creatorID] = acct
	}
	return acct
}

// CreditPending credits earnings into the pending bucket for one completed
// purchase.
func (m *MemoryStore) CreditPending(ctx context.Context, creatorID string, earningsCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.get(creatorID)
	acct.TotalEarningsCents += earningsCents
	acct.PendingCents += earningsCents
	acct.TotalPurchases++
	acct.UpdatedAt = time.Now()
	return nil
}

// Reverse undoes one purchase's earnings on full refund. released selects
// which bucket the earnings currently sit in.
func (m *MemoryStore) Reverse(ctx context.Context, creatorID string, earningsCents int64, released bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.get(creatorID)
	acct.TotalEarningsCents -= earningsCents
	if released {
		acct.AvailableCents -= earningsCents
	} else {
		acct.PendingCents -= earningsCents
	}
	acct.TotalPurchases--
	acct.UpdatedAt = time.Now()
	return nil
}

// Release promotes earnings from pending to available.
func (m *MemoryStore) Release(ctx context.Context, creatorID string, earningsCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.get(creatorID)
	acct.PendingCents -= earningsCents
	acct.AvailableCents += earningsCents
	acct.UpdatedAt = time.Now()
	return nil
}
