package content

import (
	"context"
	"sort"
	"sync"

	"github.com/ghprofit/velo-sub000/internal/pagination"
)

// MemoryStore is an in-memory content store for demo/development mode.
// It also implements the stats mutations the purchase engine applies on
// completion, refund, and view.
type MemoryStore struct {
	mu       sync.RWMutex
	contents map[string]*Content
}

// NewMemoryStore creates a new in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contents: make(map[string]*Content)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.contents[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contents[id]
	if !ok {
		return nil, ErrContentNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListByCreator(ctx context.Context, creatorID string, before *pagination.Cursor, limit int) ([]*Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Content
	for _, c := range m.contents {
		if c.CreatorID != creatorID {
			continue
		}
		if before != nil && !olderThan(c, before) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// olderThan reports whether c sorts strictly after the cursor position in
// the newest-first ordering.
func olderThan(c *Content, cur *pagination.Cursor) bool {
	if c.CreatedAt.Equal(cur.CreatedAt) {
		return c.ID < cur.ID
	}
	return c.CreatedAt.Before(cur.CreatedAt)
}

// ApplyPurchase increments the sales counters for a completed purchase.
func (m *MemoryStore) ApplyPurchase(ctx context.Context, id string, amountCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contents[id]
	if !ok {
		return ErrContentNotFound
	}
	c.PurchaseCount++
	c.RevenueCents += amountCents
	return nil
}

// ReversePurchase undoes a purchase's sales counters on full refund.
func (m *MemoryStore) ReversePurchase(ctx context.Context, id string, amountCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contents[id]
	if !ok {
		return ErrContentNotFound
	}
	c.PurchaseCount--
	c.RevenueCents -= amountCents
	return nil
}

// AddView increments the view counter.
func (m *MemoryStore) AddView(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contents[id]
	if !ok {
		return ErrContentNotFound
	}
	c.ViewCount++
	return nil
}
