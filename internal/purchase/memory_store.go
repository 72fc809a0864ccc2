package purchase

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ContentEffects applies per-content sales counter mutations in memory mode.
// content.MemoryStore satisfies this directly; in Postgres mode the purchase
// store updates the contents table inside its own transactions instead.
type ContentEffects interface {
	ApplyPurchase(ctx context.Context, id string, amountCents int64) error
	ReversePurchase(ctx context.Context, id string, amountCents int64) error
	AddView(ctx context.Context, id string) error
}

// LedgerEffects applies creator-account mutations in memory mode.
// ledger.MemoryStore satisfies this directly.
type LedgerEffects interface {
	CreditPending(ctx context.Context, creatorID string, earningsCents int64) error
	Reverse(ctx context.Context, creatorID string, earningsCents int64, released bool) error
	Release(ctx context.Context, creatorID string, earningsCents int64) error
}

// MemoryStore is an in-memory Store for development and tests. The single
// mutex stands in for the transaction the Postgres store runs, so guarded
// mutations and their content and ledger side effects stay atomic with
// respect to each other.
type MemoryStore struct {
	mu          sync.Mutex
	purchases   map[string]*Purchase
	byIntent    map[string]string
	byToken     map[string]string
	deviceCodes map[string][]DeviceCode

	contents ContentEffects
	ledger   LedgerEffects
}

// NewMemoryStore creates an empty in-memory purchase store wired to the
// given side-effect sinks.
func NewMemoryStore(contents ContentEffects, ledger LedgerEffects) *MemoryStore {
	return &MemoryStore{
		purchases:   make(map[string]*Purchase),
		byIntent:    make(map[string]string),
		byToken:     make(map[string]string),
		deviceCodes: make(map[string][]DeviceCode),
		contents:    contents,
		ledger:      ledger,
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clone(p)
	m.purchases[cp.ID] = cp
	if cp.GatewayIntentID != "" {
		m.byIntent[cp.GatewayIntentID] = cp.ID
	}
	if cp.AccessToken != "" {
		m.byToken[cp.AccessToken] = cp.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) GetByIntentID(ctx context.Context, intentID string) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIntent[intentID]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return clone(m.purchases[id]), nil
}

func (m *MemoryStore) GetByAccessToken(ctx context.Context, token string) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return clone(m.purchases[id]), nil
}

func (m *MemoryStore) FindSettled(ctx context.Context, contentID, sessionID string) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.ContentID == contentID && p.SessionID == sessionID && p.Status.Settled() {
			return clone(p), nil
		}
	}
	return nil, ErrPurchaseNotFound
}

func (m *MemoryStore) CreateRecovered(ctx context.Context, p *Purchase) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byIntent[p.GatewayIntentID]; ok {
		return clone(m.purchases[id]), nil
	}
	cp := clone(p)
	m.purchases[cp.ID] = cp
	m.byIntent[cp.GatewayIntentID] = cp.ID
	m.byToken[cp.AccessToken] = cp.ID
	return clone(cp), nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, rec CompletionRecord) (*Purchase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, false, ErrPurchaseNotFound
	}
	if p.Status.Settled() {
		return clone(p), false, nil
	}
	if p.Status != StatusPending {
		return nil, false, ErrInvalidTransition
	}

	now := rec.Now
	p.Status = StatusCompleted
	p.CompletedAt = &now
	p.CompletedBy = rec.Trigger
	p.CompletionKey = rec.CompletionKey
	p.TransactionID = rec.TransactionID
	p.EarningsCents = rec.EarningsCents
	p.UpdatedAt = now

	if err := m.contents.ApplyPurchase(ctx, p.ContentID, p.AmountCents); err != nil {
		return nil, false, err
	}
	if err := m.ledger.CreditPending(ctx, p.CreatorID, p.EarningsCents); err != nil {
		return nil, false, err
	}
	return clone(p), true, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return ErrPurchaseNotFound
	}
	if p.Status != StatusPending {
		return nil
	}
	p.Status = StatusFailed
	p.UpdatedAt = now
	return nil
}

func (m *MemoryStore) StartAccessWindow(ctx context.Context, id, clientIP string, window time.Duration, now time.Time) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	if p.AccessWindowStartedAt == nil {
		expires := now.Add(window)
		p.AccessWindowStartedAt = &now
		p.AccessExpiresAt = &expires
		p.FirstAccessIP = clientIP
		p.UpdatedAt = now
	}
	return clone(p), nil
}

func (m *MemoryStore) RecordAccess(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return ErrPurchaseNotFound
	}
	p.AccessCount++
	return m.contents.AddView(ctx, p.ContentID)
}

func (m *MemoryStore) AddDeviceCode(ctx context.Context, id string, code DeviceCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.purchases[id]; !ok {
		return ErrPurchaseNotFound
	}
	m.deviceCodes[id] = append(m.deviceCodes[id], code)
	return nil
}

func (m *MemoryStore) ConsumeDeviceCode(ctx context.Context, id, fingerprint, code string, maxDevices int, now time.Time) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}

	matched := false
	for _, dc := range m.deviceCodes[id] {
		if dc.Fingerprint == fingerprint && dc.Code == code && now.Before(dc.ExpiresAt) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrInvalidOrExpiredCode
	}

	// The cap check holds the same lock as the append, so the set can
	// never overshoot even when distinct fingerprints verify at once.
	// The code stays live so the caller can retry after trimming devices.
	if !p.TrustsFingerprint(fingerprint) && len(p.TrustedFingerprints) >= maxDevices {
		return nil, ErrDeviceLimitReached
	}

	// Drop every code issued for this fingerprint, used or not.
	kept := m.deviceCodes[id][:0]
	for _, dc := range m.deviceCodes[id] {
		if dc.Fingerprint != fingerprint {
			kept = append(kept, dc)
		}
	}
	m.deviceCodes[id] = kept

	if !p.TrustsFingerprint(fingerprint) {
		p.TrustedFingerprints = append(p.TrustedFingerprints, fingerprint)
		p.UpdatedAt = now
	}
	return clone(p), nil
}

func (m *MemoryStore) ApplyRefund(ctx context.Context, intentID string, rep RefundReport) (*RefundOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byIntent[intentID]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	p := m.purchases[id]

	plan, err := planRefund(p, rep)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return &RefundOutcome{Purchase: clone(p), Applied: false}, nil
	}

	now := rep.Now
	p.RefundedCents = plan.TotalCents
	p.Status = plan.Status
	if p.RefundedAt == nil {
		p.RefundedAt = &now
	}
	p.UpdatedAt = now

	if plan.Reverse {
		if err := m.contents.ReversePurchase(ctx, p.ContentID, p.AmountCents); err != nil {
			return nil, err
		}
		if err := m.ledger.Reverse(ctx, p.CreatorID, p.EarningsCents, plan.ReversedFromAvailable); err != nil {
			return nil, err
		}
	}
	return &RefundOutcome{
		Purchase: clone(p),
		Applied:  true,
		Full:     plan.Full,
		Reversed: plan.Reverse,
	}, nil
}

func (m *MemoryStore) ListReleasable(ctx context.Context, completedBefore time.Time, limit int) ([]*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Purchase
	for _, p := range m.purchases {
		if p.EarningsReleased || p.CompletedAt == nil {
			continue
		}
		if p.Status != StatusCompleted && p.Status != StatusPartiallyRefunded {
			continue
		}
		if p.CompletedAt.Before(completedBefore) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkReleased(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[id]
	if !ok {
		return false, ErrPurchaseNotFound
	}
	if p.EarningsReleased {
		return false, nil
	}
	// A purchase fully refunded after listing already reversed its credit.
	if p.Status != StatusCompleted && p.Status != StatusPartiallyRefunded {
		return false, nil
	}

	p.EarningsReleased = true
	p.UpdatedAt = time.Now()
	if err := m.ledger.Release(ctx, p.CreatorID, p.EarningsCents); err != nil {
		return false, err
	}
	return true, nil
}

func clone(p *Purchase) *Purchase {
	cp := *p
	if p.TrustedFingerprints != nil {
		cp.TrustedFingerprints = append([]string(nil), p.TrustedFingerprints...)
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	if p.AccessWindowStartedAt != nil {
		t := *p.AccessWindowStartedAt
		cp.AccessWindowStartedAt = &t
	}
	if p.AccessExpiresAt != nil {
		t := *p.AccessExpiresAt
		cp.AccessExpiresAt = &t
	}
	if p.RefundedAt != nil {
		t := *p.RefundedAt
		cp.RefundedAt = &t
	}
	return &cp
}
