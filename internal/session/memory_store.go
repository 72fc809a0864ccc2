package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	byToken  map[string]string // token -> id
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Session),
		byToken: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.byID[s.ID] = &cp
	m.byToken[s.Token] = s.ID
	return nil
}

func (m *MemoryStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetLiveByFingerprint(ctx context.Context, fingerprint string, now time.Time) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Most recently active live session wins.
	var best *Session
	for _, s := range m.byID {
		if s.Fingerprint != fingerprint || !s.Live(now) {
			continue
		}
		if best == nil || s.LastActiveAt.After(best.LastActiveAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrSessionNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActiveAt = at
	return nil
}

func (m *MemoryStore) SetEmail(ctx context.Context, id, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Email = email
	return nil
}
