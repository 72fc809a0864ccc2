// Package session manages anonymous buyer sessions.
//
// A buyer is identified by an opaque high-entropy token, optionally pinned to
// a device fingerprint. Sessions are created on first interaction and expire
// naturally; nothing in the purchase subsystem destroys them.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/ghprofit/velo-sub000/internal/idgen"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// DefaultTTL is how long a buyer session stays live without expiring.
const DefaultTTL = 30 * 24 * time.Hour

// Session is an anonymous-by-default buyer identity.
type Session struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Email        string    `json:"email,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Live reports whether the session has not yet expired.
func (s *Session) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Store persists buyer sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	GetByID(ctx context.Context, id string) (*Session, error)
	// GetLiveByFingerprint returns the canonical non-expired session for a
	// fingerprint, or ErrSessionNotFound.
	GetLiveByFingerprint(ctx context.Context, fingerprint string, now time.Time) (*Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	SetEmail(ctx context.Context, id, email string) error
}

// Manager implements buyer session resolution.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a session manager with the default TTL.
func NewManager(store Store) *Manager {
	return &Manager{store: store, ttl: DefaultTTL, now: time.Now}
}

// WithClock overrides the time source (for tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Ensure resolves the buyer session for a request.
//
// Resolution order: a presented live token wins; otherwise the canonical live
// session for the fingerprint; otherwise a new session. Requests without a
// fingerprint always get a fresh session.
func (m *Manager) Ensure(ctx context.Context, token, fingerprint string) (*Session, error) {
	now := m.now()

	if token != "" {
		s, err := m.store.GetByToken(ctx, token)
		if err == nil && s.Live(now) {
			if err := m.store.Touch(ctx, s.ID, now); err != nil {
				return nil, err
			}
			s.LastActiveAt = now
			return s, nil
		}
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}

	if fingerprint != "" {
		s, err := m.store.GetLiveByFingerprint(ctx, fingerprint, now)
		if err == nil {
			if err := m.store.Touch(ctx, s.ID, now); err != nil {
				return nil, err
			}
			s.LastActiveAt = now
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}

	s := &Session{
		ID:           idgen.WithPrefix("sess_"),
		Token:        idgen.Token(32),
		Fingerprint:  fingerprint,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActiveAt: now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a live session by token.
func (m *Manager) Get(ctx context.Context, token string) (*Session, error) {
	s, err := m.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !s.Live(m.now()) {
		return nil, ErrSessionExpired
	}
	return s, nil
}

// GetByID returns a session by its id regardless of liveness. Purchases
// outlive their originating session, so lookups by the recorded session id
// must not fail on expiry.
func (m *Manager) GetByID(ctx context.Context, id string) (*Session, error) {
	return m.store.GetByID(ctx, id)
}

// SetEmail records the buyer's email on the session. Device verification
// later requires the supplied email to match this one.
func (m *Manager) SetEmail(ctx context.Context, token, email string) error {
	s, err := m.Get(ctx, token)
	if err != nil {
		return err
	}
	return m.store.SetEmail(ctx, s.ID, email)
}

// SetEmailByID records the email against a session located by id rather than
// token, for callers that only hold the session reference off a purchase.
func (m *Manager) SetEmailByID(ctx context.Context, id, email string) error {
	return m.store.SetEmail(ctx, id, email)
}
