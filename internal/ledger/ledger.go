// Package ledger tracks creator earnings balances.
//
// Flow:
//  1. Buyer's purchase completes → creator's pending balance is credited
//  2. A release job later promotes pending → available after the hold period
//  3. Creator withdraws from available (out of scope here)
//  4. Refunds reverse the bucket the earnings currently sit in
//
// All ledger mutations happen inside the purchase store's reconciliation
// transactions; this package owns the account entity, reads, and the
// release timer.
package ledger

import (
	"context"
	"errors"
	"time"
)

var ErrAccountNotFound = errors.New("creator account not found")

// Account is a creator's earnings ledger account.
//
// PendingCents and AvailableCents are disjoint buckets of the same
// TotalEarningsCents: pending funds are not yet withdrawable.
type Account struct {
	CreatorID          string    `json:"creatorId"`
	TotalEarningsCents int64     `json:"totalEarningsCents"`
	PendingCents       int64     `json:"pendingCents"`
	AvailableCents     int64     `json:"availableCents"`
	TotalPurchases     int64     `json:"totalPurchases"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Store reads creator ledger accounts.
type Store interface {
	GetAccount(ctx context.Context, creatorID string) (*Account, error)
}

// Service exposes creator balance reads.
type Service struct {
	store Store
}

// NewService creates a ledger service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetAccount returns a creator's account. Creators with no sales yet get a
// zero-valued account rather than an error.
func (s *Service) GetAccount(ctx context.Context, creatorID string) (*Account, error) {
	acct, err := s.store.GetAccount(ctx, creatorID)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{CreatorID: creatorID, UpdatedAt: time.Now()}, nil
	}
	return acct, err
}
