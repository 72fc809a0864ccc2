package ledger

import (
	"context"
	"database/sql"
)

// PostgresStore reads creator accounts from PostgreSQL. All writes happen
// inside purchase-store transactions so the account row and the purchase row
// always move together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, creatorID string) (*Account, error) {
	var acct Account
	err := p.db.QueryRowContext(ctx, `
		SELECT creator_id, total_earnings_cents, pending_cents, available_cents,
		       total_purchases, updated_at
		FROM creator_accounts WHERE creator_id = $1`, creatorID).
		Scan(&acct.CreatorID, &acct.TotalEarningsCents, &acct.PendingCents,
			&acct.AvailableCents, &acct.TotalPurchases, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}
