package content

import (
	"context"
	"database/sql"

	"github.com/ghprofit/velo-sub000/internal/pagination"
)

// PostgresStore persists content records in PostgreSQL.
//
// Sales counters are mutated by the purchase store inside its reconciliation
// transactions; this store only reads them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed content store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contentColumns = `id, creator_id, title, status, base_price_cents,
		purchase_count, revenue_cents, view_count, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Content) error {
	var basePrice sql.NullInt64
	if c.BasePriceCents != nil {
		basePrice = sql.NullInt64{Int64: *c.BasePriceCents, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contents (`+contentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.CreatorID, c.Title, string(c.Status), basePrice,
		c.PurchaseCount, c.RevenueCents, c.ViewCount, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Content, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+contentColumns+` FROM contents WHERE id = $1`, id)

	var c Content
	var status string
	var basePrice sql.NullInt64
	err := row.Scan(&c.ID, &c.CreatorID, &c.Title, &status, &basePrice,
		&c.PurchaseCount, &c.RevenueCents, &c.ViewCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if basePrice.Valid {
		c.BasePriceCents = &basePrice.Int64
	}
	return &c, nil
}

func (p *PostgresStore) ListByCreator(ctx context.Context, creatorID string, before *pagination.Cursor, limit int) ([]*Content, error) {
	query := `
		SELECT ` + contentColumns + `
		FROM contents
		WHERE creator_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	args := []any{creatorID, limit}
	if before != nil {
		query = `
		SELECT ` + contentColumns + `
		FROM contents
		WHERE creator_id = $1 AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
		args = append(args, before.CreatedAt, before.ID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Content
	for rows.Next() {
		var c Content
		var status string
		var basePrice sql.NullInt64
		if err := rows.Scan(&c.ID, &c.CreatorID, &c.Title, &status, &basePrice,
			&c.PurchaseCount, &c.RevenueCents, &c.ViewCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Status = Status(status)
		if basePrice.Valid {
			c.BasePriceCents = &basePrice.Int64
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
