// Package content holds the minimal content surface the purchase engine
// needs: the purchasable check, pricing, and per-content sales counters.
// Upload, storage, and moderation live elsewhere.
package content

import (
	"context"
	"errors"
	"time"

	"github.com/ghprofit/velo-sub000/internal/pagination"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrNotPurchasable  = errors.New("content is not purchasable")
)

// Status represents the publication state of a content item.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusRemoved   Status = "removed"
	StatusFlagged   Status = "flagged" // held by moderation
)

// Content is a purchasable content item.
type Content struct {
	ID        string  `json:"id"`
	CreatorID string  `json:"creatorId"`
	Title     string  `json:"title"`
	Status    Status  `json:"status"`
	// BasePriceCents is the seller-set price. Nil on legacy records whose
	// price predates per-content pricing.
	BasePriceCents *int64 `json:"basePriceCents,omitempty"`

	PurchaseCount int64 `json:"purchaseCount"`
	RevenueCents  int64 `json:"revenueCents"`
	ViewCount     int64 `json:"viewCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Purchasable reports whether a buyer may open a purchase against this item.
func (c *Content) Purchasable() bool {
	return c.Status == StatusPublished
}

// Store persists content records.
//
// ListByCreator returns items newest first. A non-nil cursor restricts the
// result to items strictly older than the cursor position, for cursor-based
// pagination.
type Store interface {
	Create(ctx context.Context, c *Content) error
	Get(ctx context.Context, id string) (*Content, error)
	ListByCreator(ctx context.Context, creatorID string, before *pagination.Cursor, limit int) ([]*Content, error)
}
