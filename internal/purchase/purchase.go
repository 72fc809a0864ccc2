// Package purchase implements the purchase lifecycle: opening pending
// purchases against the payment gateway, reconciling completions from the
// racing client-confirm and webhook paths, granting device-bound access
// windows, and reconciling refunds against creator balances.
package purchase

import (
	"context"
	"errors"
	"time"

	"github.com/ghprofit/velo-sub000/internal/money"
)

var (
	ErrPurchaseNotFound     = errors.New("purchase not found")
	ErrContentUnavailable   = errors.New("content not available for purchase")
	ErrPaymentNotCompleted  = errors.New("payment not completed")
	ErrInvalidTransition    = errors.New("invalid purchase state transition")
	ErrNotCompleted         = errors.New("purchase not completed")
	ErrRefunded             = errors.New("purchase fully refunded")
	ErrRefundBeforePayment  = errors.New("refund reported before payment completed")
	ErrAccessExpired        = errors.New("access window expired")
	ErrDeviceNotTrusted     = errors.New("device not trusted")
	ErrEmailMismatch        = errors.New("email does not match purchasing session")
	ErrDeviceLimitReached   = errors.New("trusted device limit reached")
	ErrInvalidOrExpiredCode = errors.New("invalid or expired verification code")
	ErrRefundOverflow       = errors.New("reported refund exceeds tolerated total")
)

// Status is the purchase lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Settled reports whether the purchase reached a completed state, including
// the refund states that follow it. Settled purchases are never re-completed.
func (s Status) Settled() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Trigger records which reconciliation path won the completion race.
type Trigger string

const (
	TriggerClient  Trigger = "client"
	TriggerWebhook Trigger = "webhook"
)

// Pricing split and refund classification, in basis points of the relevant
// base amount.
const (
	// BuyerMarkupBps is applied to the content base price to get the
	// charged amount: base price plus a 10% platform markup.
	DefaultBuyerMarkupBps = 11000

	// SellerShareBps of the base price is credited to the creator when the
	// purchase has a recorded base price.
	SellerShareBps = 9000

	// LegacyShareBps of the charged amount is credited instead when the
	// base price was never recorded, so older rows still settle close to
	// the intended split.
	LegacyShareBps = 8500

	// FullRefundThresholdBps: a cumulative refund at or above this share
	// of the charged amount counts as a full refund.
	FullRefundThresholdBps = 9900

	// RefundToleranceBps: cumulative refunds above this share of the
	// charged amount are rejected as gateway-side inconsistencies.
	RefundToleranceBps = 10100
)

// BasisKind names which amount the creator earnings are derived from.
type BasisKind string

const (
	BasisBasePrice    BasisKind = "base_price"
	BasisLegacyAmount BasisKind = "legacy_amount"
)

// PricingBasis pins the earnings calculation at purchase creation time, so a
// later base-price edit on the content cannot change what the creator is owed.
type PricingBasis struct {
	Kind  BasisKind `json:"kind"`
	Cents int64     `json:"cents"`
}

// EarningsCents returns the creator's share for this basis.
func (b PricingBasis) EarningsCents() int64 {
	if b.Kind == BasisBasePrice {
		return money.ApplyBps(b.Cents, SellerShareBps)
	}
	return money.ApplyBps(b.Cents, LegacyShareBps)
}

// DeviceCode is a pending email verification code bound to one purchase and
// one device fingerprint.
type DeviceCode struct {
	Code        string    `json:"code"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Purchase is one buyer's claim on one piece of content.
type Purchase struct {
	ID        string `json:"id"`
	ContentID string `json:"contentId"`
	CreatorID string `json:"creatorId"`
	SessionID string `json:"sessionId"`

	AmountCents int64        `json:"amountCents"`
	Currency    string       `json:"currency"`
	Basis       PricingBasis `json:"basis"`

	GatewayIntentID string `json:"gatewayIntentId"`
	TransactionID   string `json:"transactionId,omitempty"`

	Status               Status     `json:"status"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	CompletedBy          Trigger    `json:"completedBy,omitempty"`
	CompletionKey        string     `json:"completionKey,omitempty"`
	RecoveredFromWebhook bool       `json:"recoveredFromWebhook"`

	EarningsCents    int64 `json:"earningsCents"`
	EarningsReleased bool  `json:"earningsReleased"`

	AccessToken           string     `json:"accessToken"`
	TrustedFingerprints   []string   `json:"trustedFingerprints"`
	AccessWindowStartedAt *time.Time `json:"accessWindowStartedAt,omitempty"`
	AccessExpiresAt       *time.Time `json:"accessExpiresAt,omitempty"`
	FirstAccessIP         string     `json:"firstAccessIp,omitempty"`
	AccessCount           int64      `json:"accessCount"`

	RefundedCents int64      `json:"refundedCents"`
	RefundedAt    *time.Time `json:"refundedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TrustsFingerprint reports whether the device fingerprint was bound to this
// purchase, either at creation or through email verification.
func (p *Purchase) TrustsFingerprint(fp string) bool {
	if fp == "" {
		return false
	}
	for _, t := range p.TrustedFingerprints {
		if t == fp {
			return true
		}
	}
	return false
}

// AccessWindowOpen reports whether the access window has started and not yet
// passed its expiry.
func (p *Purchase) AccessWindowOpen(now time.Time) bool {
	if p.AccessWindowStartedAt == nil || p.AccessExpiresAt == nil {
		return false
	}
	return now.Before(*p.AccessExpiresAt)
}

// CompletionRecord carries the facts the reconciler settled on into the
// store's guarded completion.
type CompletionRecord struct {
	TransactionID string
	Trigger       Trigger
	CompletionKey string
	EarningsCents int64
	Now           time.Time
}

// RefundReport is one refund event as reported by the gateway. Cumulative
// reports carry the gateway's running total for the charge; otherwise Cents
// is the amount refunded by this event alone.
type RefundReport struct {
	Cents      int64
	Cumulative bool
	Now        time.Time
}

// RefundOutcome describes what a refund report did to the purchase.
type RefundOutcome struct {
	Purchase *Purchase
	Applied  bool
	Full     bool
	Reversed bool
}

// Store is the persistence boundary for purchases.
//
// Complete, ApplyRefund, MarkReleased and ConsumeDeviceCode are guarded
// mutations: the store applies the state change together with its content and
// creator-account side effects atomically, and reports via its return values
// whether this caller's change took effect. Postgres implementations do this
// in one transaction per call; the memory implementation holds its lock across
// the side effects.
type Store interface {
	Create(ctx context.Context, p *Purchase) error
	Get(ctx context.Context, id string) (*Purchase, error)
	GetByIntentID(ctx context.Context, intentID string) (*Purchase, error)
	GetByAccessToken(ctx context.Context, token string) (*Purchase, error)

	// FindSettled returns a settled purchase for the content/session pair,
	// if one exists, so repeat opens can short-circuit to existing access.
	FindSettled(ctx context.Context, contentID, sessionID string) (*Purchase, error)

	// CreateRecovered inserts a purchase reconstructed from webhook
	// metadata. The gateway intent id is the natural key: if a purchase
	// with the same intent id already exists, that row is returned and
	// the insert is discarded.
	CreateRecovered(ctx context.Context, p *Purchase) (*Purchase, error)

	// Complete moves a pending purchase to completed and applies the
	// content and creator-account credits. Returns applied=false when the
	// purchase was already settled (the other path won the race).
	Complete(ctx context.Context, id string, rec CompletionRecord) (p *Purchase, applied bool, err error)

	// MarkFailed moves a pending purchase to failed. A no-op on settled
	// or already failed purchases.
	MarkFailed(ctx context.Context, id string, now time.Time) error

	// StartAccessWindow sets the window start and expiry exactly once and
	// returns the authoritative row. Concurrent callers all observe the
	// same expiry.
	StartAccessWindow(ctx context.Context, id, clientIP string, window time.Duration, now time.Time) (*Purchase, error)

	// RecordAccess bumps the purchase access counter and the content view
	// counter for a granted access.
	RecordAccess(ctx context.Context, id string) error

	AddDeviceCode(ctx context.Context, id string, code DeviceCode) error

	// ConsumeDeviceCode validates the code for the fingerprint, adds the
	// fingerprint to the trusted set and removes every outstanding code
	// for that fingerprint, atomically. Returns ErrInvalidOrExpiredCode
	// when no live matching code exists, and ErrDeviceLimitReached when
	// admitting the fingerprint would exceed maxDevices. The cap is
	// enforced inside the store's critical section so concurrent
	// verifications of distinct fingerprints cannot overshoot it.
	ConsumeDeviceCode(ctx context.Context, id, fingerprint, code string, maxDevices int, now time.Time) (*Purchase, error)

	// ApplyRefund reconciles one refund report against the purchase and
	// its content and creator-account rows.
	ApplyRefund(ctx context.Context, intentID string, rep RefundReport) (*RefundOutcome, error)

	// ListReleasable returns settled purchases whose earnings are still
	// held pending and whose completion is older than the cutoff.
	ListReleasable(ctx context.Context, completedBefore time.Time, limit int) ([]*Purchase, error)

	// MarkReleased flips the earnings hold and moves the creator's pending
	// balance to available. Returns applied=false if already released or
	// since fully refunded.
	MarkReleased(ctx context.Context, id string) (applied bool, err error)
}
