package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ghprofit/velo-sub000/internal/content"
	"github.com/ghprofit/velo-sub000/internal/gateway"
	"github.com/ghprofit/velo-sub000/internal/idgen"
	"github.com/ghprofit/velo-sub000/internal/metrics"
	"github.com/ghprofit/velo-sub000/internal/money"
	"github.com/ghprofit/velo-sub000/internal/session"
	"github.com/ghprofit/velo-sub000/internal/traces"
)

// Metadata keys attached to gateway intents. Webhook events echo these back,
// which is what lets the webhook path rebuild a purchase whose local insert
// was lost.
const (
	metaPurchaseID = "purchase_id"
	metaContentID  = "content_id"
	metaCreatorID  = "creator_id"
	metaSessionID  = "session_id"
	metaBasePrice  = "base_price_cents"
)

// Notifier receives best-effort purchase notifications. Implementations must
// not block reconciliation; failures are the notifier's problem to log.
type Notifier interface {
	PurchaseCompleted(ctx context.Context, p *Purchase)
	PurchaseRefunded(ctx context.Context, p *Purchase)
	DeviceCodeIssued(ctx context.Context, email, code string, expiresAt time.Time)
}

// Policy carries the tunable lifecycle parameters.
type Policy struct {
	Currency          string
	BuyerMarkupBps    int64
	AccessWindow      time.Duration
	MaxTrustedDevices int
	DeviceCodeTTL     time.Duration
	PendingHold       time.Duration
}

// DefaultPolicy returns production defaults: 10% buyer markup, 24h access
// windows, 3 trusted devices, 15m device codes, 72h earnings hold.
func DefaultPolicy() Policy {
	return Policy{
		Currency:          "usd",
		BuyerMarkupBps:    DefaultBuyerMarkupBps,
		AccessWindow:      24 * time.Hour,
		MaxTrustedDevices: 3,
		DeviceCodeTTL:     15 * time.Minute,
		PendingHold:       72 * time.Hour,
	}
}

// Service drives the purchase lifecycle.
type Service struct {
	store    Store
	contents content.Store
	sessions *session.Manager
	gateway  gateway.Client
	notifier Notifier
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the purchase service.
func NewService(store Store, contents content.Store, sessions *session.Manager, gw gateway.Client, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		contents: contents,
		sessions: sessions,
		gateway:  gw,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier attaches a notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenRequest identifies the buyer and the content to purchase.
type OpenRequest struct {
	ContentID    string
	SessionToken string
	Fingerprint  string
}

// OpenResult is the outcome of an open: either a fresh pending purchase with
// a client secret to drive the gateway's payment UI, or a pointer back to the
// buyer's existing settled purchase.
type OpenResult struct {
	Purchase         *Purchase
	ClientSecret     string
	SessionToken     string
	AlreadyPurchased bool
}

// Open creates a pending purchase for the session against the content and
// registers the charge with the payment gateway. The purchase row is only
// persisted once the gateway intent exists, so an abandoned gateway call
// leaves nothing behind.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.Open", traces.ContentID(req.ContentID))
	defer span.End()

	sess, err := s.sessions.Ensure(ctx, req.SessionToken, req.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	c, err := s.contents.Get(ctx, req.ContentID)
	if err != nil {
		return nil, ErrContentUnavailable
	}
	if !c.Purchasable() {
		metrics.PurchasesOpenedTotal.WithLabelValues("unavailable").Inc()
		return nil, ErrContentUnavailable
	}
	if c.BasePriceCents == nil || *c.BasePriceCents <= 0 {
		// Unpriced legacy rows cannot produce a charge amount. The
		// legacy pricing basis only enters through webhook recovery,
		// where the charged amount is known.
		metrics.PurchasesOpenedTotal.WithLabelValues("unavailable").Inc()
		return nil, ErrContentUnavailable
	}

	if existing, err := s.store.FindSettled(ctx, c.ID, sess.ID); err == nil && existing != nil {
		metrics.PurchasesOpenedTotal.WithLabelValues("already_purchased").Inc()
		s.logger.Info("open short-circuited to existing purchase",
			"purchaseId", existing.ID, "contentId", c.ID, "sessionId", sess.ID)
		return &OpenResult{
			Purchase:         existing,
			SessionToken:     sess.Token,
			AlreadyPurchased: true,
		}, nil
	}

	now := s.now()
	basePrice := *c.BasePriceCents
	p := &Purchase{
		ID:                  idgen.WithPrefix("pur_"),
		ContentID:           c.ID,
		CreatorID:           c.CreatorID,
		SessionID:           sess.ID,
		AmountCents:         money.ApplyBps(basePrice, s.policy.BuyerMarkupBps),
		Currency:            s.policy.Currency,
		Basis:               PricingBasis{Kind: BasisBasePrice, Cents: basePrice},
		Status:              StatusPending,
		AccessToken:         idgen.Token(32),
		TrustedFingerprints: []string{req.Fingerprint},
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	intent, err := s.gateway.CreateIntent(ctx, p.AmountCents, p.Currency, map[string]string{
		metaPurchaseID: p.ID,
		metaContentID:  p.ContentID,
		metaCreatorID:  p.CreatorID,
		metaSessionID:  p.SessionID,
		metaBasePrice:  strconv.FormatInt(basePrice, 10),
	})
	if err != nil {
		metrics.PurchasesOpenedTotal.WithLabelValues("gateway_error").Inc()
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	p.GatewayIntentID = intent.ID

	if err := s.store.Create(ctx, p); err != nil {
		metrics.PurchasesOpenedTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("persist purchase: %w", err)
	}

	span.SetAttributes(traces.PurchaseID(p.ID), traces.CreatorID(p.CreatorID), traces.AmountCents(p.AmountCents))
	metrics.PurchasesOpenedTotal.WithLabelValues("opened").Inc()
	s.logger.Info("purchase opened",
		"purchaseId", p.ID,
		"contentId", p.ContentID,
		"intentId", p.GatewayIntentID,
		"amountCents", p.AmountCents)

	return &OpenResult{
		Purchase:     p,
		ClientSecret: intent.ClientSecret,
		SessionToken: sess.Token,
	}, nil
}

// Get returns a purchase by id.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	return s.store.Get(ctx, id)
}
