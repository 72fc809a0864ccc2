package purchase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ghprofit/velo-sub000/internal/gateway"
	"github.com/ghprofit/velo-sub000/internal/idgen"
	"github.com/ghprofit/velo-sub000/internal/metrics"
	"github.com/ghprofit/velo-sub000/internal/retry"
	"github.com/ghprofit/velo-sub000/internal/traces"
)

// Confirm is the client-side completion path: the buyer's browser reports
// that the gateway accepted the payment. The gateway is always re-queried
// before completing; the client's claim alone is never trusted.
//
// Confirm is idempotent against itself and against the webhook path. If the
// webhook already completed the purchase, Confirm returns the settled
// purchase and succeeds.
func (s *Service) Confirm(ctx context.Context, purchaseID, intentID string) (*Purchase, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.Confirm",
		traces.PurchaseID(purchaseID), traces.IntentID(intentID))
	defer span.End()

	p, err := s.store.Get(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.GatewayIntentID != intentID {
		// A confirm carrying someone else's intent id is treated the
		// same as an unknown purchase.
		return nil, ErrPurchaseNotFound
	}

	if p.Status.Settled() {
		metrics.CompletionsTotal.WithLabelValues(string(TriggerClient), "already_settled").Inc()
		return p, nil
	}
	if p.Status == StatusFailed {
		return nil, ErrInvalidTransition
	}

	var intent *gateway.Intent
	err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var rerr error
		intent, rerr = s.gateway.RetrieveIntent(ctx, intentID)
		if rerr != nil && !gateway.IsRetryable(rerr) {
			return retry.Permanent(rerr)
		}
		return rerr
	})
	if err != nil {
		metrics.CompletionsTotal.WithLabelValues(string(TriggerClient), "gateway_error").Inc()
		return nil, fmt.Errorf("retrieve intent: %w", err)
	}
	if intent.Status != gateway.IntentSucceeded {
		metrics.CompletionsTotal.WithLabelValues(string(TriggerClient), "not_succeeded").Inc()
		return nil, ErrPaymentNotCompleted
	}

	return s.complete(ctx, p, TriggerClient)
}

// HandleEvent is the webhook-side reconciliation path. The caller has already
// verified the event signature. Unknown event types are ignored.
func (s *Service) HandleEvent(ctx context.Context, ev *gateway.Event) error {
	ctx, span := traces.StartSpan(ctx, "purchase.HandleEvent",
		traces.IntentID(ev.IntentID))
	defer span.End()

	switch ev.Type {
	case gateway.EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, ev)
	case gateway.EventPaymentFailed:
		return s.handlePaymentFailed(ctx, ev)
	case gateway.EventChargeRefunded:
		_, err := s.ApplyRefundTotal(ctx, ev.IntentID, ev.AmountRefundedCents)
		return err
	default:
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "ignored").Inc()
		return nil
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, ev *gateway.Event) error {
	p, err := s.store.GetByIntentID(ctx, ev.IntentID)
	if errors.Is(err, ErrPurchaseNotFound) {
		p, err = s.recoverFromEvent(ctx, ev)
	}
	if err != nil {
		return err
	}

	if p.Status.Settled() {
		metrics.CompletionsTotal.WithLabelValues(string(TriggerWebhook), "already_settled").Inc()
		return nil
	}

	_, err = s.complete(ctx, p, TriggerWebhook)
	return err
}

func (s *Service) handlePaymentFailed(ctx context.Context, ev *gateway.Event) error {
	p, err := s.store.GetByIntentID(ctx, ev.IntentID)
	if errors.Is(err, ErrPurchaseNotFound) {
		// Nothing local to fail. The buyer never got a purchase row,
		// so there is nothing a failure event needs to correct.
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.MarkFailed(ctx, p.ID, s.now()); err != nil {
		return err
	}
	metrics.CompletionsTotal.WithLabelValues(string(TriggerWebhook), "failed").Inc()
	s.logger.Info("purchase marked failed",
		"purchaseId", p.ID,
		"intentId", ev.IntentID)
	return nil
}

// recoverFromEvent rebuilds a purchase from the metadata echoed back on a
// succeeded-payment event. This covers the window where the gateway accepted
// the charge but the local insert after intent creation was lost.
func (s *Service) recoverFromEvent(ctx context.Context, ev *gateway.Event) (*Purchase, error) {
	contentID := ev.Metadata[metaContentID]
	sessionID := ev.Metadata[metaSessionID]
	creatorID := ev.Metadata[metaCreatorID]
	if contentID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: succeeded event %s carries no recovery metadata", ErrPurchaseNotFound, ev.ID)
	}
	if creatorID == "" {
		c, err := s.contents.Get(ctx, contentID)
		if err != nil {
			return nil, fmt.Errorf("recover purchase: resolve content %s: %w", contentID, err)
		}
		creatorID = c.CreatorID
	}

	// Money was charged, so the buyer gets a purchase even if the content
	// was pulled in the meantime. The earnings basis prefers the recorded
	// base price; without one the charged amount is the only anchor left.
	basis := PricingBasis{Kind: BasisLegacyAmount, Cents: ev.AmountCents}
	if raw := ev.Metadata[metaBasePrice]; raw != "" {
		if cents, err := strconv.ParseInt(raw, 10, 64); err == nil && cents > 0 {
			basis = PricingBasis{Kind: BasisBasePrice, Cents: cents}
		}
	}

	now := s.now()
	id := ev.Metadata[metaPurchaseID]
	if id == "" {
		id = idgen.WithPrefix("pur_")
	}
	p := &Purchase{
		ID:                   id,
		ContentID:            contentID,
		CreatorID:            creatorID,
		SessionID:            sessionID,
		AmountCents:          ev.AmountCents,
		Currency:             s.policy.Currency,
		Basis:                basis,
		GatewayIntentID:      ev.IntentID,
		Status:               StatusPending,
		AccessToken:          idgen.Token(32),
		RecoveredFromWebhook: true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	// The intent id is unique across purchases, so a concurrent recovery
	// or a late-arriving original insert collapses to one row.
	created, err := s.store.CreateRecovered(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("recover purchase: %w", err)
	}
	if created.ID == p.ID {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "recovered").Inc()
		s.logger.Warn("purchase recovered from webhook",
			"purchaseId", created.ID,
			"intentId", ev.IntentID,
			"contentId", contentID)
	}
	return created, nil
}

// complete runs the store's guarded completion and reports which path won.
func (s *Service) complete(ctx context.Context, p *Purchase, trigger Trigger) (*Purchase, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.Complete",
		traces.PurchaseID(p.ID), traces.Trigger(string(trigger)))
	defer span.End()

	rec := CompletionRecord{
		TransactionID: p.GatewayIntentID,
		Trigger:       trigger,
		CompletionKey: idgen.New(),
		EarningsCents: p.Basis.EarningsCents(),
		Now:           s.now(),
	}

	done, applied, err := s.store.Complete(ctx, p.ID, rec)
	if err != nil {
		metrics.CompletionsTotal.WithLabelValues(string(trigger), "error").Inc()
		return nil, err
	}
	if !applied {
		// The other path got there first. That is the expected outcome
		// of the race, not an error.
		metrics.CompletionsTotal.WithLabelValues(string(trigger), "lost_race").Inc()
		s.logger.Info("completion already applied",
			"purchaseId", p.ID,
			"trigger", string(trigger),
			"completedBy", string(done.CompletedBy))
		return done, nil
	}

	metrics.CompletionsTotal.WithLabelValues(string(trigger), "completed").Inc()
	s.logger.Info("purchase completed",
		"purchaseId", done.ID,
		"trigger", string(trigger),
		"amountCents", done.AmountCents,
		"earningsCents", done.EarningsCents)

	if s.notifier != nil {
		s.notifier.PurchaseCompleted(ctx, done)
	}
	return done, nil
}
