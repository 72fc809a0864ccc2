package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghprofit/velo-sub000/internal/metrics"
	"github.com/ghprofit/velo-sub000/internal/money"
	"github.com/ghprofit/velo-sub000/internal/traces"
)

// refundPlan is the resolved effect of one refund report. Both store
// implementations compute it inside their critical section, against the row
// as currently persisted, so duplicate and out-of-order reports settle on the
// same totals regardless of delivery order.
type refundPlan struct {
	TotalCents int64
	DeltaCents int64
	Status     Status
	Full       bool

	// Reverse is set on the transition into a full refund: the creator
	// credit and the content purchase stats are backed out exactly once.
	Reverse bool

	// ReversedFromAvailable picks the balance bucket the reversal debits,
	// depending on whether the hold had already released the earnings.
	ReversedFromAvailable bool
}

// planRefund classifies a refund report against the purchase's persisted
// state. A nil plan with a nil error means the report is a duplicate or
// otherwise carries nothing new and should be ignored.
func planRefund(p *Purchase, rep RefundReport) (*refundPlan, error) {
	if p.Status == StatusPending {
		// The refund event outran the payment success event. Failing
		// here bubbles a non-2xx out of the webhook, so the gateway
		// redelivers once the completion has landed.
		return nil, ErrRefundBeforePayment
	}
	if !p.Status.Settled() {
		// Refund event for a failed purchase. Nothing was credited,
		// so there is nothing to reconcile.
		return nil, nil
	}

	var total int64
	if rep.Cumulative {
		total = rep.Cents
		if total <= p.RefundedCents {
			return nil, nil
		}
	} else {
		if rep.Cents <= 0 {
			return nil, nil
		}
		total = p.RefundedCents + rep.Cents
	}

	if total > money.ApplyBps(p.AmountCents, RefundToleranceBps) {
		return nil, fmt.Errorf("%w: reported %d against charge %d", ErrRefundOverflow, total, p.AmountCents)
	}

	plan := &refundPlan{
		TotalCents: total,
		DeltaCents: total - p.RefundedCents,
		Status:     StatusPartiallyRefunded,
	}
	if total >= money.ApplyBps(p.AmountCents, FullRefundThresholdBps) {
		plan.Status = StatusRefunded
		plan.Full = true
		plan.Reverse = p.Status != StatusRefunded
		plan.ReversedFromAvailable = p.EarningsReleased
	}
	return plan, nil
}

// ApplyRefund reconciles a single refund event amount against the purchase
// identified by its gateway intent id.
func (s *Service) ApplyRefund(ctx context.Context, intentID string, amountCents int64) (*RefundOutcome, error) {
	return s.applyRefund(ctx, intentID, RefundReport{Cents: amountCents, Now: s.now()})
}

// ApplyRefundTotal reconciles a gateway-reported cumulative refund total.
// This is the webhook path: charge events carry the running total, so a
// redelivered event resolves to a zero delta and is ignored.
func (s *Service) ApplyRefundTotal(ctx context.Context, intentID string, totalCents int64) (*RefundOutcome, error) {
	return s.applyRefund(ctx, intentID, RefundReport{Cents: totalCents, Cumulative: true, Now: s.now()})
}

func (s *Service) applyRefund(ctx context.Context, intentID string, rep RefundReport) (*RefundOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.ApplyRefund", traces.IntentID(intentID))
	defer span.End()

	out, err := s.store.ApplyRefund(ctx, intentID, rep)
	if err != nil {
		if errors.Is(err, ErrRefundBeforePayment) {
			// Failing the delivery makes the gateway retry, by
			// which time the completion should have landed.
			s.logger.Warn("refund reported before completion",
				"intentId", intentID,
				"reportedCents", rep.Cents)
			return nil, err
		}
		if errors.Is(err, ErrRefundOverflow) {
			// An over-tolerance total points at a gateway-side
			// inconsistency. Surface it in the logs for operators
			// but do not fail the webhook delivery.
			s.logger.Error("refund total exceeds tolerance",
				"intentId", intentID,
				"reportedCents", rep.Cents,
				"cumulative", rep.Cumulative)
			metrics.RefundsTotal.WithLabelValues("overflow").Inc()
			return &RefundOutcome{Applied: false}, nil
		}
		return nil, err
	}

	if !out.Applied {
		s.logger.Info("refund report ignored", "intentId", intentID, "reportedCents", rep.Cents)
		metrics.RefundsTotal.WithLabelValues("duplicate").Inc()
		return out, nil
	}

	kind := "partial"
	if out.Full {
		kind = "full"
	}
	metrics.RefundsTotal.WithLabelValues(kind).Inc()
	s.logger.Info("refund reconciled",
		"purchaseId", out.Purchase.ID,
		"intentId", intentID,
		"refundedTotalCents", out.Purchase.RefundedCents,
		"status", string(out.Purchase.Status),
		"earningsReversed", out.Reversed)

	if s.notifier != nil {
		s.notifier.PurchaseRefunded(ctx, out.Purchase)
	}
	return out, nil
}
