package purchase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghprofit/velo-sub000/internal/gateway"
)

// The fixture charge is 2200 cents. Full refund threshold is 2178 (99%) and
// the tolerated ceiling is 2222 (101%).

func TestPartialRefundKeepsEarnings(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	out, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, 400)
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if !out.Applied || out.Full || out.Reversed {
		t.Errorf("expected applied partial refund, got %+v", out)
	}
	if out.Purchase.Status != StatusPartiallyRefunded {
		t.Errorf("expected partially_refunded, got %s", out.Purchase.Status)
	}
	if out.Purchase.RefundedCents != 400 {
		t.Errorf("expected 400 refunded, got %d", out.Purchase.RefundedCents)
	}
	if out.Purchase.RefundedAt == nil {
		t.Error("refundedAt should be set")
	}

	// A partial refund is a courtesy to the buyer; the creator keeps the
	// full credit and the sale stays counted.
	acct := f.creatorAccount(t)
	if acct.PendingCents != 1800 || acct.TotalPurchases != 1 {
		t.Errorf("partial refund must not touch earnings: %+v", acct)
	}
	stats := f.contentStats(t)
	if stats.PurchaseCount != 1 || stats.RevenueCents != 2200 {
		t.Errorf("partial refund must not touch content stats: count=%d revenue=%d", stats.PurchaseCount, stats.RevenueCents)
	}
}

func TestFullRefundReversesOnce(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	out, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, 2200)
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if !out.Full || !out.Reversed {
		t.Errorf("expected full reversal, got %+v", out)
	}
	if out.Purchase.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", out.Purchase.Status)
	}

	acct := f.creatorAccount(t)
	if acct.PendingCents != 0 || acct.TotalEarningsCents != 0 || acct.TotalPurchases != 0 {
		t.Errorf("earnings not reversed: %+v", acct)
	}
	stats := f.contentStats(t)
	if stats.PurchaseCount != 0 || stats.RevenueCents != 0 {
		t.Errorf("content stats not reversed: count=%d revenue=%d", stats.PurchaseCount, stats.RevenueCents)
	}
	if len(f.notes.refunded) != 1 {
		t.Errorf("expected one refund notification, got %d", len(f.notes.refunded))
	}
}

func TestRefundThresholdBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		cents int64
		full  bool
	}{
		{"at 99 percent", 2178, true},
		{"just below 99 percent", 2177, false},
		{"exactly the charge", 2200, true},
		{"at tolerance ceiling", 2222, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.openCompleted(t, "fp-laptop-0001")

			out, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, tc.cents)
			if err != nil {
				t.Fatalf("apply refund: %v", err)
			}
			if out.Full != tc.full {
				t.Errorf("refund of %d: full=%v, want %v", tc.cents, out.Full, tc.full)
			}
		})
	}
}

func TestRefundOverflowRejected(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	// 2223 > 101% of the charge: flagged for operators, not applied, and
	// the webhook delivery still succeeds.
	out, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, 2223)
	if err != nil {
		t.Fatalf("overflow must not fail the caller: %v", err)
	}
	if out.Applied {
		t.Error("overflowing refund must not be applied")
	}

	got, err := f.svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.RefundedCents != 0 {
		t.Errorf("purchase must be untouched after overflow: status=%s refunded=%d", got.Status, got.RefundedCents)
	}
	acct := f.creatorAccount(t)
	if acct.PendingCents != 1800 {
		t.Errorf("earnings must be untouched after overflow: %+v", acct)
	}
}

func TestIncrementalRefundsAccumulate(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	if _, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, 400); err != nil {
		t.Fatal(err)
	}
	out, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, 1800)
	if err != nil {
		t.Fatal(err)
	}

	if out.Purchase.RefundedCents != 2200 {
		t.Errorf("expected accumulated total 2200, got %d", out.Purchase.RefundedCents)
	}
	if !out.Full || !out.Reversed {
		t.Errorf("accumulated full refund should reverse, got %+v", out)
	}

	acct := f.creatorAccount(t)
	if acct.PendingCents != 0 {
		t.Errorf("expected reversal after crossing threshold: %+v", acct)
	}
}

// TestDuplicateRefundEvent: the webhook path carries the gateway's running
// total, so a redelivered event resolves to nothing new.
func TestDuplicateRefundEvent(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	for i := 0; i < 2; i++ {
		out, err := f.svc.ApplyRefundTotal(context.Background(), p.GatewayIntentID, 2200)
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if i == 0 && !out.Reversed {
			t.Error("first delivery should reverse")
		}
		if i == 1 && out.Applied {
			t.Error("second delivery should be ignored")
		}
	}

	acct := f.creatorAccount(t)
	if acct.PendingCents != 0 || acct.TotalEarningsCents != 0 {
		t.Errorf("reversal applied twice: %+v", acct)
	}
	stats := f.contentStats(t)
	if stats.PurchaseCount != 0 {
		t.Errorf("content reversal applied twice: %d", stats.PurchaseCount)
	}
}

func TestPartialThenFullRefundReversesOnce(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	if _, err := f.svc.ApplyRefundTotal(context.Background(), p.GatewayIntentID, 400); err != nil {
		t.Fatal(err)
	}
	acct := f.creatorAccount(t)
	if acct.PendingCents != 1800 {
		t.Fatalf("partial should not reverse: %+v", acct)
	}

	if _, err := f.svc.ApplyRefundTotal(context.Background(), p.GatewayIntentID, 2200); err != nil {
		t.Fatal(err)
	}
	acct = f.creatorAccount(t)
	if acct.PendingCents != 0 || acct.TotalEarningsCents != 0 {
		t.Errorf("full refund after partial should reverse exactly once: %+v", acct)
	}
}

// A refund landing after the hold released the earnings debits the available
// bucket instead of pending.
func TestFullRefundAfterRelease(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	f.clock.Advance(73 * time.Hour)
	released, err := f.svc.ReleaseMatureEarnings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("expected 1 release, got %d", released)
	}
	acct := f.creatorAccount(t)
	if acct.AvailableCents != 1800 || acct.PendingCents != 0 {
		t.Fatalf("release did not move buckets: %+v", acct)
	}

	out, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, 2200)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Reversed {
		t.Fatal("expected reversal")
	}
	acct = f.creatorAccount(t)
	if acct.AvailableCents != 0 {
		t.Errorf("reversal should debit the available bucket: %+v", acct)
	}
	if acct.PendingCents != 0 {
		t.Errorf("pending should stay untouched: %+v", acct)
	}
}

// A charge.refunded event can outrun the payment success event. The delivery
// must fail so the gateway redelivers, and the redelivery must reconcile once
// the completion has landed.
func TestRefundBeforeCompletionFailsDelivery(t *testing.T) {
	f := newFixture(t)
	res := f.open(t, "fp-laptop-0001")

	ev := &gateway.Event{
		ID:                  "evt_early_refund",
		Type:                gateway.EventChargeRefunded,
		IntentID:            res.Purchase.GatewayIntentID,
		AmountRefundedCents: 2200,
	}
	err := f.svc.HandleEvent(context.Background(), ev)
	if !errors.Is(err, ErrRefundBeforePayment) {
		t.Fatalf("expected ErrRefundBeforePayment, got %v", err)
	}

	p, err := f.svc.Get(context.Background(), res.Purchase.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusPending {
		t.Errorf("status must be unchanged, got %s", p.Status)
	}

	// The success event lands, then the redelivered refund reconciles.
	if err := f.svc.HandleEvent(context.Background(), succeededEvent(res.Purchase)); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("redelivered refund: %v", err)
	}

	p, err = f.svc.Get(context.Background(), res.Purchase.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusRefunded || p.RefundedCents != 2200 {
		t.Errorf("redelivery did not reconcile: status=%s refunded=%d", p.Status, p.RefundedCents)
	}
}

// A refund event for a failed purchase is acknowledged and dropped; nothing
// was ever credited, so there is nothing to reverse and no point retrying.
func TestRefundOnFailedPurchaseIgnored(t *testing.T) {
	f := newFixture(t)
	res := f.open(t, "fp-laptop-0001")

	failed := &gateway.Event{
		ID:       "evt_failed_then_refund",
		Type:     gateway.EventPaymentFailed,
		IntentID: res.Purchase.GatewayIntentID,
	}
	if err := f.svc.HandleEvent(context.Background(), failed); err != nil {
		t.Fatal(err)
	}

	out, err := f.svc.ApplyRefund(context.Background(), res.Purchase.GatewayIntentID, 2200)
	if err != nil {
		t.Fatalf("refund on failed purchase should be a no-op: %v", err)
	}
	if out.Applied {
		t.Error("nothing was credited, nothing should be reconciled")
	}
}

func TestZeroAmountRefundIgnored(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	for _, cents := range []int64{0, -50} {
		out, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, cents)
		if err != nil {
			t.Fatalf("refund of %d cents should be ignored, got %v", cents, err)
		}
		if out.Applied {
			t.Errorf("refund of %d cents must not apply", cents)
		}
	}

	got, err := f.svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.RefundedCents != 0 {
		t.Errorf("purchase changed: status=%s refunded=%d", got.Status, got.RefundedCents)
	}
}

func TestRefundUnknownIntent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ApplyRefund(context.Background(), "pi_unknown00001", 100)
	if err == nil {
		t.Fatal("expected an error for an unknown intent")
	}
}

func TestChargeRefundedEventRoutesToReconciler(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	ev := &gateway.Event{
		ID:                  "evt_refund_1",
		Type:                gateway.EventChargeRefunded,
		IntentID:            p.GatewayIntentID,
		AmountRefundedCents: 2200,
	}
	if err := f.svc.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle refund event: %v", err)
	}

	got, err := f.svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", got.Status)
	}
}

func TestReleaseMatureEarnings(t *testing.T) {
	f := newFixture(t)
	f.openCompleted(t, "fp-laptop-0001")

	// Inside the hold window nothing moves.
	f.clock.Advance(71 * time.Hour)
	released, err := f.svc.ReleaseMatureEarnings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Fatalf("hold not honored: released %d", released)
	}

	f.clock.Advance(2 * time.Hour)
	released, err = f.svc.ReleaseMatureEarnings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("expected 1 release, got %d", released)
	}

	acct := f.creatorAccount(t)
	if acct.PendingCents != 0 || acct.AvailableCents != 1800 {
		t.Errorf("release did not move pending to available: %+v", acct)
	}

	// A second pass finds nothing.
	released, err = f.svc.ReleaseMatureEarnings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Errorf("release applied twice: %d", released)
	}
}

func TestReleaseSkipsFullyRefunded(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	if _, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, 2200); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(80 * time.Hour)
	released, err := f.svc.ReleaseMatureEarnings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Errorf("refunded purchase must not release, got %d", released)
	}
	acct := f.creatorAccount(t)
	if acct.AvailableCents != 0 {
		t.Errorf("nothing should be available: %+v", acct)
	}
}

func TestPartiallyRefundedStillReleases(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	if _, err := f.svc.ApplyRefund(context.Background(), p.GatewayIntentID, 400); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(80 * time.Hour)
	released, err := f.svc.ReleaseMatureEarnings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("partially refunded purchase keeps its earnings, expected release, got %d", released)
	}
	acct := f.creatorAccount(t)
	if acct.AvailableCents != 1800 {
		t.Errorf("full earnings should release: %+v", acct)
	}
}
