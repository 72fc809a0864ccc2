package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ghprofit/velo-sub000/internal/circuitbreaker"
)

func newBreakerFake() (*FakeClient, *ResilientClient) {
	f := NewFakeClient()
	return f, WithBreaker(f, circuitbreaker.New(3, time.Minute))
}

func TestBreakerTripsOnTransportFailures(t *testing.T) {
	f, rc := newBreakerFake()
	ctx := context.Background()

	f.FailCreate = errors.New("connection reset")
	for i := 0; i < 3; i++ {
		if _, err := rc.CreateIntent(ctx, 2200, "usd", nil); err == nil {
			t.Fatalf("attempt %d: expected transport error", i)
		}
	}

	_, err := rc.CreateIntent(ctx, 2200, "usd", nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after threshold, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("breaker rejection must not be retryable")
	}
	if rc.Healthy() {
		t.Error("Healthy should report false with an open circuit")
	}
}

func TestBreakerIgnoresSemanticErrors(t *testing.T) {
	_, rc := newBreakerFake()
	ctx := context.Background()

	// Unknown intents are a semantic miss, not a gateway outage.
	for i := 0; i < 10; i++ {
		if _, err := rc.RetrieveIntent(ctx, "pi_missing"); !errors.Is(err, ErrIntentNotFound) {
			t.Fatalf("expected ErrIntentNotFound, got %v", err)
		}
	}

	if !rc.Healthy() {
		t.Error("semantic errors must not open the circuit")
	}
}

func TestBreakerCircuitsAreIndependent(t *testing.T) {
	f, rc := newBreakerFake()
	ctx := context.Background()

	in, err := f.CreateIntent(ctx, 2200, "usd", nil)
	if err != nil {
		t.Fatalf("seed intent: %v", err)
	}

	f.FailCreate = errors.New("connection reset")
	for i := 0; i < 3; i++ {
		_, _ = rc.CreateIntent(ctx, 2200, "usd", nil)
	}

	// create_intent is open, retrieve_intent still flows.
	if _, err := rc.RetrieveIntent(ctx, in.ID); err != nil {
		t.Fatalf("retrieve should bypass the create circuit: %v", err)
	}
}

func TestBreakerSkipsWebhookVerification(t *testing.T) {
	f, rc := newBreakerFake()

	f.FailCreate = errors.New("connection reset")
	for i := 0; i < 3; i++ {
		_, _ = rc.CreateIntent(context.Background(), 2200, "usd", nil)
	}

	payload, _ := json.Marshal(&Event{ID: "evt_1", Type: EventPaymentSucceeded, IntentID: "pi_x"})
	if _, err := rc.VerifyAndParseEvent(payload, f.SignEvent(payload)); err != nil {
		t.Fatalf("signature verification is local and must not be circuited: %v", err)
	}
}
