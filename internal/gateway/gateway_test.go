package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestFakeClient_IntentLifecycle(t *testing.T) {
	f := NewFakeClient()
	ctx := context.Background()

	in, err := f.CreateIntent(ctx, 2200, "usd", map[string]string{"purchase_id": "pur_1"})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if in.ID == "" || in.ClientSecret == "" {
		t.Fatal("expected intent id and client secret")
	}
	if in.Status != IntentRequiresPayment {
		t.Fatalf("expected requires_payment_method, got %s", in.Status)
	}

	got, err := f.RetrieveIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("RetrieveIntent: %v", err)
	}
	if got.AmountCents != 2200 || got.Metadata["purchase_id"] != "pur_1" {
		t.Fatalf("intent round trip mismatch: %+v", got)
	}

	if err := f.MarkSucceeded(in.ID); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	got, _ = f.RetrieveIntent(ctx, in.ID)
	if got.Status != IntentSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestFakeClient_UnknownIntent(t *testing.T) {
	f := NewFakeClient()

	_, err := f.RetrieveIntent(context.Background(), "pi_missing")
	if !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}

func TestFakeClient_FailureInjection(t *testing.T) {
	f := NewFakeClient()
	f.FailCreate = errors.New("connection reset")

	_, err := f.CreateIntent(context.Background(), 100, "usd", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Fatal("injected failure should be retryable")
	}
}

func TestFakeClient_VerifyAndParseEvent(t *testing.T) {
	f := NewFakeClient()

	payload, _ := json.Marshal(&Event{
		ID:       "evt_1",
		Type:     EventPaymentSucceeded,
		IntentID: "pi_abc",
		Metadata: map[string]string{"content_id": "cnt_1"},
	})

	ev, err := f.VerifyAndParseEvent(payload, f.SignEvent(payload))
	if err != nil {
		t.Fatalf("VerifyAndParseEvent: %v", err)
	}
	if ev.IntentID != "pi_abc" || ev.Type != EventPaymentSucceeded {
		t.Fatalf("unexpected event: %+v", ev)
	}

	_, err = f.VerifyAndParseEvent(payload, "deadbeef")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("timeout")
	err := &Error{Op: "create_intent", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatal("expected Error to unwrap to inner")
	}
	if !IsRetryable(err) {
		t.Fatal("expected gateway Error to be retryable")
	}
	if IsRetryable(ErrInvalidSignature) {
		t.Fatal("signature failure is not retryable")
	}
}
