package notify

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghprofit/velo-sub000/internal/purchase"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherDeliversSignedEvents(t *testing.T) {
	var received atomic.Int32
	var body []byte
	var sig, evType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Velo-Signature")
		evType = r.Header.Get("X-Velo-Event")
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, "signing_secret", discardLogger())
	d.PurchaseCompleted(context.Background(), &purchase.Purchase{
		ID:          "pur_test000001",
		ContentID:   "cnt_test000001",
		CreatorID:   "creator_ada",
		AmountCents: 2200,
		AccessToken: "tok_abc",
	})
	d.Flush()

	if received.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", received.Load())
	}
	if evType != string(EventPurchaseCompleted) {
		t.Errorf("unexpected event header: %s", evType)
	}
	want := Sign(body, "signing_secret")
	if !hmac.Equal([]byte(want), []byte(sig)) {
		t.Error("signature does not verify against the payload")
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != EventPurchaseCompleted {
		t.Errorf("unexpected type: %s", ev.Type)
	}
	if ev.Data["purchaseId"] != "pur_test000001" {
		t.Errorf("unexpected payload: %+v", ev.Data)
	}
}

func TestDispatcherDeviceCode(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, "", discardLogger())
	d.DeviceCodeIssued(context.Background(), "buyer@example.com", "123456", time.Now().Add(15*time.Minute))
	d.Flush()

	if got.Type != EventDeviceCode {
		t.Fatalf("expected device code event, got %s", got.Type)
	}
	if got.Data["email"] != "buyer@example.com" || got.Data["code"] != "123456" {
		t.Errorf("unexpected payload: %+v", got.Data)
	}
}

func TestDispatcherSurvivesEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, "s", discardLogger())
	// Must not panic or block the caller.
	d.PurchaseRefunded(context.Background(), &purchase.Purchase{ID: "pur_test000002"})
	d.Flush()
}
