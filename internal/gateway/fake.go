package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ghprofit/velo-sub000/internal/idgen"
)

// FakeClient is an in-memory gateway for tests and development mode.
// Intents start in requires_payment_method; tests drive them to succeeded
// with MarkSucceeded, mirroring the buyer paying out-of-band.
type FakeClient struct {
	mu      sync.Mutex
	intents map[string]*Intent
	refunds []*Refund

	// Secret signs fake webhook payloads (hex HMAC-SHA256).
	Secret string

	// Failure injection
	FailCreate   error
	FailRetrieve error
	FailRefund   error
}

// NewFakeClient creates an empty fake gateway.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		intents: make(map[string]*Intent),
		Secret:  "fake_webhook_secret",
	}
}

func (f *FakeClient) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreate != nil {
		return nil, &Error{Op: "create_intent", Err: f.FailCreate}
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	in := &Intent{
		ID:           idgen.WithPrefix("pi_"),
		ClientSecret: idgen.WithPrefix("pi_secret_"),
		Status:       IntentRequiresPayment,
		AmountCents:  amountCents,
		Currency:     currency,
		Metadata:     md,
	}
	f.intents[in.ID] = in

	cp := *in
	return &cp, nil
}

func (f *FakeClient) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailRetrieve != nil {
		return nil, &Error{Op: "retrieve_intent", Err: f.FailRetrieve}
	}

	in, ok := f.intents[intentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *in
	return &cp, nil
}

func (f *FakeClient) CreateRefund(ctx context.Context, intentID string, amountCents int64) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailRefund != nil {
		return nil, &Error{Op: "create_refund", Err: f.FailRefund}
	}

	if _, ok := f.intents[intentID]; !ok {
		return nil, ErrIntentNotFound
	}
	r := &Refund{ID: idgen.WithPrefix("re_"), Status: "succeeded"}
	f.refunds = append(f.refunds, r)
	cp := *r
	return &cp, nil
}

// VerifyAndParseEvent expects payload to be a JSON-encoded Event and
// sigHeader to be hex(HMAC-SHA256(payload, Secret)).
func (f *FakeClient) VerifyAndParseEvent(payload []byte, sigHeader string) (*Event, error) {
	if !f.validSignature(payload, sigHeader) {
		return nil, ErrInvalidSignature
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// MarkSucceeded flips an intent to succeeded, as if the buyer had paid.
func (f *FakeClient) MarkSucceeded(intentID string) error {
	return f.setStatus(intentID, IntentSucceeded)
}

// MarkProcessing flips an intent to processing.
func (f *FakeClient) MarkProcessing(intentID string) error {
	return f.setStatus(intentID, IntentProcessing)
}

func (f *FakeClient) setStatus(intentID string, status IntentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	in, ok := f.intents[intentID]
	if !ok {
		return ErrIntentNotFound
	}
	in.Status = status
	return nil
}

// Refunds returns all refunds created so far.
func (f *FakeClient) Refunds() []*Refund {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*Refund, len(f.refunds))
	for i, r := range f.refunds {
		cp := *r
		out[i] = &cp
	}
	return out
}

// SignEvent produces the signature header for a fake webhook payload.
func (f *FakeClient) SignEvent(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(f.Secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *FakeClient) validSignature(payload []byte, sigHeader string) bool {
	want := f.SignEvent(payload)
	return hmac.Equal([]byte(want), []byte(sigHeader))
}
