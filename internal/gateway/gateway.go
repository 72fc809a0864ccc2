// Package gateway abstracts the external payment gateway.
//
// The gateway authorizes and settles buyer charges and later reports refunds.
// It is trusted but unreliable: calls can time out, and event delivery is
// at-least-once and unordered. Callers must treat every event and every
// completion signal as potentially duplicated.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature means an inbound event's signature did not verify.
	// The webhook handler rejects the delivery so the gateway retries it.
	ErrInvalidSignature = errors.New("event signature verification failed")

	// ErrIntentNotFound means the gateway has no record of the intent.
	ErrIntentNotFound = errors.New("payment intent not found")
)

// Error wraps a transport-level gateway failure. These are retryable:
// the caller may repeat the operation because reconciliation is idempotent.
type Error struct {
	Op  string // "create_intent", "retrieve_intent", "create_refund"
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}

// IntentStatus is the gateway-side state of a payment intent.
type IntentStatus string

const (
	IntentSucceeded       IntentStatus = "succeeded"
	IntentProcessing      IntentStatus = "processing"
	IntentRequiresPayment IntentStatus = "requires_payment_method"
	IntentCanceled        IntentStatus = "canceled"
)

// Intent is the gateway's handle for a single attempted charge.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	AmountCents  int64
	Currency     string
	Metadata     map[string]string
}

// Refund is the gateway's record of a refund request.
type Refund struct {
	ID     string
	Status string
}

// EventType identifies an inbound gateway event.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_intent.succeeded"
	EventPaymentFailed    EventType = "payment_intent.payment_failed"
	EventChargeRefunded   EventType = "charge.refunded"
)

// Event is a verified inbound gateway event.
//
// For refund events, AmountRefundedCents is the cumulative amount refunded
// on the charge as reported by the gateway, not this event's delta.
type Event struct {
	ID                  string
	Type                EventType
	IntentID            string
	AmountCents         int64
	AmountRefundedCents int64
	Metadata            map[string]string
}

// Client is the capability interface consumed by the purchase service.
// Implementations: StripeClient (production), FakeClient (tests, dev mode).
type Client interface {
	// CreateIntent registers a new charge attempt for amountCents and returns
	// the intent handle including the client secret the buyer needs to pay.
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error)

	// RetrieveIntent fetches the current remote status of an intent.
	RetrieveIntent(ctx context.Context, intentID string) (*Intent, error)

	// CreateRefund refunds amountCents of the intent's charge.
	// amountCents <= 0 refunds the full remaining amount.
	CreateRefund(ctx context.Context, intentID string, amountCents int64) (*Refund, error)

	// VerifyAndParseEvent authenticates a raw webhook payload against its
	// signature header and decodes it. Returns ErrInvalidSignature when the
	// signature does not verify.
	VerifyAndParseEvent(payload []byte, sigHeader string) (*Event, error)
}
