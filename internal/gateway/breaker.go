package gateway

import (
	"context"
	"errors"

	"github.com/ghprofit/velo-sub000/internal/circuitbreaker"
)

// ErrCircuitOpen means the breaker is rejecting gateway calls after repeated
// transport failures. It is deliberately not a *Error: retrying immediately
// is pointless while the circuit is open.
var ErrCircuitOpen = errors.New("payment gateway circuit open")

// ResilientClient wraps a Client with a per-operation circuit breaker.
// Only transport failures (wrapped *Error) count against the circuit;
// semantic results like ErrIntentNotFound do not.
type ResilientClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps client with a circuit breaker.
func WithBreaker(client Client, breaker *circuitbreaker.Breaker) *ResilientClient {
	return &ResilientClient{inner: client, breaker: breaker}
}

// Healthy reports whether all gateway circuits are currently closed.
func (r *ResilientClient) Healthy() bool {
	for _, op := range []string{"create_intent", "retrieve_intent", "create_refund"} {
		if r.breaker.State(op) == circuitbreaker.StateOpen {
			return false
		}
	}
	return true
}

func (r *ResilientClient) record(op string, err error) {
	if IsRetryable(err) {
		r.breaker.RecordFailure(op)
		return
	}
	r.breaker.RecordSuccess(op)
}

func (r *ResilientClient) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	const op = "create_intent"
	if !r.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	in, err := r.inner.CreateIntent(ctx, amountCents, currency, metadata)
	r.record(op, err)
	return in, err
}

func (r *ResilientClient) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	const op = "retrieve_intent"
	if !r.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	in, err := r.inner.RetrieveIntent(ctx, intentID)
	r.record(op, err)
	return in, err
}

func (r *ResilientClient) CreateRefund(ctx context.Context, intentID string, amountCents int64) (*Refund, error) {
	const op = "create_refund"
	if !r.breaker.Allow(op) {
		return nil, ErrCircuitOpen
	}
	ref, err := r.inner.CreateRefund(ctx, intentID, amountCents)
	r.record(op, err)
	return ref, err
}

// VerifyAndParseEvent is local signature verification; no circuit applies.
func (r *ResilientClient) VerifyAndParseEvent(payload []byte, sigHeader string) (*Event, error) {
	return r.inner.VerifyAndParseEvent(payload, sigHeader)
}
