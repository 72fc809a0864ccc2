package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/ghprofit/velo-sub000/internal/metrics"
)

// StripeClient implements Client against the Stripe API. Circuit breaking
// lives in ResilientClient; this type only does the wire calls.
type StripeClient struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

// NewStripeClient creates a Stripe-backed gateway client. Calls are bounded
// by timeout so a Stripe outage fails fast instead of stacking up blocked
// confirm requests.
func NewStripeClient(secretKey, webhookSecret string, timeout time.Duration) *StripeClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{
		api:           api,
		webhookSecret: webhookSecret,
		timeout:       timeout,
	}
}

// CreateIntent registers a charge attempt with Stripe. The metadata travels
// with the intent and comes back on webhook events, which is what makes the
// webhook-side purchase recovery path possible.
func (s *StripeClient) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	const op = "create_intent"

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	timer := prometheus.NewTimer(metrics.GatewayCallDuration.WithLabelValues(op))
	pi, err := s.api.PaymentIntents.New(params)
	timer.ObserveDuration()
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	return intentFromStripe(pi), nil
}

// RetrieveIntent fetches the intent's current remote status.
func (s *StripeClient) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	const op = "retrieve_intent"

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}}

	timer := prometheus.NewTimer(metrics.GatewayCallDuration.WithLabelValues(op))
	pi, err := s.api.PaymentIntents.Get(intentID, params)
	timer.ObserveDuration()
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return nil, ErrIntentNotFound
		}
		return nil, &Error{Op: op, Err: err}
	}

	return intentFromStripe(pi), nil
}

// CreateRefund refunds part or all of the intent's charge.
func (s *StripeClient) CreateRefund(ctx context.Context, intentID string, amountCents int64) (*Refund, error) {
	const op = "create_refund"

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(intentID),
	}
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}

	timer := prometheus.NewTimer(metrics.GatewayCallDuration.WithLabelValues(op))
	r, err := s.api.Refunds.New(params)
	timer.ObserveDuration()
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	return &Refund{ID: r.ID, Status: string(r.Status)}, nil
}

// VerifyAndParseEvent checks the Stripe-Signature header against the webhook
// signing secret and decodes the event envelope. Signature failures map to
// ErrInvalidSignature; unhandled event types come back with an empty IntentID
// and are ignored by the caller.
func (s *StripeClient) VerifyAndParseEvent(payload []byte, sigHeader string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{
		ID:   ev.ID,
		Type: EventType(ev.Type),
	}

	switch out.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent event: %w", err)
		}
		out.IntentID = pi.ID
		out.AmountCents = pi.Amount
		out.Metadata = pi.Metadata

	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge event: %w", err)
		}
		if ch.PaymentIntent != nil {
			out.IntentID = ch.PaymentIntent.ID
		}
		out.AmountRefundedCents = ch.AmountRefunded
		out.Metadata = ch.Metadata
	}

	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}
