// Package notify delivers purchase lifecycle events to the configured
// delivery endpoint: receipt and refund emails to buyers, device verification
// codes, and creator sale notices all leave the system through here.
//
// Delivery is best effort and asynchronous. Reconciliation never waits on,
// or fails because of, a notification.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ghprofit/velo-sub000/internal/idgen"
	"github.com/ghprofit/velo-sub000/internal/metrics"
	"github.com/ghprofit/velo-sub000/internal/purchase"
)

// EventType represents the type of notification event.
type EventType string

const (
	EventPurchaseCompleted EventType = "purchase.completed"
	EventPurchaseRefunded  EventType = "purchase.refunded"
	EventDeviceCode        EventType = "device.code"
)

// Event is the payload posted to the delivery endpoint.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher posts signed notification events to a single delivery endpoint.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given endpoint. The secret signs
// each payload so the receiver can verify origin.
func NewDispatcher(url, secret string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// PurchaseCompleted implements purchase.Notifier.
func (d *Dispatcher) PurchaseCompleted(ctx context.Context, p *purchase.Purchase) {
	d.dispatch(EventPurchaseCompleted, map[string]any{
		"purchaseId":  p.ID,
		"contentId":   p.ContentID,
		"creatorId":   p.CreatorID,
		"amountCents": p.AmountCents,
		"accessToken": p.AccessToken,
	})
}

// PurchaseRefunded implements purchase.Notifier.
func (d *Dispatcher) PurchaseRefunded(ctx context.Context, p *purchase.Purchase) {
	d.dispatch(EventPurchaseRefunded, map[string]any{
		"purchaseId":    p.ID,
		"contentId":     p.ContentID,
		"creatorId":     p.CreatorID,
		"refundedCents": p.RefundedCents,
		"status":        string(p.Status),
	})
}

// DeviceCodeIssued implements purchase.Notifier.
func (d *Dispatcher) DeviceCodeIssued(ctx context.Context, email, code string, expiresAt time.Time) {
	d.dispatch(EventDeviceCode, map[string]any{
		"email":     email,
		"code":      code,
		"expiresAt": expiresAt,
	})
}

// dispatch sends the event without blocking the caller. The background
// context decouples delivery from the request lifecycle; an aborted purchase
// request must not cancel its receipt email.
func (d *Dispatcher) dispatch(typ EventType, data map[string]any) {
	ev := &Event{
		ID:        idgen.WithPrefix("ntf_"),
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.send(context.Background(), ev)
	}()
}

// Flush waits for in-flight deliveries. Called on shutdown so queued receipts
// are not dropped with the process.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.fail(ev, fmt.Sprintf("marshal: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		d.fail(ev, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Velo-Event", string(ev.Type))
	req.Header.Set("X-Velo-Timestamp", fmt.Sprintf("%d", ev.Timestamp.Unix()))
	if d.secret != "" {
		req.Header.Set("X-Velo-Signature", Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.fail(ev, fmt.Sprintf("request: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.fail(ev, fmt.Sprintf("status %d", resp.StatusCode))
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) fail(ev *Event, reason string) {
	metrics.NotificationsTotal.WithLabelValues("failed").Inc()
	d.logger.Warn("notification delivery failed",
		"eventId", ev.ID, "type", string(ev.Type), "reason", reason)
}

// Sign computes the hex HMAC-SHA256 signature the receiver verifies.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
