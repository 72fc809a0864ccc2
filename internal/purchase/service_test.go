package purchase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ghprofit/velo-sub000/internal/content"
	"github.com/ghprofit/velo-sub000/internal/gateway"
	"github.com/ghprofit/velo-sub000/internal/ledger"
	"github.com/ghprofit/velo-sub000/internal/session"
)

// fakeClock is a mutable time source shared by the service and the session
// manager in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// captureNotifier records notifications for assertions.
type captureNotifier struct {
	mu        sync.Mutex
	completed []string
	refunded  []string
	codes     []string
	emails    []string
}

func (n *captureNotifier) PurchaseCompleted(ctx context.Context, p *Purchase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, p.ID)
}

func (n *captureNotifier) PurchaseRefunded(ctx context.Context, p *Purchase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refunded = append(n.refunded, p.ID)
}

func (n *captureNotifier) DeviceCodeIssued(ctx context.Context, email, code string, expiresAt time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, email)
	n.codes = append(n.codes, code)
}

func (n *captureNotifier) lastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.codes) == 0 {
		return ""
	}
	return n.codes[len(n.codes)-1]
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	contents *content.MemoryStore
	accounts *ledger.MemoryStore
	gw       *gateway.FakeClient
	clock    *fakeClock
	notes    *captureNotifier
	item     *content.Content
}

// newFixture wires the full memory-mode stack around one published $20.00
// content item. The buyer pays $22.00 and the creator earns $18.00.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	contents := content.NewMemoryStore()
	accounts := ledger.NewMemoryStore()
	sessions := session.NewManager(session.NewMemoryStore()).WithClock(clock.Now)
	store := NewMemoryStore(contents, accounts)
	gw := gateway.NewFakeClient()
	notes := &captureNotifier{}

	basePrice := int64(2000)
	item := &content.Content{
		ID:             "cnt_fieldnotes01",
		CreatorID:      "creator_ada",
		Title:          "Field Notes",
		Status:         content.StatusPublished,
		BasePriceCents: &basePrice,
		CreatedAt:      clock.Now(),
		UpdatedAt:      clock.Now(),
	}
	if err := contents.Create(context.Background(), item); err != nil {
		t.Fatalf("seed content: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, contents, sessions, gw, DefaultPolicy(), logger).
		WithNotifier(notes).
		WithClock(clock.Now)

	return &fixture{
		svc:      svc,
		store:    store,
		contents: contents,
		accounts: accounts,
		gw:       gw,
		clock:    clock,
		notes:    notes,
		item:     item,
	}
}

func (f *fixture) open(t *testing.T, fingerprint string) *OpenResult {
	t.Helper()
	res, err := f.svc.Open(context.Background(), OpenRequest{
		ContentID:   f.item.ID,
		Fingerprint: fingerprint,
	})
	if err != nil {
		t.Fatalf("open purchase: %v", err)
	}
	return res
}

// openCompleted opens a purchase and completes it through the client path.
func (f *fixture) openCompleted(t *testing.T, fingerprint string) *Purchase {
	t.Helper()
	res := f.open(t, fingerprint)
	if err := f.gw.MarkSucceeded(res.Purchase.GatewayIntentID); err != nil {
		t.Fatalf("mark intent succeeded: %v", err)
	}
	p, err := f.svc.Confirm(context.Background(), res.Purchase.ID, res.Purchase.GatewayIntentID)
	if err != nil {
		t.Fatalf("confirm purchase: %v", err)
	}
	return p
}

func (f *fixture) creatorAccount(t *testing.T) *ledger.Account {
	t.Helper()
	acct, err := f.accounts.GetAccount(context.Background(), f.item.CreatorID)
	if err != nil {
		t.Fatalf("get creator account: %v", err)
	}
	return acct
}

func (f *fixture) contentStats(t *testing.T) *content.Content {
	t.Helper()
	c, err := f.contents.Get(context.Background(), f.item.ID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	return c
}

func TestOpenCreatesPendingPurchase(t *testing.T) {
	f := newFixture(t)

	res := f.open(t, "fp-laptop-0001")
	p := res.Purchase

	if p.Status != StatusPending {
		t.Errorf("expected pending, got %s", p.Status)
	}
	if p.AmountCents != 2200 {
		t.Errorf("expected 10%% markup on 2000, got %d", p.AmountCents)
	}
	if p.Basis.Kind != BasisBasePrice || p.Basis.Cents != 2000 {
		t.Errorf("unexpected pricing basis: %+v", p.Basis)
	}
	if p.GatewayIntentID == "" {
		t.Error("expected gateway intent id on the persisted purchase")
	}
	if res.ClientSecret == "" {
		t.Error("expected a client secret for the payment UI")
	}
	if res.SessionToken == "" {
		t.Error("expected a session token for the anonymous buyer")
	}
	if !p.TrustsFingerprint("fp-laptop-0001") {
		t.Error("opening device should be trusted")
	}
	if p.AccessToken == "" {
		t.Error("expected an access token")
	}

	stored, err := f.svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get purchase: %v", err)
	}
	if stored.GatewayIntentID != p.GatewayIntentID {
		t.Error("stored purchase lost its intent id")
	}
}

func TestOpenUnpublishedContent(t *testing.T) {
	f := newFixture(t)

	price := int64(2000)
	removed := &content.Content{
		ID:             "cnt_removed0001",
		CreatorID:      "creator_ada",
		Title:          "Taken Down",
		Status:         content.StatusRemoved,
		BasePriceCents: &price,
	}
	if err := f.contents.Create(context.Background(), removed); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Open(context.Background(), OpenRequest{ContentID: removed.ID, Fingerprint: "fp-laptop-0001"})
	if !errors.Is(err, ErrContentUnavailable) {
		t.Errorf("expected ErrContentUnavailable, got %v", err)
	}
}

func TestOpenUnpricedContent(t *testing.T) {
	f := newFixture(t)

	unpriced := &content.Content{
		ID:        "cnt_legacy0001",
		CreatorID: "creator_ada",
		Title:     "Legacy Item",
		Status:    content.StatusPublished,
	}
	if err := f.contents.Create(context.Background(), unpriced); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Open(context.Background(), OpenRequest{ContentID: unpriced.ID, Fingerprint: "fp-laptop-0001"})
	if !errors.Is(err, ErrContentUnavailable) {
		t.Errorf("expected ErrContentUnavailable for unpriced content, got %v", err)
	}
}

func TestOpenUnknownContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Open(context.Background(), OpenRequest{ContentID: "cnt_missing001", Fingerprint: "fp-laptop-0001"})
	if !errors.Is(err, ErrContentUnavailable) {
		t.Errorf("expected ErrContentUnavailable, got %v", err)
	}
}

func TestOpenShortCircuitsToExistingPurchase(t *testing.T) {
	f := newFixture(t)

	first := f.open(t, "fp-laptop-0001")
	if err := f.gw.MarkSucceeded(first.Purchase.GatewayIntentID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Confirm(context.Background(), first.Purchase.ID, first.Purchase.GatewayIntentID); err != nil {
		t.Fatal(err)
	}

	// Same session token, same content: no new charge.
	again, err := f.svc.Open(context.Background(), OpenRequest{
		ContentID:    f.item.ID,
		SessionToken: first.SessionToken,
		Fingerprint:  "fp-laptop-0001",
	})
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if !again.AlreadyPurchased {
		t.Fatal("expected already-purchased short circuit")
	}
	if again.Purchase.ID != first.Purchase.ID {
		t.Error("expected the existing purchase back")
	}
	if again.Purchase.AccessToken != first.Purchase.AccessToken {
		t.Error("expected the existing access token back")
	}
	if again.ClientSecret != "" {
		t.Error("no payment should be started for an owned item")
	}
}

func TestOpenSameFingerprintNewToken(t *testing.T) {
	f := newFixture(t)

	first := f.open(t, "fp-laptop-0001")
	if err := f.gw.MarkSucceeded(first.Purchase.GatewayIntentID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Confirm(context.Background(), first.Purchase.ID, first.Purchase.GatewayIntentID); err != nil {
		t.Fatal(err)
	}

	// Cleared cookies but same device: fingerprint resolves the canonical
	// session, so the buyer still is not double-charged.
	again, err := f.svc.Open(context.Background(), OpenRequest{
		ContentID:   f.item.ID,
		Fingerprint: "fp-laptop-0001",
	})
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if !again.AlreadyPurchased {
		t.Error("expected fingerprint continuity to find the purchase")
	}
}

func TestOpenGatewayFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)

	f.gw.FailCreate = errors.New("gateway down")
	_, err := f.svc.Open(context.Background(), OpenRequest{ContentID: f.item.ID, Fingerprint: "fp-laptop-0001"})
	if err == nil {
		t.Fatal("expected open to fail")
	}

	f.store.mu.Lock()
	n := len(f.store.purchases)
	f.store.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no persisted purchase after gateway failure, found %d", n)
	}

	// And the buyer can retry once the gateway recovers.
	f.gw.FailCreate = nil
	if res := f.open(t, "fp-laptop-0001"); res.Purchase.Status != StatusPending {
		t.Errorf("retry should open a pending purchase, got %s", res.Purchase.Status)
	}
}
