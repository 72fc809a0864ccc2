package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRequestCodeBindsFirstEmail(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	// The anonymous session has no email yet; the first request binds it.
	if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", "buyer@example.com"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if len(f.notes.codes) != 1 {
		t.Fatalf("expected one code email, got %d", len(f.notes.codes))
	}
	if f.notes.emails[0] != "buyer@example.com" {
		t.Errorf("code sent to wrong address: %s", f.notes.emails[0])
	}
	if len(f.notes.lastCode()) != 6 {
		t.Errorf("expected 6-digit code, got %q", f.notes.lastCode())
	}

	// A different email on a later request is rejected.
	err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-tablet-0001", "attacker@example.com")
	if !errors.Is(err, ErrEmailMismatch) {
		t.Errorf("expected ErrEmailMismatch, got %v", err)
	}

	// Case differences are not a mismatch.
	if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-tablet-0001", "Buyer@Example.COM"); err != nil {
		t.Errorf("case-insensitive match should pass: %v", err)
	}
}

func TestVerifyCodeTrustsDevice(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", "buyer@example.com"); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.VerifyDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", f.notes.lastCode())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !got.TrustsFingerprint("fp-phone-00001") {
		t.Error("device not trusted after verification")
	}
	if len(got.TrustedFingerprints) != 2 {
		t.Errorf("expected 2 trusted devices, got %d", len(got.TrustedFingerprints))
	}

	// The new device can now read.
	if _, err := f.svc.GrantAccess(context.Background(), p.AccessToken, "fp-phone-00001", "198.51.100.4"); err != nil {
		t.Errorf("verified device denied: %v", err)
	}
}

func TestVerifyWrongCode(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", "buyer@example.com"); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.VerifyDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", "000000")
	if f.notes.lastCode() == "000000" {
		t.Skip("generated code collided with the guess")
	}
	if !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Errorf("expected ErrInvalidOrExpiredCode, got %v", err)
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", "buyer@example.com"); err != nil {
		t.Fatal(err)
	}
	code := f.notes.lastCode()

	f.clock.Advance(16 * time.Minute)
	_, err := f.svc.VerifyDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", code)
	if !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Errorf("expected ErrInvalidOrExpiredCode after TTL, got %v", err)
	}
}

func TestVerifyConsumesAllCodesForFingerprint(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	// Two requests, two live codes for the same device.
	for i := 0; i < 2; i++ {
		if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", "buyer@example.com"); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := f.svc.VerifyDeviceCode(context.Background(), p.AccessToken, "fp-phone-00001", f.notes.lastCode()); err != nil {
		t.Fatal(err)
	}

	f.store.mu.Lock()
	remaining := len(f.store.deviceCodes[p.ID])
	f.store.mu.Unlock()
	if remaining != 0 {
		t.Errorf("all codes for the fingerprint should be consumed, %d left", remaining)
	}
}

func TestDeviceLimit(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	// The opener holds slot 1; verify devices into slots 2 and 3.
	for i := 0; i < 2; i++ {
		fp := fmt.Sprintf("fp-extra-%05d", i)
		if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, fp, "buyer@example.com"); err != nil {
			t.Fatalf("request for %s: %v", fp, err)
		}
		if _, err := f.svc.VerifyDeviceCode(context.Background(), p.AccessToken, fp, f.notes.lastCode()); err != nil {
			t.Fatalf("verify for %s: %v", fp, err)
		}
	}

	err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-onetoomany01", "buyer@example.com")
	if !errors.Is(err, ErrDeviceLimitReached) {
		t.Errorf("expected ErrDeviceLimitReached on 4th device, got %v", err)
	}

	// Existing devices are unaffected by the cap.
	if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, "fp-laptop-0001", "buyer@example.com"); err != nil {
		t.Errorf("already trusted device should be a no-op, got %v", err)
	}
}

// The cap has to hold when distinct devices verify at the same instant, not
// just when they arrive one by one. The store admits fingerprints under the
// same lock that checks the limit, so the winners plus the opener can never
// exceed the configured maximum.
func TestConcurrentVerifiesRespectDeviceLimit(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	// Issue a live code per candidate device while nothing is trusted
	// beyond the opener, so every verification starts from the same view.
	codes := make(map[string]string, 4)
	for i := 0; i < 4; i++ {
		fp := fmt.Sprintf("fp-racer-%05d", i)
		if err := f.svc.RequestDeviceCode(context.Background(), p.AccessToken, fp, "buyer@example.com"); err != nil {
			t.Fatalf("request for %s: %v", fp, err)
		}
		codes[fp] = f.notes.lastCode()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	verified, limited := 0, 0
	for fp, code := range codes {
		wg.Add(1)
		go func(fp, code string) {
			defer wg.Done()
			_, err := f.svc.VerifyDeviceCode(context.Background(), p.AccessToken, fp, code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				verified++
			case errors.Is(err, ErrDeviceLimitReached):
				limited++
			default:
				t.Errorf("verify %s: %v", fp, err)
			}
		}(fp, code)
	}
	wg.Wait()

	if verified != 2 || limited != 2 {
		t.Errorf("expected 2 verified and 2 limited, got %d/%d", verified, limited)
	}
	got, err := f.svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.TrustedFingerprints) != 3 {
		t.Errorf("trusted set overshot the cap: %v", got.TrustedFingerprints)
	}
}

func TestRequestCodeOnPendingPurchase(t *testing.T) {
	f := newFixture(t)
	res := f.open(t, "fp-laptop-0001")

	err := f.svc.RequestDeviceCode(context.Background(), res.Purchase.AccessToken, "fp-phone-00001", "buyer@example.com")
	if !errors.Is(err, ErrNotCompleted) {
		t.Errorf("expected ErrNotCompleted, got %v", err)
	}
}

func TestVerifyAlreadyTrustedDevice(t *testing.T) {
	f := newFixture(t)
	p := f.openCompleted(t, "fp-laptop-0001")

	got, err := f.svc.VerifyDeviceCode(context.Background(), p.AccessToken, "fp-laptop-0001", "123456")
	if err != nil {
		t.Fatalf("verifying a trusted device should short-circuit, got %v", err)
	}
	if !got.TrustsFingerprint("fp-laptop-0001") {
		t.Error("device lost trust")
	}
}
