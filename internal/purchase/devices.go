package purchase

import (
	"context"
	"errors"
	"strings"

	"github.com/ghprofit/velo-sub000/internal/idgen"
	"github.com/ghprofit/velo-sub000/internal/metrics"
)

// RequestDeviceCode issues an email verification code that lets a new device
// join the purchase's trusted set. The email must be the one on the
// purchasing session; a session that never recorded an email adopts the
// first one supplied here.
func (s *Service) RequestDeviceCode(ctx context.Context, accessToken, fingerprint, email string) error {
	p, err := s.store.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return err
	}
	if !p.Status.Settled() {
		return ErrNotCompleted
	}
	if p.TrustsFingerprint(fingerprint) {
		// Already trusted, nothing to verify.
		return nil
	}
	if len(p.TrustedFingerprints) >= s.policy.MaxTrustedDevices {
		metrics.DeviceCodesTotal.WithLabelValues("limit_reached").Inc()
		return ErrDeviceLimitReached
	}

	sess, err := s.sessions.GetByID(ctx, p.SessionID)
	if err != nil {
		return err
	}
	switch {
	case sess.Email == "":
		if err := s.sessions.SetEmailByID(ctx, sess.ID, email); err != nil {
			return err
		}
	case !strings.EqualFold(sess.Email, email):
		metrics.DeviceCodesTotal.WithLabelValues("email_mismatch").Inc()
		return ErrEmailMismatch
	}

	now := s.now()
	code := DeviceCode{
		Code:        idgen.NumericCode(6),
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.policy.DeviceCodeTTL),
	}
	if err := s.store.AddDeviceCode(ctx, p.ID, code); err != nil {
		return err
	}

	metrics.DeviceCodesTotal.WithLabelValues("issued").Inc()
	s.logger.Info("device code issued",
		"purchaseId", p.ID,
		"expiresAt", code.ExpiresAt)

	if s.notifier != nil {
		s.notifier.DeviceCodeIssued(ctx, email, code.Code, code.ExpiresAt)
	}
	return nil
}

// VerifyDeviceCode redeems a verification code and binds the device to the
// purchase. All outstanding codes for the fingerprint are consumed on
// success, so a code cannot be replayed onto a second purchase attempt.
func (s *Service) VerifyDeviceCode(ctx context.Context, accessToken, fingerprint, code string) (*Purchase, error) {
	p, err := s.store.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if p.TrustsFingerprint(fingerprint) {
		return p, nil
	}
	p, err = s.store.ConsumeDeviceCode(ctx, p.ID, fingerprint, code, s.policy.MaxTrustedDevices, s.now())
	if err != nil {
		if errors.Is(err, ErrDeviceLimitReached) {
			metrics.DeviceCodesTotal.WithLabelValues("limit_reached").Inc()
			return nil, err
		}
		metrics.DeviceCodesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	metrics.DeviceCodesTotal.WithLabelValues("verified").Inc()
	s.logger.Info("device verified",
		"purchaseId", p.ID,
		"trustedDevices", len(p.TrustedFingerprints))
	return p, nil
}
