package purchase

import (
	"context"

	"github.com/ghprofit/velo-sub000/internal/content"
	"github.com/ghprofit/velo-sub000/internal/metrics"
	"github.com/ghprofit/velo-sub000/internal/traces"
)

// Eligibility is a non-mutating access check. It never starts the access
// window; the flags tell the client which recovery path to offer.
type Eligibility struct {
	HasAccess              bool   `json:"hasAccess"`
	Reason                 string `json:"reason,omitempty"`
	IsExpired              bool   `json:"isExpired,omitempty"`
	NeedsEmailVerification bool   `json:"needsEmailVerification,omitempty"`
	CanAddDevice           bool   `json:"canAddDevice,omitempty"`
}

// Grant is a granted access: the content payload plus the authoritative
// window expiry.
type Grant struct {
	Purchase *Purchase        `json:"purchase"`
	Content  *content.Content `json:"content"`
}

// CheckEligibility reports whether the device may read the content, without
// consuming anything. Unknown tokens, unfinished payments, full refunds,
// expired windows and untrusted devices each map to a distinct reason.
// Expiry is reported ahead of device trust so an untrusted device is never
// sent through email verification for a window that already closed. A
// partial refund keeps access; only a full refund revokes it.
func (s *Service) CheckEligibility(ctx context.Context, accessToken, fingerprint string) (*Eligibility, error) {
	p, err := s.store.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	if !p.Status.Settled() {
		return &Eligibility{Reason: "payment_not_completed"}, nil
	}
	if p.Status == StatusRefunded {
		return &Eligibility{Reason: "refunded"}, nil
	}

	if p.AccessWindowStartedAt != nil && !p.AccessWindowOpen(s.now()) {
		return &Eligibility{Reason: "access_expired", IsExpired: true}, nil
	}

	if !p.TrustsFingerprint(fingerprint) {
		return &Eligibility{
			Reason:                 "device_not_trusted",
			NeedsEmailVerification: true,
			CanAddDevice:           len(p.TrustedFingerprints) < s.policy.MaxTrustedDevices,
		}, nil
	}

	return &Eligibility{HasAccess: true}, nil
}

// GrantAccess performs an actual read. The first grant starts the access
// window; every grant afterwards shares the expiry set by that first one, no
// matter which trusted device triggered it.
func (s *Service) GrantAccess(ctx context.Context, accessToken, fingerprint, clientIP string) (*Grant, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.GrantAccess")
	defer span.End()

	p, err := s.store.GetByAccessToken(ctx, accessToken)
	if err != nil {
		metrics.AccessGrantsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}
	span.SetAttributes(traces.PurchaseID(p.ID))

	if !p.Status.Settled() {
		metrics.AccessGrantsTotal.WithLabelValues("not_completed").Inc()
		return nil, ErrNotCompleted
	}
	if p.Status == StatusRefunded {
		metrics.AccessGrantsTotal.WithLabelValues("refunded").Inc()
		return nil, ErrRefunded
	}
	if p.AccessWindowStartedAt != nil && !p.AccessWindowOpen(s.now()) {
		metrics.AccessGrantsTotal.WithLabelValues("expired").Inc()
		return nil, ErrAccessExpired
	}
	if !p.TrustsFingerprint(fingerprint) {
		metrics.AccessGrantsTotal.WithLabelValues("untrusted_device").Inc()
		return nil, ErrDeviceNotTrusted
	}

	if p.AccessWindowStartedAt == nil {
		p, err = s.store.StartAccessWindow(ctx, p.ID, clientIP, s.policy.AccessWindow, s.now())
		if err != nil {
			return nil, err
		}
		if p.FirstAccessIP == clientIP {
			s.logger.Info("access window started",
				"purchaseId", p.ID,
				"expiresAt", *p.AccessExpiresAt)
		}
	}

	if !p.AccessWindowOpen(s.now()) {
		metrics.AccessGrantsTotal.WithLabelValues("expired").Inc()
		return nil, ErrAccessExpired
	}

	c, err := s.contents.Get(ctx, p.ContentID)
	if err != nil {
		return nil, err
	}

	if err := s.store.RecordAccess(ctx, p.ID); err != nil {
		// Counter drift is not worth denying a paid read.
		s.logger.Warn("record access failed",
			"purchaseId", p.ID,
			"error", err)
	}

	metrics.AccessGrantsTotal.WithLabelValues("granted").Inc()
	return &Grant{Purchase: p, Content: c}, nil
}
