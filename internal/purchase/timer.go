package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ghprofit/velo-sub000/internal/metrics"
)

// Timer periodically releases matured earnings from pending to available.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the earnings release timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRelease(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRelease(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in release timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.service.ReleaseMatureEarnings(ctx); err != nil {
		t.logger.Warn("earnings release pass failed", "error", err)
	}
}

// ReleaseMatureEarnings moves every completed purchase past the hold period
// from the creator's pending balance to available. Each release is guarded,
// so a purchase fully refunded between listing and release is skipped.
func (s *Service) ReleaseMatureEarnings(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.policy.PendingHold)
	batch, err := s.store.ListReleasable(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("list releasable purchases: %w", err)
	}

	released := 0
	for _, p := range batch {
		applied, err := s.store.MarkReleased(ctx, p.ID)
		if err != nil {
			s.logger.Warn("failed to release earnings",
				"purchaseId", p.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		released++
		metrics.EarningsReleasedTotal.Inc()
		s.logger.Info("earnings released",
			"purchaseId", p.ID,
			"creatorId", p.CreatorID,
			"earningsCents", p.EarningsCents)
	}
	return released, nil
}
