// Package ratelimit provides token-bucket rate limiting middleware for the
// marketplace API, keyed by client IP or an arbitrary per-request value.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures a limiter.
type Config struct {
	// RequestsPerMinute is the sustained rate allowed per key.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the sustained rate.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig is the API-wide per-IP limit.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// DeviceCodeConfig returns the tight limit applied to the device verification
// endpoints. Codes are 6 digits, so the bucket has to be small enough to make
// online guessing impractical within the code TTL.
func DeviceCodeConfig() Config {
	return Config{
		RequestsPerMinute: 5,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

// bucket is one key's token state.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter tracks token buckets by key. Buckets refill continuously at the
// configured rate up to the burst cap; a background janitor drops buckets
// that have gone idle.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// New creates a limiter and starts its janitor goroutine. Call Stop on
// shutdown.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop terminates the janitor goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether a request for key fits in its bucket and consumes a
// token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens:   float64(l.cfg.BurstSize - 1),
			lastSeen: now,
		}
		return true
	}

	refill := now.Sub(b.lastSeen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += refill
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware returns a gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return l.MiddlewareKeyed(func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// MiddlewareKeyed returns a gin middleware that rate limits by an arbitrary
// per-request key (e.g. the access token on device verification endpoints).
// An empty key falls back to the client IP.
func (l *Limiter) MiddlewareKeyed(keyFn func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			key = c.ClientIP()
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
