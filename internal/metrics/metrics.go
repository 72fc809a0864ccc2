// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velo",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "velo",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PurchasesOpenedTotal counts purchase creation attempts by result.
	PurchasesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velo",
			Name:      "purchases_opened_total",
			Help:      "Total purchases opened by result (created, already_purchased, rejected, gateway_error).",
		},
		[]string{"result"},
	)

	// CompletionsTotal counts purchase completions by trigger path.
	CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velo",
			Name:      "completions_total",
			Help:      "Total purchase completions by trigger (client, webhook, recovered) and result (applied, noop).",
		},
		[]string{"trigger", "result"},
	)

	// RefundsTotal counts refund events by classification.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velo",
			Name:      "refunds_total",
			Help:      "Total refund events applied by kind (partial, full, duplicate, overflow).",
		},
		[]string{"kind"},
	)

	// WebhookEventsTotal counts inbound gateway events by type and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velo",
			Name:      "webhook_events_total",
			Help:      "Inbound payment gateway events by type and result.",
		},
		[]string{"type", "result"},
	)

	// AccessGrantsTotal counts content access grants by result.
	AccessGrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velo",
			Name:      "access_grants_total",
			Help:      "Content access checks/grants by result (granted, expired, untrusted_device, not_completed).",
		},
		[]string{"result"},
	)

	// DeviceCodesTotal counts device verification code operations by result.
	DeviceCodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velo",
			Name:      "device_codes_total",
			Help:      "Device verification code requests/verifications by result.",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts outbound notification deliveries by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "velo",
			Name:      "notifications_total",
			Help:      "Outbound notification deliveries by result.",
		},
		[]string{"result"},
	)

	// EarningsReleasedTotal counts pending->available earnings releases.
	EarningsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "velo",
		Name:      "earnings_released_total",
		Help:      "Total purchases whose creator earnings were released to the available balance.",
	})

	// GatewayCallDuration observes payment gateway call latency by operation.
	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "velo",
			Name:      "gateway_call_duration_seconds",
			Help:      "Payment gateway call duration in seconds by operation.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "velo", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "velo", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "velo", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "velo", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "velo", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "velo", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PurchasesOpenedTotal,
		CompletionsTotal,
		RefundsTotal,
		WebhookEventsTotal,
		AccessGrantsTotal,
		DeviceCodesTotal,
		NotificationsTotal,
		EarningsReleasedTotal,
		GatewayCallDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
