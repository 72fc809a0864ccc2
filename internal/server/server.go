// Package server sets up the HTTP server with all routes
package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ghprofit/velo-sub000/internal/circuitbreaker"
	"github.com/ghprofit/velo-sub000/internal/config"
	"github.com/ghprofit/velo-sub000/internal/content"
	"github.com/ghprofit/velo-sub000/internal/gateway"
	"github.com/ghprofit/velo-sub000/internal/health"
	"github.com/ghprofit/velo-sub000/internal/ledger"
	"github.com/ghprofit/velo-sub000/internal/logging"
	"github.com/ghprofit/velo-sub000/internal/metrics"
	"github.com/ghprofit/velo-sub000/internal/notify"
	"github.com/ghprofit/velo-sub000/internal/purchase"
	"github.com/ghprofit/velo-sub000/internal/ratelimit"
	"github.com/ghprofit/velo-sub000/internal/security"
	"github.com/ghprofit/velo-sub000/internal/session"
	"github.com/ghprofit/velo-sub000/internal/traces"
	"github.com/ghprofit/velo-sub000/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	gateway       gateway.Client
	contents      content.Store
	sessions      *session.Manager
	accounts      *ledger.Service
	purchases     *purchase.Service
	releaseTimer  *purchase.Timer
	notifier      *notify.Dispatcher
	checks        *health.Registry
	rateLimiter   *ratelimit.Limiter
	deviceLimiter *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesStop    func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway client (for testing)
func WithGateway(gw gateway.Client) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Payment gateway (real Stripe client unless a fake was injected).
	// Transport failures trip a per-operation circuit so a Stripe outage
	// fails fast instead of tying up request handlers in timeouts.
	if s.gateway == nil {
		stripeClient := gateway.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.GatewayTimeout)
		resilient := gateway.WithBreaker(stripeClient, circuitbreaker.New(5, 30*time.Second))
		s.gateway = resilient

		s.checks.Register("gateway", func(ctx context.Context) health.Status {
			if !resilient.Healthy() {
				return health.Status{Name: "gateway", Healthy: false, Detail: "circuit open"}
			}
			return health.Status{Name: "gateway", Healthy: true}
		})
	}

	policy := purchase.Policy{
		Currency:          cfg.Currency,
		BuyerMarkupBps:    cfg.BuyerMarkupBps,
		AccessWindow:      cfg.AccessWindow,
		MaxTrustedDevices: cfg.MaxTrustedDevices,
		DeviceCodeTTL:     cfg.DeviceCodeTTL,
		PendingHold:       cfg.PendingHold,
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var purchaseStore purchase.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.contents = content.NewPostgresStore(db)
		s.sessions = session.NewManager(session.NewPostgresStore(db))
		s.accounts = ledger.NewService(ledger.NewPostgresStore(db))
		purchaseStore = purchase.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		contentsMem := content.NewMemoryStore()
		accountsMem := ledger.NewMemoryStore()
		s.contents = contentsMem
		s.sessions = session.NewManager(session.NewMemoryStore())
		s.accounts = ledger.NewService(accountsMem)
		purchaseStore = purchase.NewMemoryStore(contentsMem, accountsMem)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.purchases = purchase.NewService(purchaseStore, s.contents, s.sessions, s.gateway, policy, s.logger)

	// Outbound notifications (purchase receipts, device codes) are optional
	if cfg.NotifyURL != "" {
		// Allow loopback targets in development only
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(cfg.NotifyURL); err != nil {
				return nil, fmt.Errorf("invalid NOTIFY_URL: %w", err)
			}
		}
		s.notifier = notify.NewDispatcher(cfg.NotifyURL, cfg.NotifySecret, s.logger)
		s.purchases = s.purchases.WithNotifier(s.notifier)
		s.logger.Info("outbound notifications enabled", "url", cfg.NotifyURL)
	}

	// Pending earnings mature into the available balance after the hold
	s.releaseTimer = purchase.NewTimer(s.purchases, s.logger)
	s.logger.Info("earnings release timer configured", "hold", cfg.PendingHold.String())

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (storefront origins are configured at the edge; API allows all)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/api/v1")

	// Content catalog (seller surface)
	contentHandler := content.NewHandler(s.contents)
	contentHandler.RegisterRoutes(v1)

	// Creator balances
	ledgerHandler := ledger.NewHandler(s.accounts)
	ledgerHandler.RegisterRoutes(v1)

	// Purchase lifecycle, access grants, and the gateway webhook
	purchaseHandler := purchase.NewHandler(s.purchases, s.gateway)
	purchaseHandler.RegisterRoutes(v1)
	purchaseHandler.RegisterWebhookRoutes(v1)

	// Device verification endpoints carry a tighter per-token limit so a
	// 6-digit code cannot be brute-forced within its TTL.
	s.deviceLimiter = ratelimit.New(ratelimit.DeviceCodeConfig())
	devices := v1.Group("")
	devices.Use(s.deviceLimiter.MiddlewareKeyed(accessTokenKey))
	purchaseHandler.RegisterDeviceRoutes(devices)
}

// accessTokenKey buckets device-code requests by the purchase access token
// when present, falling back to the client IP (handled by the limiter). The
// body is restored so the handler can bind it again.
func accessTokenKey(c *gin.Context) string {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	var req struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.AccessToken
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Velo",
		"description": "Purchase lifecycle and ledger reconciliation for paid content",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op without an OTLP endpoint)
	tracesStop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesStop = tracesStop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start earnings release timer
	if s.releaseTimer != nil {
		go s.releaseTimer.Start(runCtx)
	}

	// Sample DB pool stats into metrics
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop earnings release timer
	if s.releaseTimer != nil {
		s.releaseTimer.Stop()
		s.logger.Info("earnings release timer stopped")
	}

	// Stop rate limiter cleanup goroutines
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.deviceLimiter != nil {
		s.deviceLimiter.Stop()
	}

	// Drain in-flight notification deliveries
	if s.notifier != nil {
		s.notifier.Flush()
		s.logger.Info("notification dispatcher drained")
	}

	// Flush any buffered trace spans
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
