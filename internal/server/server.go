// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
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

	"github.com/safedeal/safedeal/internal/config"
	"github.com/safedeal/safedeal/internal/customer"
	"github.com/safedeal/safedeal/internal/dispute"
	"github.com/safedeal/safedeal/internal/escrow"
	"github.com/safedeal/safedeal/internal/fees"
	"github.com/safedeal/safedeal/internal/gateway"
	"github.com/safedeal/safedeal/internal/health"
	"github.com/safedeal/safedeal/internal/ledger"
	"github.com/safedeal/safedeal/internal/logging"
	"github.com/safedeal/safedeal/internal/metrics"
	"github.com/safedeal/safedeal/internal/notify"
	"github.com/safedeal/safedeal/internal/points"
	"github.com/safedeal/safedeal/internal/ratelimit"
	"github.com/safedeal/safedeal/internal/reconciliation"
	"github.com/safedeal/safedeal/internal/referral"
	"github.com/safedeal/safedeal/internal/security"
	"github.com/safedeal/safedeal/internal/traces"
	"github.com/safedeal/safedeal/internal/validation"
)

// AdminSecretHeader carries the shared admin secret for the arbitration
// and operations routes.
const AdminSecretHeader = "X-Admin-Secret"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	ledger         *ledger.Ledger
	points         *points.Service
	customers      *customer.Service
	feeResolver    *fees.Resolver
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	disputes       *dispute.Service
	referrals      *referral.Engine
	hub            *notify.Hub
	reconciler     *reconciliation.Checker
	reconcileTimer *reconciliation.Timer
	gatewayHandler *gateway.Handler
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc         // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error // nil when tracing disabled

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		ledgerStore   ledger.Store
		pointsStore   points.Store
		customerStore customer.Store
		escrowStore   escrow.Store
		disputeStore  dispute.Store
		tierStore     fees.TierStore
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		lps := ledger.NewPostgresStore(db)
		if err := lps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = lps

		pps := points.NewPostgresStore(db)
		if err := pps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate points store", "error", err)
		}
		pointsStore = pps

		cps := customer.NewPostgresStore(db)
		if err := cps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate customer store", "error", err)
		}
		customerStore = cps

		eps := escrow.NewPostgresStore(db)
		if err := eps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = eps

		dps := dispute.NewPostgresStore(db)
		if err := dps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate dispute store", "error", err)
		}
		disputeStore = dps

		tps := fees.NewPostgresTierStore(db)
		if err := tps.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate fee tier store", "error", err)
		}
		tierStore = tps
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore()
		pointsStore = points.NewMemoryStore()
		customerStore = customer.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
	}

	// Wallet ledger
	s.ledger = ledger.New(ledgerStore)

	// Reward points, exchangeable for wallet credit
	s.points = points.NewService(pointsStore, s.ledger, cfg.PointExchangeRate, s.logger)

	// Customers; registration provisions a wallet and a point account
	s.customers = customer.NewService(customerStore, s.logger, s.ledger, s.points)

	// Fee schedule with optional DB overrides
	s.feeResolver = fees.NewResolver(tierStore, s.logger)
	if err := s.feeResolver.Reload(ctx); err != nil {
		s.logger.Warn("failed to load fee tier overrides, using defaults", "error", err)
	}

	// Realtime event hub
	s.hub = notify.NewHub(s.logger)

	// Referral bonus engine
	s.referrals = referral.NewEngine(s.points, s.customers, s.logger)

	// Escrow transaction lifecycle
	limits := escrow.Limits{
		MinDurationHours: int64(cfg.MinDurationHours),
		MaxDurationHours: int64(cfg.MaxDurationHours),
		GraceWindow:      cfg.ExpiryGraceWindow,
	}
	s.escrowService = escrow.NewService(escrowStore, s.ledger, &feeQuoter{s.feeResolver}, limits, s.logger).
		WithNotifier(s.hub).
		WithRewarder(s.referrals).
		WithPartyChecker(&activePartyChecker{s.customers})
	s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.SweepInterval, cfg.SweepBatchLimit, s.logger)
	s.logger.Info("escrow enabled",
		"sweep_interval", cfg.SweepInterval,
		"grace_window", cfg.ExpiryGraceWindow,
	)

	// Disputes ride on the escrow service for freeze/resolve
	s.disputes = dispute.NewService(disputeStore, s.escrowService, s.logger)

	// Ledger conservation check
	s.reconciler = reconciliation.NewChecker(s.ledger, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Stripe deposit webhook
	if cfg.StripeWebhookSecret != "" {
		s.gatewayHandler = gateway.NewHandler(s.ledger, cfg.StripeWebhookSecret, s.logger).
			WithNotifier(s.hub)
		s.logger.Info("payment gateway enabled")
	} else {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, deposit webhook disabled")
	}

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.DBChecker("database", s.db))
	}

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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting by customer id or client IP
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
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

// adminAuth guards arbitration and operations routes with a shared
// secret header. When no secret is configured the routes stay open in
// development and are refused everywhere else.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}

		got := c.GetHeader(AdminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid " + AdminSecretHeader + " header is required",
			})
			return
		}

		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and observability
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	// Customers
	customer.NewHandler(s.customers).RegisterRoutes(v1)

	// Wallet balances and history
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)

	// Reward points
	points.NewHandler(s.points).RegisterRoutes(v1)

	// Escrow transaction lifecycle
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)

	// Disputes (open, read, cancel)
	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterRoutes(v1)

	// Fee schedule is public so clients can quote before committing
	v1.GET("/fees", s.feeTiersHandler)

	// Stripe deposit webhook
	if s.gatewayHandler != nil {
		s.gatewayHandler.RegisterRoutes(v1)
	}

	// Admin routes: arbitration and operations
	admin := v1.Group("/admin")
	admin.Use(s.adminAuth())
	{
		disputeHandler.RegisterAdminRoutes(admin)
		admin.POST("/fees/reload", s.reloadFeesHandler)
		admin.POST("/sweep", s.sweepHandler)
		admin.GET("/reconciliation", s.reconciliationHandler)
		admin.GET("/events/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.hub.Stats())
		})
	}
}

func (s *Server) feeTiersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": s.feeResolver.Tiers()})
}

func (s *Server) reloadFeesHandler(c *gin.Context) {
	if err := s.feeResolver.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": s.feeResolver.Tiers()})
}

// sweepHandler triggers an expiry sweep outside the timer schedule.
func (s *Server) sweepHandler(c *gin.Context) {
	processed, failed, err := s.escrowService.Sweep(c.Request.Context(), s.cfg.SweepBatchLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": processed, "failed": failed})
}

func (s *Server) reconciliationHandler(c *gin.Context) {
	result, err := s.reconciler.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when endpoint unset)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start expiry reaper
	go s.escrowTimer.Start(runCtx)

	// Start reconciliation loop
	go s.reconcileTimer.Start(runCtx)

	// Start periodic fee tier reload and DB pool stats when backed by postgres
	if s.db != nil {
		go s.feeResolver.StartReloader(runCtx, 5*time.Minute)
		metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
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

	// Cancel the context for all background goroutines (hub, timers, reloader)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop expiry reaper
	s.escrowTimer.Stop()

	// Stop reconciliation loop
	s.reconcileTimer.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
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
// Adapters
// -----------------------------------------------------------------------------

// feeQuoter flattens the fee resolver's quote for the escrow service.
type feeQuoter struct {
	resolver *fees.Resolver
}

func (f *feeQuoter) Resolve(amount, durationHours int64) (fee, pts int64, err error) {
	q, err := f.resolver.Resolve(amount, durationHours)
	if err != nil {
		return 0, 0, err
	}
	return q.Fee, q.PointsReward, nil
}

// activePartyChecker rejects transactions involving unknown or
// deactivated customers.
type activePartyChecker struct {
	customers *customer.Service
}

func (a *activePartyChecker) RequireActive(ctx context.Context, customerID string) error {
	_, err := a.customers.RequireActive(ctx, customerID)
	return err
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
