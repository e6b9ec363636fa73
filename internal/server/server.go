// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/piguard/internal/admin"
	"github.com/mbd888/piguard/internal/auth"
	"github.com/mbd888/piguard/internal/config"
	"github.com/mbd888/piguard/internal/events"
	"github.com/mbd888/piguard/internal/health"
	"github.com/mbd888/piguard/internal/logging"
	"github.com/mbd888/piguard/internal/metrics"
	"github.com/mbd888/piguard/internal/payments"
	"github.com/mbd888/piguard/internal/piplatform"
	"github.com/mbd888/piguard/internal/ratelimit"
	"github.com/mbd888/piguard/internal/realtime"
	"github.com/mbd888/piguard/internal/reconciliation"
	"github.com/mbd888/piguard/internal/requests"
	"github.com/mbd888/piguard/internal/security"
	"github.com/mbd888/piguard/internal/traces"
	"github.com/mbd888/piguard/internal/webhooks"
	"github.com/mbd888/piguard/migrations"
)

// Version is reported by /health and in trace resources.
const Version = "0.1.0"

const maxRequestBytes = 1 << 20

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Platform is the wallet network API as the server uses it.
type Platform interface {
	auth.Verifier
	payments.Platform
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	platform    Platform
	publisher   events.Publisher
	feed        *realtime.Hub
	authService *auth.Service
	requests    *requests.Service
	payments    *payments.Service
	reconciler  *reconciliation.Runner
	reconcile   *reconciliation.Timer
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithPlatform sets the wallet network platform client (for testing)
func WithPlatform(p Platform) Option {
	return func(s *Server) {
		s.platform = p
	}
}

// WithPublisher sets the lifecycle event publisher (for testing)
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(2 * time.Second),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set platform/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if s.platform == nil {
		client := piplatform.NewClient(cfg.PiAPIURL, cfg.PiAPIKey, cfg.PiAPITimeout, s.logger)
		s.platform = client
		s.checks.RegisterPinger("platform", false, client)
	}

	// Token revocations (Redis if REDIS_URL set, otherwise in-memory)
	var revocations auth.Revocations = auth.NewMemoryRevocations()
	if cfg.RedisURL != "" {
		client, err := auth.NewRedisClient(ctx, cfg.RedisURL, s.logger)
		if err != nil {
			return nil, err
		}
		s.redis = client
		r := auth.NewRedisRevocations(client)
		revocations = r
		s.checks.RegisterPinger("redis", true, r)
	}

	// Lifecycle events (NATS and/or a staff webhook, otherwise dropped)
	if s.publisher == nil {
		var pubs events.Multi
		if cfg.NATSURL != "" {
			pub, err := events.Connect(cfg.NATSURL, s.logger)
			if err != nil {
				return nil, err
			}
			pubs = append(pubs, pub)
			s.checks.RegisterPinger("nats", false, pub)
			s.logger.Info("lifecycle events enabled", "transport", "nats")
		}
		if cfg.WebhookURL != "" {
			pubs = append(pubs, webhooks.NewDispatcher(cfg.WebhookURL, cfg.WebhookKey, s.logger))
			s.logger.Info("lifecycle events enabled", "transport", "webhook", "signed", cfg.WebhookKey != "")
		}
		switch len(pubs) {
		case 0:
			s.publisher = events.Nop{}
		case 1:
			s.publisher = pubs[0]
		default:
			s.publisher = pubs
		}
	}

	// Connected staff see every lifecycle event live
	s.feed = realtime.NewHub(s.logger)
	s.publisher = events.Multi{s.publisher, s.feed}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		userStore    auth.Store
		requestStore requests.Store
		paymentStore payments.Store
	)
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
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		s.checks.RegisterPinger("database", true, db)
		userStore = auth.NewPostgresStore(db)
		requestStore = requests.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		userStore = auth.NewMemoryStore()
		requestStore = requests.NewMemoryStore()
		paymentStore = payments.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	s.authService = auth.NewService(userStore, s.platform, tokens, revocations, cfg.StaffUsernames, s.logger)
	s.requests = requests.NewService(requestStore, s.logger).
		WithPublisher(s.publisher).
		WithFeePercent(cfg.RecoveryFeePercent)
	s.payments = payments.NewService(paymentStore, s.platform, s.requests, s.authService, s.logger)
	s.reconciler = reconciliation.NewRunner(s.payments, cfg.StalePaymentAge, s.logger)
	s.reconcile = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.logger.Info("staff accounts configured", "count", len(cfg.StaffUsernames))

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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// CORS (the wallet browser loads the client from configured origins)
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 && s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(security.BodyLimit(maxRequestBytes))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl, nil)
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
				"errors", c.Errors.String(),
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

	authHandler := auth.NewHandler(s.authService)
	requestHandler := requests.NewHandler(s.requests)
	paymentHandler := payments.NewHandler(s.payments)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authService))
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	requestHandler.RegisterProtectedRoutes(protected)
	paymentHandler.RegisterProtectedRoutes(protected)

	staff := v1.Group("")
	staff.Use(auth.RequireStaff())
	requestHandler.RegisterStaffRoutes(staff)
	admin.NewHandler().
		WithPaymentService(s.payments).
		WithReconciler(s.reconciler).
		RegisterRoutes(staff)
	staff.GET("/admin/feed", func(c *gin.Context) {
		s.feed.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
		Checks:    checks,
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
	if ok, checks := s.checks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Payment callbacks wait on the platform, which may take its full timeout.
		WriteTimeout: s.cfg.PiAPITimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", Version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.feed.Run(runCtx)

	// Settle payments whose callbacks never arrived
	go s.reconcile.Start(runCtx)

	// Sample DB pool stats
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
	defer signal.Stop(sigChan)

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
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconcile.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Drain lifecycle events
	if err := s.publisher.Close(); err != nil {
		s.logger.Error("event publisher close error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
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
