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

	"github.com/puffpass/paycore/internal/config"
	"github.com/puffpass/paycore/internal/keyring"
	"github.com/puffpass/paycore/internal/logging"
	"github.com/puffpass/paycore/internal/metrics"
	"github.com/puffpass/paycore/internal/ratelimit"
	"github.com/puffpass/paycore/internal/risk"
	"github.com/puffpass/paycore/internal/security"
	"github.com/puffpass/paycore/internal/tokens"
	"github.com/puffpass/paycore/internal/traces"
	"github.com/puffpass/paycore/internal/validation"
)

// defaultTokenTTL is how long issued tokens live unless the caller asks
// for less.
const defaultTokenTTL = 7 * 24 * time.Hour

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	engine      *risk.Engine
	riskTimer   *risk.Timer
	tokenSvc    *tokens.Service
	keyringSvc  *keyring.Service
	rateLimiter *ratelimit.Limiter
	payments    *ratelimit.Budget
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracerShutdown func(context.Context) error

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

	ctx := context.Background()

	// Dual-secret token service from configuration
	secrets, err := tokens.LoadSecrets(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing secrets: %w", err)
	}
	s.tokenSvc = tokens.NewService(secrets)

	// Keyring storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		keyStore := keyring.NewPostgresStore(db)
		if err := keyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate key store", "error", err)
		}
		audit := keyring.NewPostgresAudit(db)
		if err := audit.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		s.keyringSvc = keyring.NewService(keyStore, audit, s.logger)
	} else {
		s.logger.Info("using in-memory storage (keys will not persist)")
		s.keyringSvc = keyring.NewService(keyring.NewMemoryStore(), keyring.NewMemoryAudit(), s.logger)
	}

	// Risk scoring engine with its maintenance timer
	s.engine = risk.NewEngine(s.logger)
	s.riskTimer = risk.NewTimer(s.engine, s.logger)

	// Payment submission budget (10 points/min, 5 min penalty block)
	s.payments = ratelimit.ForPayments()

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Global rate limiting, per client per minute
	s.rateLimiter = ratelimit.NewLimiter(s.cfg.RateLimitRPM, time.Minute)
	s.router.Use(s.rateLimiter.Middleware("global"))

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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

// adminAuthMiddleware guards administrative endpoints with the shared admin
// secret. With no secret configured the admin surface is disabled outright.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid admin secret",
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// V1 API group
	api := s.router.Group("/api/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	api.Use(validation.AddressParamMiddleware())

	// Admin surface, guarded by the shared admin secret
	admin := api.Group("/admin")
	admin.Use(s.adminAuthMiddleware())

	// Payment risk checks + blocklist administration
	riskHandler := risk.NewHandler(s.engine, s.payments)
	riskHandler.RegisterRoutes(api, admin)

	// Token issuance and verification (dual-secret scheme)
	api.POST("/auth/token", s.issueToken)
	api.GET("/auth/verify", s.verifyToken)
	api.GET("/auth/rotation", s.rotationAdvisory)

	// Example protected route: any endpoint behind tokens.Middleware sees the
	// verified claims and the refresh signal.
	api.GET("/auth/me", tokens.Middleware(s.tokenSvc), s.currentPrincipal)

	// Persistent keyring administration
	keyring.NewHandler(s.keyringSvc).RegisterRoutes(admin)
}

// -----------------------------------------------------------------------------
// Auth handlers
// -----------------------------------------------------------------------------

type issueTokenRequest struct {
	Subject    string         `json:"subject" binding:"required"`
	Claims     map[string]any `json:"claims"`
	TTLSeconds int            `json:"ttlSeconds"`
}

func (s *Server) issueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	claims := map[string]any{"sub": validation.SanitizeString(req.Subject, 255)}
	for name, value := range req.Claims {
		if name == "sub" {
			continue
		}
		claims[name] = value
	}

	token, err := s.tokenSvc.Issue(claims, ttl)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "issue_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresIn": int(ttl.Seconds()),
	})
}

func (s *Server) verifyToken(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "missing bearer token",
		})
		return
	}

	verified, err := s.tokenSvc.Verify(header[len(prefix):])
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "invalid or expired token",
		})
		return
	}

	if verified.ShouldRefresh {
		c.Header(tokens.RefreshHeader, "true")
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":         true,
		"claims":        verified.Claims,
		"secretUsed":    verified.SecretUsed,
		"shouldRefresh": verified.ShouldRefresh,
	})
}

func (s *Server) rotationAdvisory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"shouldRotate": s.tokenSvc.ShouldRotate(),
	})
}

func (s *Server) currentPrincipal(c *gin.Context) {
	claims, _ := c.Get(tokens.ClaimsKey)
	c.JSON(http.StatusOK, gin.H{"claims": claims})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

	// OTLP trace export, when configured
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize trace exporter", "error", err)
		} else {
			s.tracerShutdown = shutdown
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Hourly risk history pruning
	go s.riskTimer.Start(runCtx)

	// Limiter and keyring maintenance
	go s.maintenanceLoop(runCtx)

	// Database stats into Prometheus
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

// maintenanceLoop sweeps limiter state and retires keys past their rotation
// grace window.
func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.Sweep()
			s.payments.Sweep()
			s.keyringSvc.SweepRetirements(ctx, time.Now())
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.riskTimer.Stop()
	s.logger.Info("risk timer stopped")

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

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
