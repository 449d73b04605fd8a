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

	"github.com/temelreiz/auxite-wallet/internal/approval"
	"github.com/temelreiz/auxite-wallet/internal/audit"
	"github.com/temelreiz/auxite-wallet/internal/authfactor"
	"github.com/temelreiz/auxite-wallet/internal/chain"
	"github.com/temelreiz/auxite-wallet/internal/config"
	"github.com/temelreiz/auxite-wallet/internal/device"
	"github.com/temelreiz/auxite-wallet/internal/emergency"
	"github.com/temelreiz/auxite-wallet/internal/health"
	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/metrics"
	"github.com/temelreiz/auxite-wallet/internal/notify"
	"github.com/temelreiz/auxite-wallet/internal/orchestrator"
	"github.com/temelreiz/auxite-wallet/internal/ratelimit"
	"github.com/temelreiz/auxite-wallet/internal/realtime"
	"github.com/temelreiz/auxite-wallet/internal/riskpolicy"
	"github.com/temelreiz/auxite-wallet/internal/security"
	"github.com/temelreiz/auxite-wallet/internal/totp"
	"github.com/temelreiz/auxite-wallet/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	auditLog     *audit.Log
	factors      *authfactor.Registry
	devices      *device.Manager
	risk         *riskpolicy.Engine
	approvals    *approval.Workflow
	emergency    *emergency.Machine
	orch         *orchestrator.Orchestrator
	gateway      *chain.Gateway // nil without an operator key
	webauthn     authfactor.WebAuthnVerifier
	notifier     *notify.Sender
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom transfer gateway (for testing)
func WithGateway(g *chain.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithWebAuthnVerifier sets the WebAuthn ceremony verifier.
func WithWebAuthnVerifier(v authfactor.WebAuthnVerifier) Option {
	return func(s *Server) {
		s.webauthn = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Realtime hub first so the audit log can stream into it
	s.realtimeHub = realtime.NewHub(s.logger)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		auditStore     audit.Store
		factorStore    authfactor.Store
		deviceStore    device.Store
		riskStore      riskpolicy.Store
		approvalStore  approval.Store
		emergencyStore emergency.Store
	)
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
		auditStore = audit.NewPostgresStore(db)
		factorStore = authfactor.NewPostgresStore(db)
		deviceStore = device.NewPostgresStore(db)
		riskStore = riskpolicy.NewPostgresStore(db)
		approvalStore = approval.NewPostgresStore(db)
		emergencyStore = emergency.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		auditStore = audit.NewMemoryStore()
		factorStore = authfactor.NewMemoryStore()
		deviceStore = device.NewMemoryStore()
		riskStore = riskpolicy.NewMemoryStore()
		approvalStore = approval.NewMemoryStore()
		emergencyStore = emergency.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Audit log streams every recorded event to WebSocket subscribers
	s.auditLog = audit.NewLog(auditStore).WithEmitter(s.realtimeHub)

	// Auth factors: TOTP verification is in-process, WebAuthn ceremonies
	// are wired via WithWebAuthnVerifier (cmd/server supplies the passkey
	// verifier with the deployment's relying-party config).
	s.factors = authfactor.NewRegistry(factorStore, s.auditLog).
		WithTOTPVerifier(totp.NewVerifier())
	if s.webauthn != nil {
		s.factors.WithWebAuthnVerifier(s.webauthn)
	}

	// Devices and sessions
	s.devices = device.NewManager(deviceStore, s.auditLog).
		WithSessionTTL(time.Duration(cfg.SessionTTLHours) * time.Hour)

	// Risk policy
	s.risk = riskpolicy.NewEngine(riskStore, s.auditLog)

	// Approval workflow; the risk engine doubles as the spend committer
	s.approvals = approval.NewWorkflow(approvalStore, s.auditLog).
		WithCommitter(s.risk)

	// Emergency state machine
	s.emergency = emergency.NewMachine(emergencyStore, s.auditLog).
		WithApprovalCanceller(s.approvals).
		WithSessionRevoker(s.devices).
		WithFactorChecker(s.factors)

	// Notifications go to the operator endpoint plus trusted-contact webhooks
	s.notifier = notify.NewSender(cfg.NotifyURL, cfg.NotifySecret).
		WithContacts(s.emergency)
	s.emergency.WithNotifier(s.notifier)
	if cfg.NotifyURL != "" {
		s.logger.Info("operator notifications enabled")
	}

	// On-chain gateway if an operator key is configured and none injected
	if s.gateway == nil && cfg.PrivateKey != "" {
		g, err := chain.New(chain.Config{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.PrivateKey,
			ChainID:      cfg.ChainID,
			USDCContract: cfg.USDCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway: %w", err)
		}
		s.gateway = g
	}
	if s.gateway != nil {
		s.approvals.WithGateway(s.gateway)
		s.logger.Info("on-chain execution enabled", "wallet", s.gateway.Address())
	} else {
		s.logger.Info("no operator key, transfers will queue without execution")
	}

	s.orch = orchestrator.New(s.factors, s.devices, s.risk, s.approvals, s.emergency)

	// Subsystem health checks surfaced by /health
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Client IP travels with the context so audit records carry it
	s.router.Use(func(c *gin.Context) {
		ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

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

const (
	ctxSession = "session"
	ctxAccount = "account"
)

// guardMiddleware authenticates the session token against the :address
// account and blocks frozen accounts. allowFrozen lets recovery and
// read-only routes through on frozen accounts; the session check always
// runs fresh so revocation takes effect immediately.
func (s *Server) guardMiddleware(allowFrozen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Param("address")
		token := c.GetHeader("Authorization")

		sess, err := s.orch.Guard(c.Request.Context(), account, token, allowFrozen)
		if err != nil {
			switch {
			case errors.Is(err, orchestrator.ErrAccountFrozen):
				c.AbortWithStatusJSON(http.StatusLocked, gin.H{
					"error":   "account_frozen",
					"message": "Account is frozen. Unfreeze it or deactivate panic mode first.",
				})
			case errors.Is(err, orchestrator.ErrWrongAccount):
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Session does not belong to this account",
				})
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "A valid session token is required",
				})
			}
			return
		}

		c.Set(ctxSession, sess)
		c.Set(ctxAccount, validation.SanitizeAddress(account))
		c.Next()
	}
}

func currentSession(c *gin.Context) *device.Session {
	if v, ok := c.Get(ctxSession); ok {
		if sess, ok := v.(*device.Session); ok {
			return sess
		}
	}
	return nil
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

	// WebSocket for real-time security event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	accounts := v1.Group("/accounts/:address")

	// UNAUTHENTICATED: device identification and session issuance. The
	// upstream identity service calls these after primary login; every
	// other route needs the session token they mint. Panic deactivation
	// also lives here: the cascade revokes every session, so the TOTP or
	// backup code proof is the only credential the caller can still hold.
	accounts.POST("/devices", s.identifyDevice)
	accounts.POST("/sessions", s.createSession)
	accounts.POST("/emergency/panic/deactivate", s.deactivatePanic)

	// Guarded routes that stay reachable while frozen: recovery,
	// emergency control, and read-only posture endpoints.
	frozen := accounts.Group("")
	frozen.Use(s.guardMiddleware(true))
	{
		frozen.GET("/security", s.securityOverview)
		frozen.GET("/audit", s.queryAudit)

		frozen.GET("/emergency", s.emergencyStatus)
		frozen.POST("/emergency/unfreeze", s.unfreeze)
		frozen.POST("/emergency/panic", s.activatePanic)
		frozen.GET("/emergency/contacts", s.listContacts)
	}

	// Guarded routes blocked on frozen accounts.
	protected := accounts.Group("")
	protected.Use(s.guardMiddleware(false))
	{
		// TOTP lifecycle
		protected.POST("/totp/setup", s.beginTOTPSetup)
		protected.POST("/totp/confirm", s.confirmTOTPSetup)
		protected.DELETE("/totp", s.disableTOTP)
		protected.POST("/totp/backup-codes", s.regenerateBackupCodes)

		// WebAuthn ceremonies
		protected.POST("/webauthn/register/begin", s.beginWebAuthnRegistration)
		protected.POST("/webauthn/register/finish", s.finishWebAuthnRegistration)
		protected.POST("/webauthn/authenticate/begin", s.beginWebAuthnAuthentication)
		protected.POST("/webauthn/authenticate/finish", s.finishWebAuthnAuthentication)

		// Devices and sessions
		protected.GET("/devices", s.listDevices)
		protected.PUT("/devices/:deviceId/trust", s.setDeviceTrust)
		protected.DELETE("/devices/:deviceId", s.removeDevice)
		protected.GET("/sessions", s.listSessions)
		protected.DELETE("/sessions/:sessionId", s.revokeSession)
		protected.DELETE("/sessions", s.revokeAllSessions)

		// Spending limits and transfers
		protected.GET("/limits", s.limitStatus)
		protected.PUT("/limits/:window", s.setLimit)
		protected.POST("/transfers", s.submitTransfer)
		protected.POST("/transfers/evaluate", s.evaluateTransfer)

		// Whitelist
		protected.GET("/whitelist", s.listWhitelist)
		protected.POST("/whitelist", s.addWhitelist)
		protected.DELETE("/whitelist/:addr", s.removeWhitelist)

		// Approvals
		protected.GET("/approvals", s.listApprovals)
		protected.GET("/approvals/:txId", s.getApproval)
		protected.POST("/approvals/:txId/approve", s.approveTransfer)
		protected.POST("/approvals/:txId/reject", s.rejectTransfer)

		// Signers
		protected.GET("/signers", s.listSigners)
		protected.POST("/signers", s.addSigner)
		protected.DELETE("/signers/:addr", s.removeSigner)
		protected.PUT("/signers/threshold", s.setThreshold)

		// Freeze entry points (frozen accounts can't re-freeze)
		protected.POST("/emergency/freeze", s.freeze)
		protected.POST("/emergency/contacts", s.addContact)
		protected.DELETE("/emergency/contacts/:contactId", s.removeContact)
	}
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

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
	info := gin.H{
		"name":        "Auxite Wallet",
		"description": "Account security control plane for custodial wallets",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"currency":    "USDC",
	}
	if s.gateway != nil {
		info["operator"] = s.gateway.Address()
	}
	c.JSON(http.StatusOK, info)
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
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Periodic DB pool stats for the metrics endpoint
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, collectors)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close gateway connection
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			s.logger.Error("gateway close error", "error", err)
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
