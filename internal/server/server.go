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

	"github.com/propertyops/rentledger/internal/billing"
	"github.com/propertyops/rentledger/internal/config"
	"github.com/propertyops/rentledger/internal/disputes"
	"github.com/propertyops/rentledger/internal/health"
	"github.com/propertyops/rentledger/internal/logging"
	"github.com/propertyops/rentledger/internal/metrics"
	"github.com/propertyops/rentledger/internal/notify"
	"github.com/propertyops/rentledger/internal/payments"
	"github.com/propertyops/rentledger/internal/prepay"
	"github.com/propertyops/rentledger/internal/ratelimit"
	"github.com/propertyops/rentledger/internal/realtime"
	"github.com/propertyops/rentledger/internal/security"
	"github.com/propertyops/rentledger/internal/standing"
	"github.com/propertyops/rentledger/internal/tenancy"
	"github.com/propertyops/rentledger/internal/traces"
	"github.com/propertyops/rentledger/internal/validation"
	"github.com/propertyops/rentledger/internal/wallet"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	tenancySvc  *tenancy.Service
	billingSvc  *billing.Service
	walletSvc   *wallet.Service
	prepaySvc   *prepay.Service
	paymentsSvc *payments.Service
	standingSvc *standing.Service
	disputesSvc *disputes.Service

	standingTimer *standing.Timer
	refundTimer   *disputes.Timer
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	tracesStop   func(context.Context) error
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.tracesStop = stopTraces
	}

	// Stores (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		tenancyStore  tenancy.Store
		billStore     billing.Store
		walletStore   wallet.Store
		prepayStore   prepay.Store
		allocStore    prepay.AllocationStore
		paymentStore  payments.Store
		standingStore standing.Store
		disputeStore  disputes.Store
		refundStore   disputes.RefundStore
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		tenancyStore = tenancy.NewPostgresStore(db)
		billStore = billing.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		prepayStore = prepay.NewPostgresStore(db)
		allocStore = prepay.NewPostgresAllocationStore(db)
		paymentStore = payments.NewPostgresStore(db)
		standingStore = standing.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		refundStore = disputes.NewPostgresRefundStore(db)

		s.healthReg.Register("database", health.DBChecker("database", db, 2*time.Second))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		tenancyStore = tenancy.NewMemoryStore()
		billStore = billing.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		prepayStore = prepay.NewMemoryStore()
		allocStore = prepay.NewMemoryAllocationStore()
		paymentStore = payments.NewMemoryStore()
		standingStore = standing.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		refundStore = disputes.NewMemoryRefundStore()
	}

	// Outbound notifications (no-op when NOTIFY_URL is unset). The URL
	// is SSRF-checked; a bad one disables notifications rather than
	// failing startup.
	notifyURL := cfg.NotifyURL
	if notifyURL != "" {
		if err := security.ValidateEndpointURL(notifyURL); err != nil {
			s.logger.Warn("notify endpoint rejected, notifications disabled", "error", err)
			notifyURL = ""
		}
	}
	dispatcher := notify.NewDispatcher(notifyURL, cfg.NotifySecret)
	emitter := notify.NewEmitter(dispatcher, s.logger)

	// The hub pushes ledger events to /ws subscribers; services feed it
	// through the event adapter.
	s.realtimeHub = realtime.NewHub(s.logger)
	events := &hubEvents{hub: s.realtimeHub}

	// Services. The allocation recorder gives both payment- and
	// prepayment-sourced applications a shared audit trail.
	s.tenancySvc = tenancy.NewService(tenancyStore)
	recorder := prepay.NewRecorder(allocStore).WithEvents(events)
	s.billingSvc = billing.NewService(billStore, &leaseSourceAdapter{s.tenancySvc}, recorder).
		WithEvents(events)
	s.walletSvc = wallet.NewService(walletStore)
	s.prepaySvc = prepay.NewService(prepayStore, allocStore, s.billingSvc).
		WithNotifier(emitter)
	s.paymentsSvc = payments.NewService(paymentStore, s.billingSvc, &prepayCreatorAdapter{s.prepaySvc}, emitter).
		WithEvents(events)
	s.standingSvc = standing.NewService(standingStore, s.billingSvc,
		&standingWalletAdapter{s.walletSvc}, &standingPaymentAdapter{s.paymentsSvc}, cfg.MinPayment)
	s.disputesSvc = disputes.NewService(disputeStore, refundStore,
		&paymentSourceAdapter{s.paymentsSvc}, s.walletSvc, cfg.RefundHold).
		WithNotifier(emitter).
		WithEvents(events)

	s.standingTimer = standing.NewTimer(s.standingSvc, cfg.StandingInterval, s.logger)
	s.refundTimer = disputes.NewTimer(s.disputesSvc, time.Minute, s.logger)

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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time ledger events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	tenancy.NewHandler(s.tenancySvc).RegisterRoutes(v1)
	billing.NewHandler(s.billingSvc).RegisterRoutes(v1)
	wallet.NewHandler(s.walletSvc).RegisterRoutes(v1)
	prepay.NewHandler(s.prepaySvc).RegisterRoutes(v1)
	payments.NewHandler(s.paymentsSvc, s.cfg.GatewaySecret).RegisterRoutes(v1)
	standing.NewHandler(s.standingSvc).RegisterRoutes(v1)
	disputes.NewHandler(s.disputesSvc).RegisterRoutes(v1)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "rentledger",
		"description": "Billing and prepayment ledger for property rent",
		"version":     "0.1.0",
	})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.standingTimer.Start(runCtx)
	go s.refundTimer.Start(runCtx)

	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.standingTimer.Stop()
	s.refundTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
