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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pactum-labs/pactum/internal/auth"
	"github.com/pactum-labs/pactum/internal/config"
	"github.com/pactum-labs/pactum/internal/escrow"
	"github.com/pactum-labs/pactum/internal/health"
	"github.com/pactum-labs/pactum/internal/logging"
	"github.com/pactum-labs/pactum/internal/metrics"
	"github.com/pactum-labs/pactum/internal/processor"
	"github.com/pactum-labs/pactum/internal/ratelimit"
	"github.com/pactum-labs/pactum/internal/security"
	"github.com/pactum-labs/pactum/internal/traces"
	"github.com/pactum-labs/pactum/internal/validation"
	"github.com/pactum-labs/pactum/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB
	store       escrow.Store
	proc        processor.Processor
	machine     *escrow.Machine
	reconciler  *escrow.Reconciler
	scheduler   *escrow.Scheduler
	handler     *escrow.Handler
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	version     string

	cancelRunCtx   context.CancelFunc
	tracesShutdown func(context.Context) error
	drainDelay     time.Duration

	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported to tracing and /health/live.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithProcessor overrides the payment processor chosen from config.
func WithProcessor(p processor.Processor) Option {
	return func(s *Server) {
		s.proc = p
	}
}

// WithStore overrides the storage chosen from config.
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
		version:    "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = db.PingContext(ctx)
			cancel()
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			if cfg.AutoMigrate {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				err = migrations.Up(ctx, db)
				cancel()
				if err != nil {
					_ = db.Close()
					return nil, fmt.Errorf("failed to apply migrations: %w", err)
				}
				s.logger.Info("database migrations applied")
			}

			s.db = db
			s.store = escrow.NewPostgresStore(db)
			s.health.Register("database", health.PingChecker("database", db, 2*time.Second))
			if err := metrics.RegisterDB(db); err != nil {
				s.logger.Warn("db pool metrics not exported", "error", err)
			}
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = escrow.NewMemoryStore()
			s.logger.Warn("using in-memory storage (data will not persist)")
		}
	}

	// Payment processor: sandbox unless a Stripe key is configured
	if s.proc == nil {
		if cfg.UseSandbox() {
			s.proc = processor.NewSandbox(processor.WithSandboxWebhookSecret(cfg.StripeWebhookSecret))
			s.logger.Warn("using sandbox payment processor")
		} else {
			s.proc = processor.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, nil)
			s.logger.Info("using Stripe payment processor")
		}
	}

	payments := escrow.NewPayments(s.store, s.proc, s.logger).
		WithTimeout(cfg.ProcessorTimeout).
		WithCurrency(cfg.Currency)
	s.machine = escrow.NewMachine(s.store, payments, escrow.Config{
		CommissionRate: cfg.CommissionRate,
		Currency:       cfg.Currency,
		ProofWindow:    cfg.ProofWindow,
		ReviewWindow:   cfg.ReviewWindow,
	}, s.logger)
	s.reconciler = escrow.NewReconciler(s.machine, s.logger)
	s.scheduler = escrow.NewScheduler(s.machine, s.logger).WithInterval(cfg.ReconcileInterval)
	s.health.Register("reconciler", health.FlagChecker("reconciler", s.scheduler.Running, "scheduler not running"))
	s.health.Register("processor", health.EmptyChecker("processor", payments.OpenCircuits, "circuit open"))
	metrics.WatchScheduler(s.scheduler.Running)
	metrics.WatchCircuits(payments.OpenCircuits)

	s.handler = escrow.NewHandler(s.machine, s.reconciler, s.scheduler, s.logger)
	if parser, ok := s.proc.(processor.EventParser); ok {
		s.handler.WithWebhooks(parser)
	}
	if onboarder, ok := s.proc.(processor.Onboarder); ok {
		s.handler.WithOnboarding(onboarder, cfg.AppBaseURL)
	}

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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
		}

		ctx, span := traces.StartSpan(c.Request.Context(), c.Request.Method+" "+routeName(c),
			attribute.String("http.request_id", requestID))
		defer span.End()

		ctx = logging.WithRequestID(ctx, requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// routeName is the matched route pattern, keeping IDs out of span names.
func routeName(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
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
		case path == "/health" || path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", "path", path, "status", status)
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
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	rps := s.cfg.RateLimitRPS
	if rps <= 0 {
		rps = config.DefaultRateLimit
	}
	limits := ratelimit.DefaultConfig()
	limits.RequestsPerSecond = float64(rps)
	s.rateLimiter = ratelimit.New(limits)

	v1 := s.router.Group("/v1")

	// Webhooks authenticate by signature
	webhooks := v1.Group("")
	s.handler.RegisterWebhookRoutes(webhooks)

	api := v1.Group("")
	api.Use(auth.Middleware(), auth.RequireActor(), s.rateLimiter.Middleware(), validation.IDParamMiddleware())
	s.handler.RegisterRoutes(api)

	admin := v1.Group("")
	admin.Use(auth.Middleware(), auth.RequireAdmin(s.cfg.AdminSecret), validation.IDParamMiddleware())
	s.handler.RegisterAdminRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive", "version": s.version})
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
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, traces.Options{
		Endpoint:    s.cfg.OTLPEndpoint,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     s.version,
	}, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"sandbox", s.cfg.UseSandbox(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.scheduler.Start(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	s.scheduler.Stop()
	s.logger.Info("reconciliation scheduler stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
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

// Machine returns the lifecycle engine.
func (s *Server) Machine() *escrow.Machine {
	return s.machine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
