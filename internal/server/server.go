// Package server wires the quietguard HTTP API: storage, host adapters,
// alert delivery, per-user coordinators and the realtime hub.
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
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/quietguard/internal/admin"
	"github.com/mbd888/quietguard/internal/alerts"
	"github.com/mbd888/quietguard/internal/auth"
	"github.com/mbd888/quietguard/internal/circuitbreaker"
	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/config"
	"github.com/mbd888/quietguard/internal/coordinator"
	"github.com/mbd888/quietguard/internal/health"
	"github.com/mbd888/quietguard/internal/logging"
	"github.com/mbd888/quietguard/internal/metrics"
	"github.com/mbd888/quietguard/internal/monitor"
	"github.com/mbd888/quietguard/internal/ratelimit"
	"github.com/mbd888/quietguard/internal/realtime"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/security"
	"github.com/mbd888/quietguard/internal/session"
	"github.com/mbd888/quietguard/internal/store"
	"github.com/mbd888/quietguard/internal/validation"
	"github.com/mbd888/quietguard/internal/webhooks"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	clock        clock.Clock
	store        store.Store
	db           *sql.DB // nil unless a SQL store is in use
	hostFactory  func(userID string) monitor.Host
	sessions     *session.Manager
	hub          *realtime.Hub
	breaker      *circuitbreaker.Breaker
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	watcher      *schedule.Watcher
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore overrides store selection from config (for testing).
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithClock sets the time source for coordinators and auth checks.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithHosts overrides the host adapter factory (for testing).
func WithHosts(fn func(userID string) monitor.Host) Option {
	return func(s *Server) { s.hostFactory = fn }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		clock:      clock.System{},
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		st, err := s.openStore(ctx)
		if err != nil {
			return nil, err
		}
		s.store = st
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	s.hub = realtime.NewHub(s.logger, realtime.WithNow(s.clock.Now))
	s.breaker = circuitbreaker.New(5, 30*time.Second,
		circuitbreaker.WithClock(s.clock),
		circuitbreaker.WithTransitionHook(func(user string, from, to circuitbreaker.State) {
			s.logger.Warn("host callback circuit changed", "user", user, "from", from.String(), "to", to.String())
		}),
	)
	if s.hostFactory == nil {
		s.hostFactory = s.defaultHosts()
	}

	settle := cfg.SettleDelay
	if settle == 0 {
		settle = -1 // zero means no settle delay
	}
	s.sessions = session.NewManager(session.Config{
		Store:          s.store,
		Clock:          s.clock,
		Host:           s.hostFactory,
		Notifier:       s.notifier(),
		AlertThreshold: cfg.AlertThreshold,
		AlertCooldown:  cfg.AlertCooldown,
		Publisher:      s.hub,
		Options: coordinator.Options{
			SettleDelay:  settle,
			HostTimeout:  cfg.RegistrationTimeout,
			RiskInterval: cfg.RiskInterval,
			Location:     loc,
		},
		Logger: s.logger,
		OnError: func(userID string, err error) {
			s.logger.Error("background coordinator failure", "user", userID, "error", err)
		},
	})

	s.health = health.NewRegistry()
	s.health.Register("store", health.Ping(s.store.Ping))
	s.health.Register("host_callbacks", func(context.Context) health.Status {
		if open := s.breaker.Open(); len(open) > 0 {
			return health.Status{Detail: fmt.Sprintf("%d host circuits open", len(open))}
		}
		return health.Status{Healthy: true}
	})
	s.health.Register("sessions", func(context.Context) health.Status {
		return health.Status{Healthy: true, Detail: fmt.Sprintf("%d loaded", len(s.sessions.Users()))}
	})

	if cfg.SchedulesFile != "" {
		s.watcher = schedule.NewWatcher(cfg.SchedulesFile, s.applyScheduleFile, s.logger)
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

// openStore picks Postgres, then SQLite, then memory.
func (s *Server) openStore(ctx context.Context) (store.Store, error) {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		pg := store.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return pg, nil
	case s.cfg.SQLitePath != "":
		lite, err := store.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.db = lite.DB()
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)
		return lite, nil
	default:
		s.logger.Warn("using in-memory storage; state is lost on restart")
		return store.NewMemory(), nil
	}
}

// defaultHosts returns signed HTTP hosts when a callback URL is configured,
// otherwise one in-process host per user.
func (s *Server) defaultHosts() func(string) monitor.Host {
	if s.cfg.HostCallbackURL != "" {
		sender := webhooks.NewSender(s.cfg.HostCallbackURL, s.cfg.HostCallbackSecret, "host").
			WithRetry(1, 0) // the coordinator retries host calls itself
		s.logger.Info("host callbacks enabled", "url", s.cfg.HostCallbackURL)
		return func(userID string) monitor.Host {
			return monitor.NewHTTPHost(userID, sender, s.breaker)
		}
	}
	s.logger.Info("using in-process host monitor")
	var hosts sync.Map
	return func(userID string) monitor.Host {
		h, _ := hosts.LoadOrStore(userID, monitor.NewMemoryHost())
		return h.(*monitor.MemoryHost)
	}
}

// notifier fans alerts out to the log, connected clients and, when
// configured, the alert webhook.
func (s *Server) notifier() alerts.Notifier {
	n := alerts.Multi{
		alerts.LogNotifier{Logger: s.logger},
		alerts.NewHubNotifier(s.hub),
	}
	if s.cfg.AlertWebhookURL != "" {
		n = append(n, alerts.NewWebhookNotifier(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret))
	}
	return n
}

func (s *Server) applyScheduleFile(f *schedule.File) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.sessions.ApplyFile(ctx, f); err != nil {
		s.logger.Warn("schedule file applied with errors", "error", err)
	}
}

// reloadScheduleFile re-reads the schedule file on operator request.
func (s *Server) reloadScheduleFile(ctx context.Context) error {
	f, err := schedule.LoadFile(s.cfg.SchedulesFile)
	if err != nil {
		return err
	}
	return s.sessions.ApplyFile(ctx, f)
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

	s.router.Use(security.HeadersMiddleware())
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 && !s.cfg.IsProduction() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case strings.HasPrefix(path, "/health") || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", auth.RequireToken(s.cfg.APIToken), func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	perMinute := s.cfg.RateLimitPerMinute
	if perMinute == 0 {
		perMinute = config.DefaultRateLimitPerMinute
	}
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = perMinute
	rl.BurstSize = max(perMinute/6, 1)
	s.rateLimiter = ratelimit.New(rl, s.clock)

	handler := session.NewHandler(s.sessions)
	users := s.router.Group("/v1/users/:userID",
		validation.IDParamMiddleware("userID", "appID"),
		s.rateLimiter.Middleware(),
	)

	api := users.Group("", auth.RequireToken(s.cfg.APIToken))
	handler.RegisterRoutes(api)

	// The host signs its callbacks when a shared secret is configured.
	hostAuth := auth.RequireToken(s.cfg.APIToken)
	if s.cfg.HostCallbackSecret != "" {
		hostAuth = auth.RequireSignature(s.cfg.HostCallbackSecret, s.clock)
	}
	handler.RegisterHostRoutes(users.Group("", hostAuth))

	adminHandler := admin.NewHandler(s.sessions).WithCircuits(s.breaker)
	if s.cfg.SchedulesFile != "" {
		adminHandler.WithScheduleReloader(s.reloadScheduleFile)
	}
	adminHandler.RegisterRoutes(s.router.Group("/v1", auth.RequireToken(s.cfg.APIToken)))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Realtime  realtime.Stats  `json:"realtime"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.hub.Stats(),
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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

// Start launches background work and restores sessions. Run calls it;
// tests call it directly with their own context.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
	}

	if err := s.sessions.RestoreAll(runCtx); err != nil {
		// Users that failed to restore load again on their next request.
		s.logger.Error("failed to restore sessions", "error", err)
	}

	if s.watcher != nil {
		f, err := schedule.LoadFile(s.cfg.SchedulesFile)
		switch {
		case err == nil:
			s.applyScheduleFile(f)
		case errors.Is(err, os.ErrNotExist):
			s.logger.Warn("schedule file not found; waiting for it to appear", "path", s.cfg.SchedulesFile)
		default:
			return fmt.Errorf("load schedule file: %w", err)
		}
		go func() {
			if err := s.watcher.Start(runCtx); err != nil {
				s.logger.Error("schedule watcher stopped", "error", err)
			}
		}()
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	if err := s.Start(ctx); err != nil {
		_ = s.Shutdown()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Coordinators are detached, not
// stopped, so hosts keep shielding and monitoring resumes on restart.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var errs []error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.sessions.Close()
	s.logger.Info("sessions closed")

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
		errs = append(errs, err)
	} else {
		s.logger.Info("store closed")
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
