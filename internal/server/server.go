// Package server wires the coordinator's services and serves the HTTP API
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"

	"github.com/bmbapp/bmb/internal/auth"
	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/changefeed"
	"github.com/bmbapp/bmb/internal/circuitbreaker"
	"github.com/bmbapp/bmb/internal/config"
	"github.com/bmbapp/bmb/internal/dispute"
	"github.com/bmbapp/bmb/internal/escrow"
	"github.com/bmbapp/bmb/internal/evidence"
	"github.com/bmbapp/bmb/internal/health"
	"github.com/bmbapp/bmb/internal/logging"
	"github.com/bmbapp/bmb/internal/metrics"
	"github.com/bmbapp/bmb/internal/notify"
	"github.com/bmbapp/bmb/internal/orchestrator"
	"github.com/bmbapp/bmb/internal/ratelimit"
	"github.com/bmbapp/bmb/internal/realtime"
	"github.com/bmbapp/bmb/internal/scenario"
	"github.com/bmbapp/bmb/internal/security"
	"github.com/bmbapp/bmb/internal/traces"
	"github.com/bmbapp/bmb/internal/validation"
)

// Version is reported by /health and the tracer resource.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *sql.DB          // nil if using in-memory
	client     *ethclient.Client // nil when a reader was injected
	reader     chain.Reader
	network    chain.Network
	broker     *changefeed.Broker
	pgListener *changefeed.PGListener
	natsConn   *nats.Conn
	operator   *chain.KeySigner

	sessions     *chain.Sessions
	binding      *escrow.Binding
	disputes     *dispute.Service
	disputeTimer *dispute.Timer
	watcher      *dispute.Watcher
	orchestrator *orchestrator.Service
	dispatcher   *notify.Dispatcher
	realtimeHub  *realtime.Hub
	health       *health.Registry
	verifier     *auth.Verifier
	rateLimiter  *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

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

// WithReader replaces the RPC client (for testing)
func WithReader(r chain.Reader) Option {
	return func(s *Server) {
		s.reader = r
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a server from cfg. Storage is PostgreSQL when DATABASE_URL
// is set and in-memory otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if err := s.setupChain(ctx); err != nil {
		return nil, err
	}

	s.broker = changefeed.NewBroker(256, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger).AllowOrigins(cfg.CORSOrigins...)
	s.health = health.NewRegistry(5 * time.Second)
	s.health.Register("rpc", health.Chain(s.reader))

	var (
		scenarios scenario.Store
		profiles  scenario.ProfileStore
		disputes  dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		scenarios = scenario.NewPostgresStore(db)
		profiles = scenario.NewPostgresProfiles(db)
		disputes = dispute.NewPostgresStore(db)
		s.pgListener = changefeed.NewPGListener(cfg.DatabaseURL, s.broker, s.logger)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		scenarios = scenario.NewMemoryStore(s.broker)
		profiles = scenario.NewMemoryProfiles()
		disputes = dispute.NewMemoryStore(s.broker)
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	s.disputes = dispute.NewService(disputes, s.evidenceUploader(), s.logger)
	s.disputeTimer = dispute.NewTimer(s.disputes, s.logger)
	s.watcher = dispute.NewWatcher(s.disputes, s.broker, s.logger)

	notifiers := []notify.Notifier{notify.NewHubNotifier(s.realtimeHub)}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, s.logger)
		if err != nil {
			s.logger.Warn("nats unavailable, push notifications disabled", "error", err)
		} else {
			s.natsConn = nc
			notifiers = append(notifiers, notify.NewNATSNotifier(nc))
			s.logger.Info("push notifications enabled", "url", nc.ConnectedUrl())
		}
	}
	if cfg.WebhookURL != "" {
		wh, err := notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, wh)
	}
	s.dispatcher = notify.NewDispatcher(s.logger, notifiers...)

	orchOpts := orchestrator.DefaultOptions()
	orchOpts.OnChainDisputes = cfg.OnChainDispute
	orchOpts.Location = cfg.Location()
	s.orchestrator = orchestrator.NewService(scenarios, profiles, s.disputes, s.logger).
		WithChain(s.binding, orchestrator.SessionWallets{Sessions: s.sessions}).
		WithNotifier(s.dispatcher).
		WithOptions(orchOpts)

	s.verifier = auth.NewVerifier(cfg.JWTSecret)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// setupChain dials the RPC endpoint, resolves the escrow network and
// prepares the wallet sessions.
func (s *Server) setupChain(ctx context.Context) error {
	cfg := s.cfg

	networks := []chain.Network{chain.BSC}
	if cfg.NetworksFile != "" {
		extra, err := chain.LoadNetworks(cfg.NetworksFile)
		if err != nil {
			return err
		}
		networks = append(networks, extra...)
	}
	network, err := chain.NewRegistry(networks...).Resolve(cfg.ChainID, cfg.RPCURLs)
	if err != nil {
		return err
	}
	s.network = network

	if s.reader == nil {
		client, err := chain.DialReader(ctx, cfg.RPCURLs, cfg.ChainID, s.logger)
		if err != nil {
			return err
		}
		s.client = client
		s.reader = client
	}

	s.binding = escrow.New(s.reader, network,
		common.HexToAddress(cfg.EscrowContract), common.HexToAddress(cfg.USDTContract),
		escrow.WithLogger(s.logger),
		escrow.WithReceiptTimeout(cfg.ReceiptTimeout),
	)

	var fallback chain.Signer
	if cfg.SignerKey != "" && s.client != nil {
		op, err := chain.NewKeySigner(cfg.SignerKey, network, chain.WithClient(s.client))
		if err != nil {
			return err
		}
		s.operator = op
		fallback = op
		s.logger.Warn("operator wallet serves users without a wallet session", "address", op.Address().Hex())
	}

	s.sessions = chain.NewSessions(s.reader, chain.SessionsConfig{
		DeepLinkBase: cfg.DeepLinkBase,
		AppURL:       cfg.AppURL,
		Publish: func(userID, link string) {
			if s.realtimeHub != nil {
				s.realtimeHub.PublishHandoff(userID, link)
			}
		},
		Fallback: fallback,
	}, s.logger,
		chain.WithConnectTimeout(cfg.ConnectTimeout),
		chain.WithManagerLogger(s.logger),
	)

	s.logger.Info("escrow network configured",
		"chain_id", network.ChainID,
		"network", network.Name,
		"escrow", cfg.EscrowContract,
	)
	return nil
}

// evidenceUploader prefers Lighthouse and falls back to object storage.
func (s *Server) evidenceUploader() evidence.Uploader {
	cfg := s.cfg
	var primary, secondary evidence.Uploader
	if cfg.LighthouseAPIKey != "" {
		primary = evidence.NewLighthouse(cfg.LighthouseAPIKey)
	}
	if cfg.StorageURL != "" {
		secondary = evidence.NewStorage(cfg.StorageURL, cfg.StorageKey, cfg.StorageBucket)
	}
	if primary == nil && secondary == nil {
		s.logger.Warn("no evidence provider configured, uploads disabled")
	}
	return evidence.NewFallback(evidence.ProviderLighthouse, primary, evidence.ProviderStorage, secondary,
		evidence.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
		evidence.WithMaxBytes(cfg.MaxEvidenceBytes),
		evidence.WithLogger(s.logger),
	)
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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
		if user := auth.UserID(c); user != "" {
			attrs = append(attrs, "user_id", user)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
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

	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})

	// The socket authenticates with ?access_token= since browsers cannot
	// set headers on an upgrade.
	s.router.GET("/ws", auth.Middleware(s.verifier), auth.RequireAuth(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, auth.UserID(c))
	})

	v1 := s.router.Group("/v1",
		auth.Middleware(s.verifier),
		auth.RequireAuth(),
		s.rateLimiter.Middleware(),
		validation.RequestSizeMiddleware(s.cfg.MaxEvidenceBytes+validation.MaxRequestSize),
	)

	walletHandler := chain.NewHandler(s.sessions, s.network)
	if s.cfg.IsDevelopment() {
		walletHandler.AllowPrivateBridges()
	}
	walletHandler.RegisterProtectedRoutes(v1)

	orchestrator.NewHandler(s.orchestrator, s.cfg.MaxEvidenceBytes).RegisterProtectedRoutes(v1)
	dispute.NewHandler(s.disputes, s.watcher).RegisterProtectedRoutes(v1)

	v1.GET("/busy", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actions": s.orchestrator.Busy()})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
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

// Run starts the HTTP server and the background loops, and blocks until
// ctx ends or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       2 * time.Minute, // evidence uploads
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.realtimeHub.Forward(runCtx, s.broker)
	go s.orchestrator.Follow(runCtx, s.broker)
	go s.disputeTimer.Start(runCtx)

	if s.pgListener != nil {
		go func() {
			if err := s.pgListener.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("change listener stopped", "error", err)
			}
		}()
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.disputeTimer.Stop()
	s.rateLimiter.Stop()
	s.sessions.CloseAll()

	// Let in-flight notifications finish before closing their transports.
	s.dispatcher.Wait()
	if s.natsConn != nil {
		if err := s.natsConn.Drain(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}

	if s.operator != nil {
		if err := s.operator.Close(); err != nil {
			s.logger.Error("operator wallet close error", "error", err)
		}
	}
	if s.client != nil {
		s.client.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Orchestrator returns the action service.
func (s *Server) Orchestrator() *orchestrator.Service {
	return s.orchestrator
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
