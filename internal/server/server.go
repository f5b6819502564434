// Package server wires the scoring engine, its stores and the feed behind an
// HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/circuitbreaker"
	"github.com/mbd888/cardguard/internal/config"
	"github.com/mbd888/cardguard/internal/fraud"
	"github.com/mbd888/cardguard/internal/geo"
	"github.com/mbd888/cardguard/internal/health"
	"github.com/mbd888/cardguard/internal/idgen"
	"github.com/mbd888/cardguard/internal/ingest"
	"github.com/mbd888/cardguard/internal/ledger"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/metrics"
	"github.com/mbd888/cardguard/internal/realtime"
	"github.com/mbd888/cardguard/internal/reconciliation"
	"github.com/mbd888/cardguard/internal/retry"
	"github.com/mbd888/cardguard/internal/security"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	geo         *geo.Index
	states      cardstate.Store
	ledgerStore ledger.Store
	ledger      *ledger.Ledger
	breaker     *circuitbreaker.Breaker
	engine      *fraud.Engine
	hub         *realtime.Hub
	checks      *health.Registry

	db    *sql.DB
	redis redis.UniversalClient

	source   *ingest.KafkaSource
	sink     *ingest.KafkaSink
	adapter  *ingest.Adapter
	ingestWG sync.WaitGroup

	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc
	shutdownDelay time.Duration

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

// WithGeoIndex uses an already-loaded reference index instead of reading
// GEO_REFERENCE_PATH.
func WithGeoIndex(idx *geo.Index) Option {
	return func(s *Server) {
		s.geo = idx
	}
}

// WithStateStore overrides the configured card state backend.
func WithStateStore(store cardstate.Store) Option {
	return func(s *Server) {
		s.states = store
	}
}

// WithLedgerStore overrides the ledger backend.
func WithLedgerStore(store ledger.Store) Option {
	return func(s *Server) {
		s.ledgerStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.geo == nil {
		idx, err := geo.LoadFile(cfg.GeoReferencePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load geo reference data: %w", err)
		}
		s.geo = idx
	}
	metrics.GeoReferenceCodes.Set(float64(s.geo.Len()))
	s.logger.Info("geo reference data loaded", "postal_codes", s.geo.Len())

	if cfg.DatabaseURL != "" && (s.ledgerStore == nil || (s.states == nil && cfg.StateBackend == config.BackendPostgres)) {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL", "url", maskDSN(cfg.DatabaseURL))
	}

	if err := s.setupStores(ctx); err != nil {
		s.closeClients()
		return nil, err
	}

	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("store circuit breaker changed state", "store", key, "from", from.String(), "to", to.String())
	})

	s.hub = realtime.NewHub(s.logger)
	s.engine = fraud.New(s.geo, s.states, s.ledger, fraud.Config{
		StoreTimeout: cfg.StoreTimeout,
		Retry:        s.retryPolicy(),
		Concurrency:  cfg.BatchConcurrency,
		Breaker:      s.breaker,
	}).WithLogger(s.logger).WithPublisher(s.hub)

	lookback := cfg.ReconcileLookback
	if lookback <= 0 {
		lookback = config.DefaultReconcileLookback
	}
	s.reconciler = reconciliation.NewService(s.ledger, s.states, lookback, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	if cfg.IngestionEnabled() {
		if err := s.setupIngestion(); err != nil {
			s.closeClients()
			return nil, err
		}
	}

	s.setupHealthChecks()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStores picks the card state and ledger backends. Explicit options win
// over configuration.
func (s *Server) setupStores(ctx context.Context) error {
	if s.states == nil {
		switch s.cfg.StateBackend {
		case config.BackendRedis:
			client := redis.NewUniversalClient(&redis.UniversalOptions{
				Addrs:    s.cfg.RedisAddrs,
				Password: s.cfg.RedisPassword,
				DB:       s.cfg.RedisDB,
			})
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				_ = client.Close()
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.redis = client
			s.states = cardstate.NewRedisStore(client)
			s.logger.Info("card state in Redis", "addrs", s.cfg.RedisAddrs)

		case config.BackendPostgres:
			store := cardstate.NewPostgresStore(s.db)
			if err := store.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate card state store", "error", err)
			}
			s.states = store
			s.logger.Info("card state in PostgreSQL")

		default:
			s.states = cardstate.NewMemoryStore()
			s.logger.Info("card state in memory (data will not persist)")
		}
	}

	if s.ledgerStore == nil {
		if s.db != nil {
			store := ledger.NewPostgresStore(s.db)
			if err := store.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate ledger store", "error", err)
			}
			s.ledgerStore = store
		} else {
			s.ledgerStore = ledger.NewMemoryStore()
			s.logger.Info("ledger in memory (data will not persist)")
		}
	}
	s.ledger = ledger.New(s.ledgerStore)
	return nil
}

func (s *Server) setupIngestion() error {
	source, err := ingest.NewKafkaSource(s.cfg.KafkaBroker, s.cfg.KafkaGroupID, s.cfg.KafkaTopic, s.logger)
	if err != nil {
		return err
	}
	sink, err := ingest.NewKafkaSink(s.cfg.KafkaBroker, s.cfg.KafkaVerdictTopic, s.cfg.KafkaDeadLetterTopic, s.logger)
	if err != nil {
		_ = source.Close()
		return err
	}
	s.source = source
	s.sink = sink
	s.adapter = ingest.NewAdapter(source, sink, s.engine, ingest.Config{
		BatchSize: s.cfg.BatchSize,
		Window:    s.cfg.BatchWindow,
		Retry:     s.retryPolicy(),
	}, s.logger)
	s.logger.Info("kafka ingestion enabled", "broker", s.cfg.KafkaBroker, "topic", s.cfg.KafkaTopic, "group", s.cfg.KafkaGroupID)
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry(2 * time.Second)
	s.checks.Register("geo", func(context.Context) health.Status {
		n := s.geo.Len()
		return health.Status{Name: "geo", Healthy: n > 0, Detail: fmt.Sprintf("%d postal codes", n)}
	})
	if p, ok := s.states.(pinger); ok {
		s.checks.RegisterPing("card_state", p.Ping)
	}
	if p, ok := s.ledgerStore.(pinger); ok {
		s.checks.RegisterPing("ledger", p.Ping)
	}
	if s.source != nil {
		s.checks.RegisterPing("kafka", s.source.Ping)
	}
}

func (s *Server) retryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  s.cfg.StoreRetryAttempts,
		BaseDelay: s.cfg.StoreRetryBaseDelay,
		MaxDelay:  time.Second,
	}
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestBytes))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, caller) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.POST("/transactions", s.scoreTransaction)
	v1.POST("/transactions/batch", s.scoreBatch)
	v1.GET("/cards/:cardId/state", s.getCardState)
	v1.PUT("/cards/:cardId/state", s.putCardState)
	v1.GET("/geo/distance", s.geoDistance)
	v1.POST("/reconcile", s.reconcile)

	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the feed, then blocks until a signal, ctx
// cancellation or a fatal error.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"state_backend", s.cfg.StateBackend,
			"ingestion", s.cfg.IngestionEnabled(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go metrics.StartPoolCollector(runCtx, metrics.PoolSources{DB: s.db, Redis: s.redis}, 15*time.Second)

	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	if s.adapter != nil {
		s.ingestWG.Add(1)
		go func() {
			defer s.ingestWG.Done()
			if err := s.adapter.Run(runCtx); err != nil {
				s.healthy.Store(false)
				errChan <- fmt.Errorf("ingestion stopped: %w", err)
			}
		}()
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-errChan:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stops the hub, pool collector and feed. The feed leaves the batch in
	// flight uncommitted and it is redelivered on restart.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.ingestWG.Wait()
	s.closeClients()

	s.logger.Info("shutdown complete")
	return shutdownErr
}

// closeClients releases external connections. Safe on a partly built server.
func (s *Server) closeClients() {
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.logger.Warn("kafka consumer close failed", "error", err)
		}
	}
	if s.sink != nil {
		s.sink.Close(10 * time.Second)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis close failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the scoring engine.
func (s *Server) Engine() *fraud.Engine {
	return s.engine
}
