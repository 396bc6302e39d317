// Package server wires the stores, services and background workers behind
// the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/settlement/internal/attestation"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/config"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/health"
	"github.com/mbd888/settlement/internal/idempotency"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/ratelimit"
	"github.com/mbd888/settlement/internal/realtime"
	"github.com/mbd888/settlement/internal/reconciliation"
	"github.com/mbd888/settlement/internal/reputation"
	"github.com/mbd888/settlement/internal/traces"
	"github.com/mbd888/settlement/internal/webhooks"
	"github.com/mbd888/settlement/migrations"
)

const (
	shutdownTimeout   = 15 * time.Second
	purgeInterval     = 10 * time.Minute
	operatorAccountID = "acct_operator"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	db    *sql.DB       // nil when using in-memory stores
	redis *redis.Client // nil unless REDIS_URL is set

	ledger      *ledger.Ledger
	escrowStore escrow.Store
	escrows     *escrow.Service
	sweeper     *escrow.Sweeper
	authMgr     *auth.Manager
	webhookDB   webhooks.Store
	webhooks    *webhooks.Dispatcher
	hub         *realtime.Hub
	attestDB    attestation.Store
	evidence    *attestation.Log
	attestor    *attestation.Recorder
	idemStore   idempotency.Store
	idempotency *idempotency.Cache
	limiter     *ratelimit.Limiter
	auditor     *reconciliation.Runner
	auditTimer  *reconciliation.Timer
	health      *health.Registry

	router *gin.Engine
	ready  atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New opens storage, applies migrations and builds the router. Without
// DATABASE_URL every store is in-memory.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var ledgerStore ledger.Store
	var authStore auth.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db, cfg.LockTimeout)
		s.escrowStore = escrow.NewPostgresStore(db, cfg.LockTimeout)
		authStore = auth.NewPostgresStore(db)
		s.webhookDB = webhooks.NewPostgresStore(db)
		s.idemStore = idempotency.NewPostgresStore(db)
		s.attestDB = attestation.NewPostgresStore(db)
		s.health.Register("database", health.DB(db))
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
	} else {
		memLedger := ledger.NewMemoryStore().WithLockTimeout(cfg.LockTimeout)
		ledgerStore = memLedger
		s.escrowStore = escrow.NewMemoryStore(memLedger)
		authStore = auth.NewMemoryStore()
		s.webhookDB = webhooks.NewMemoryStore()
		s.idemStore = idempotency.NewMemoryStore()
		s.attestDB = attestation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		client, err := idempotency.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.redis = client
		s.idemStore = idempotency.NewRedisStore(client)
		s.health.Register("redis", health.Pinger("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("idempotency keys shared via redis")
	}

	s.ledger = ledger.New(ledgerStore, cfg.Currency)
	s.authMgr = auth.NewManager(authStore, s.ledger, cfg.OperatorJWTSecret)
	s.webhooks = webhooks.NewDispatcher(s.webhookDB, webhooks.Options{
		Workers:          cfg.WebhookWorkers,
		QueueSize:        cfg.WebhookQueue,
		Timeout:          cfg.WebhookTimeout,
		AllowPrivate:     cfg.WebhookAllowPrivate,
		BreakerThreshold: cfg.WebhookBreakerThreshold,
		BreakerCooldown:  cfg.WebhookBreakerCooldown,
	}, s.logger)
	s.hub = realtime.NewHub(s.logger)

	evidence, err := attestation.Open(ctx, s.attestDB, "settlement")
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.evidence = evidence
	s.attestor = attestation.NewRecorder(evidence, s.logger)

	s.escrows = escrow.NewService(s.escrowStore, escrow.PercentFee{
		BasisPoints: cfg.FeeBasisPoints(),
		MinFee:      cfg.MinFee,
	}, cfg.Currency).
		WithLimits(escrow.Limits{
			MinAmount:  cfg.MinEscrow,
			MaxAmount:  cfg.MaxEscrow,
			DefaultTTL: time.Duration(cfg.DefaultTTLMinutes) * time.Minute,
			MaxTTL:     time.Duration(cfg.MaxTTLMinutes) * time.Minute,
		}).
		WithReputation(reputation.NewUpdater(ledgerStore, s.logger)).
		WithNotifier(escrow.Notifiers{webhooks.NewEmitter(s.webhooks, s.logger), s.hub, s.attestor}).
		WithLogger(s.logger)
	s.sweeper = escrow.NewSweeper(s.escrows, s.logger).
		WithInterval(cfg.ExpiryInterval).
		WithWarning(cfg.ExpiryWarning)
	s.health.Register("sweeper", health.Flag("sweeper", "expiry sweeper is not running", s.sweeper.Running))

	s.auditor = reconciliation.NewRunner(s.ledger, s.escrowStore, s.logger)
	s.auditTimer = reconciliation.NewTimer(s.auditor, cfg.ReconcileInterval, s.logger)
	s.health.Register("reconciliation", health.Flag("reconciliation", "last audit found inconsistencies", s.auditor.Healthy))

	s.idempotency = idempotency.New(s.idemStore, cfg.IdempotencyTTL, s.logger)
	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	if cfg.OperatorKey != "" {
		if err := s.bootstrapOperator(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("bootstrap operator: %w", err)
		}
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// bootstrapOperator makes OPERATOR_KEY a working operator credential. It is
// idempotent across restarts.
func (s *Server) bootstrapOperator(ctx context.Context) error {
	if key, err := s.authMgr.ValidateKey(ctx, s.cfg.OperatorKey); err == nil {
		acct, err := s.ledger.GetAccount(ctx, key.AccountID)
		if err != nil {
			return err
		}
		if !acct.IsOperator() {
			return fmt.Errorf("OPERATOR_KEY belongs to non-operator account %s", acct.ID)
		}
		return nil
	}

	acct, err := s.ledger.GetAccount(ctx, operatorAccountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		acct, err = s.ledger.OpenAccount(ctx, &ledger.Account{
			ID:          operatorAccountID,
			Name:        "operator",
			Description: "bootstrap operator",
			Role:        ledger.RoleOperator,
		}, 0)
	}
	if err != nil {
		return err
	}
	if _, err := s.authMgr.ImportKey(ctx, acct.ID, s.cfg.OperatorKey, "bootstrap"); err != nil {
		return err
	}
	s.logger.Info("operator key imported", "account_id", acct.ID)
	return nil
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

// Router returns the gin engine (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger exposes the ledger for operational tooling and tests.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and runs the background workers until ctx is done or one
// of them fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(flushCtx); err != nil {
			s.logger.Warn("trace flush failed", "error", err)
		}
	}()
	defer s.Close()

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting server", "addr", ln.Addr().String(), "version", s.version)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.ready.Store(false)
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.auditTimer.Start(gctx)
		return nil
	})
	g.Go(func() error { return s.webhooks.Run(gctx) })
	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error { return s.attestor.Run(gctx) })
	g.Go(func() error {
		idempotency.RunPurger(gctx, s.idemStore, purgeInterval, s.logger)
		return nil
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	err := g.Wait()
	s.logger.Info("server stopped")
	return err
}

// Close releases storage connections and the rate limiter.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.closeStores()
}

func (s *Server) closeStores() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
