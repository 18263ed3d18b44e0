package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/handlers"
	"github.com/upb/legal-audit/internal/observability"
	"github.com/upb/legal-audit/internal/redact"
	"github.com/upb/legal-audit/middleware"
	"github.com/upb/legal-audit/repositories"
	"github.com/upb/legal-audit/repositories/memory"
	"github.com/upb/legal-audit/repositories/postgres"
	"github.com/upb/legal-audit/services/audit"
	"github.com/upb/legal-audit/services/ratelimit"
	"github.com/upb/legal-audit/services/security"
	"go.uber.org/zap"
)

const (
	securityBufferKey = "security:events"
	rateLimitPrefix   = "ratelimit:"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB // nil with the memory storage backend
	Redis   redis.UniversalClient
	Logger  *zap.Logger
	Metrics observability.Metrics
	// MetricsHandler serves /metrics; nil when metrics are disabled
	MetricsHandler http.Handler

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Services
	Monitor  *security.Monitor
	Limiter  *ratelimit.Limiter
	Recorder *audit.Recorder
	Verifier *audit.Verifier
	Query    *audit.QueryService

	// HTTP
	AuthMiddleware      *middleware.AuthMiddleware
	RateLimitMiddleware *middleware.RateLimitMiddleware
	AuditHandler        *handlers.AuditHandler
	SecurityHandler     *handlers.SecurityHandler
	HealthHandler       *handlers.HealthHandler
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics(cfg)

	if err := deps.initStorage(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initRedis(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := deps.initServices(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("state_backend", cfg.Security.StateBackend))
	return deps, nil
}

func (d *Dependencies) initMetrics(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NopMetrics{}
		return
	}
	prom := observability.NewPrometheusMetrics()
	d.Metrics = prom
	d.MetricsHandler = prom.Handler()
}

// initStorage opens PostgreSQL or falls back to in-process repositories
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.StorageBackend == config.StorageBackendMemory {
		d.Repos = &repositories.Repositories{
			AuditEvents:    memory.NewAuditEventRepository(),
			SecurityEvents: memory.NewSecurityEventRepository(),
		}
		d.Logger.Warn("using in-memory storage, audit chains are lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := factory.RunMigrations(); err != nil {
			return err
		}
	}

	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()

	d.Logger.Info("repositories initialized",
		zap.String("connection", cfg.Database.LogString()),
		zap.Bool("separate_audit_db", cfg.AuditDatabase != nil))
	return nil
}

func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	if !cfg.Redis.Enabled {
		return nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.Redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	return nil
}

// initServices builds the monitor, limiter and audit services over the
// configured state backend
func (d *Dependencies) initServices(cfg *config.Config) error {
	buffer, store, err := d.stateBackend(cfg)
	if err != nil {
		return err
	}

	d.Monitor = security.NewMonitor(buffer, d.Repos.SecurityEvents, cfg.Security.Monitor, d.Metrics, d.Logger.Named("security"))
	d.Limiter = ratelimit.NewLimiter(store, cfg.Security.RateLimits, d.Monitor, d.Metrics, d.Logger.Named("ratelimit"))

	redactor := redact.New(cfg.Security.SensitiveFields, cfg.Security.SensitiveSuffixes)
	auditLogger := d.Logger.Named("audit")
	d.Recorder = audit.NewRecorder(d.Repos.AuditEvents, redactor, cfg.Audit, d.Metrics, auditLogger)
	d.Verifier = audit.NewVerifier(d.Repos.AuditEvents, cfg.Audit.VerifyPageSize, d.Metrics, auditLogger)
	d.Query = audit.NewQueryService(d.Repos.AuditEvents, auditLogger)
	return nil
}

// stateBackend picks where the security event buffer and the rate-limit
// windows live. The postgres backend shares rate-limit windows through the
// database; the buffer stays process-local there.
func (d *Dependencies) stateBackend(cfg *config.Config) (security.EventBuffer, ratelimit.WindowStore, error) {
	capacity := cfg.Security.Monitor.BufferCapacity

	switch cfg.Security.StateBackend {
	case config.StateBackendRedis:
		if d.Redis == nil {
			return nil, nil, fmt.Errorf("state backend redis requires a redis connection")
		}
		return security.NewRedisBuffer(d.Redis, securityBufferKey, capacity),
			ratelimit.NewRedisStore(d.Redis, rateLimitPrefix), nil
	case config.StateBackendPostgres:
		if d.DB == nil {
			return nil, nil, fmt.Errorf("state backend postgres requires a database connection")
		}
		return security.NewMemoryBuffer(capacity),
			ratelimit.NewPostgresStore(d.DB.DB, d.Logger.Named("ratelimit")), nil
	}
	return security.NewMemoryBuffer(capacity),
		ratelimit.NewMemoryStore(time.Minute), nil
}

func (d *Dependencies) initHTTP(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT_SECRET not set, every protected route will answer 401")
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(middleware.NewHMACTokenValidator(cfg.Auth), d.Monitor, d.Logger)
	d.RateLimitMiddleware = middleware.NewRateLimitMiddleware(d.Limiter, d.Logger)

	d.AuditHandler = handlers.NewAuditHandler(d.Recorder, d.Query, d.Verifier, d.Monitor, d.Logger)
	d.SecurityHandler = handlers.NewSecurityHandler(d.Monitor, d.Logger)

	var db *sql.DB
	if d.RepoFactory != nil {
		db = d.RepoFactory.AuditDB().DB
	}
	d.HealthHandler = handlers.NewHealthHandler(db, d.Redis, d.Logger)
}

func (d *Dependencies) closeQuietly() {
	_ = d.closeConnections()
}

func (d *Dependencies) closeConnections() []error {
	var errs []error

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		d.RepoFactory = nil
		d.DB = nil
	}
	return errs
}

// Close gracefully shuts down all dependencies. It is safe to call twice.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	errs := d.closeConnections()

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
