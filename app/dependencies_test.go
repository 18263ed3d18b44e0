package app

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories/postgres"
	"github.com/upb/legal-audit/services/audit"
	"github.com/upb/legal-audit/services/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestNewDependencies(t *testing.T) {
	t.Run("memory backend wires every component", func(t *testing.T) {
		ctx := context.Background()
		cfg := memoryConfig()

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		assert.Nil(t, deps.DB)
		assert.Nil(t, deps.Redis)
		assert.Nil(t, deps.TxManager)
		require.NotNil(t, deps.Repos)
		assert.NotNil(t, deps.Repos.AuditEvents)
		assert.NotNil(t, deps.Repos.SecurityEvents)

		assert.NotNil(t, deps.Monitor)
		assert.NotNil(t, deps.Limiter)
		assert.NotNil(t, deps.Recorder)
		assert.NotNil(t, deps.Verifier)
		assert.NotNil(t, deps.Query)

		assert.NotNil(t, deps.AuthMiddleware)
		assert.NotNil(t, deps.RateLimitMiddleware)
		assert.NotNil(t, deps.AuditHandler)
		assert.NotNil(t, deps.SecurityHandler)
		assert.NotNil(t, deps.HealthHandler)
		assert.Nil(t, deps.MetricsHandler)
	})

	t.Run("recorder and verifier share the audit repository", func(t *testing.T) {
		ctx := context.Background()
		deps, err := NewDependencies(ctx, memoryConfig(), zap.NewNop())
		require.NoError(t, err)
		defer deps.Close(ctx)

		receipt, err := deps.Recorder.Record(ctx, audit.RecordRequest{
			TenantScope: "firm-1",
			EntityType:  "case",
			EntityID:    "C-1",
			ActorID:     "lawyer-1",
			Action:      models.AuditActionInsert,
			Changes:     models.Changes{"cedula": models.Value("1020304050"), "estado": models.Value("activo")},
		})
		require.NoError(t, err)
		assert.True(t, deps.Verifier.Verify(ctx, receipt.EventID))

		event, err := deps.Query.Get(ctx, "firm-1", receipt.EventID)
		require.NoError(t, err)
		assert.NotEqual(t, models.Value("1020304050"), event.Changes["cedula"])

		report, err := deps.Verifier.VerifyChain(ctx, "firm-1")
		require.NoError(t, err)
		assert.True(t, report.OK)
	})

	t.Run("rate limit presets come from the security config", func(t *testing.T) {
		ctx := context.Background()
		cfg := memoryConfig()
		cfg.Security.RateLimits[ratelimit.ClassAuth] = config.RateLimitPreset{MaxAttempts: 1, Window: time.Minute}

		deps, err := NewDependencies(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		defer deps.Close(ctx)

		first, err := deps.Limiter.CheckPreset(ctx, ratelimit.ClassAuth, "ip/192.0.2.1")
		require.NoError(t, err)
		assert.True(t, first.Allowed)

		second, err := deps.Limiter.CheckPreset(ctx, ratelimit.ClassAuth, "ip/192.0.2.1")
		require.NoError(t, err)
		assert.False(t, second.Allowed)

		status, err := deps.Monitor.Status(ctx, 10)
		require.NoError(t, err)
		require.Len(t, status.Recent, 1)
		assert.Equal(t, models.SecurityEventRateLimitExceeded, status.Recent[0].Type)
	})

	t.Run("metrics handler is exposed when enabled", func(t *testing.T) {
		ctx := context.Background()
		cfg := memoryConfig()
		cfg.Observability.MetricsEnabled = true

		deps, err := NewDependencies(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		defer deps.Close(ctx)

		require.NotNil(t, deps.MetricsHandler)
		w := httptest.NewRecorder()
		deps.MetricsHandler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		assert.Equal(t, 200, w.Code)
	})

	t.Run("redis state backend without redis fails", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Security.StateBackend = config.StateBackendRedis

		deps, err := NewDependencies(context.Background(), cfg, zap.NewNop())
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize services")
	})

	t.Run("unreachable redis fails", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Redis = config.RedisConfig{Enabled: true, Addr: "127.0.0.1:1"}

		deps, err := NewDependencies(context.Background(), cfg, zap.NewNop())
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize redis")
	})

	t.Run("database connection failure", func(t *testing.T) {
		cfg := postgresConfig()
		cfg.Database.Host = "invalid-host-that-does-not-exist"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize database")
	})

	t.Run("postgres backend", func(t *testing.T) {
		ctx := context.Background()
		cfg := postgresConfig()

		if !isDatabaseAvailable(t, cfg) {
			t.Skip("database not available")
		}

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NotNil(t, deps)

		assert.NotNil(t, deps.DB)
		assert.NotNil(t, deps.RepoFactory)
		assert.NotNil(t, deps.TxManager)

		require.NoError(t, deps.Close(ctx))
	})
}

func TestDependenciesClose(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.NoError(t, deps.Close(ctx))
	// Second close should not panic
	assert.NoError(t, deps.Close(ctx))
}

// Test helpers

func memoryConfig() *config.Config {
	return &config.Config{
		Environment:    "test",
		StorageBackend: config.StorageBackendMemory,
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-that-is-long-enough-123",
			AdminRole: "admin",
		},
		Audit: config.AuditConfig{
			MaxChainRetries:   3,
			MaxPersistRetries: 1,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        50 * time.Millisecond,
			StorageTimeout:    time.Second,
			VerifyPageSize:    100,
		},
		Security: *config.DefaultSecurityConfig(),
		Observability: config.ObservabilityConfig{
			LogLevel:       "debug",
			LogFormat:      "json",
			MetricsEnabled: false,
		},
	}
}

func postgresConfig() *config.Config {
	cfg := memoryConfig()
	cfg.StorageBackend = config.StorageBackendPostgres
	cfg.Database = config.DatabaseConfig{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            5432,
		User:            getEnvOrDefault("DB_USER", "dev"),
		Password:        getEnvOrDefault("DB_PASSWORD", "dev"),
		Database:        getEnvOrDefault("DB_NAME", "audit_test"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func isDatabaseAvailable(t *testing.T, cfg *config.Config) bool {
	t.Helper()
	factory, err := postgres.NewRepositoryFactory(cfg, zap.NewNop())
	if err != nil {
		return false
	}
	defer factory.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return factory.GetDB().PingContext(ctx) == nil
}
