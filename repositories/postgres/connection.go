package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/internal/db/migrate"
	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

// DB is a connection pool holding audit chains, security events, or both
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB opens a pool and fails fast when the server is unreachable
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	pool, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.LogString(), err)
	}

	logger.Info("database connection established", zap.String("connection", cfg.LogString()))
	return WrapDB(pool, logger), nil
}

// WrapDB adopts an already opened pool
func WrapDB(pool *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: pool, logger: logger}
}

// Close closes the pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// RunMigrations brings the audit schema up to date. Already being current
// is not an error.
func (db *DB) RunMigrations() error {
	start := time.Now()
	if err := migrate.Up(db.DB); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	db.logger.Info("audit schema migrated", zap.Duration("took", time.Since(start)))
	return nil
}
