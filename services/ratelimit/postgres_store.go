package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PostgresStore is a WindowStore backed by the rate_limit_events table.
// Admissions for one key are serialized with a transaction-scoped advisory lock.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

func (s *PostgresStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, maxAttempts int) (allowed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin rate limit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return false, fmt.Errorf("failed to lock rate limit key: %w", err)
	}

	cutoff := now.Add(-window)
	if _, err = tx.ExecContext(ctx, `
		DELETE FROM rate_limit_events
		WHERE scope_key = $1
		  AND timestamp <= $2
	`, key, cutoff); err != nil {
		return false, fmt.Errorf("failed to prune rate limit events: %w", err)
	}

	var count int
	if err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM rate_limit_events
		WHERE scope_key = $1
		  AND timestamp > $2
	`, key, cutoff).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query rate limit: %w", err)
	}

	if count < maxAttempts {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO rate_limit_events (scope_key, timestamp)
			VALUES ($1, $2)
		`, key, now); err != nil {
			return false, fmt.Errorf("failed to insert rate limit event: %w", err)
		}
		allowed = true
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit rate limit transaction: %w", err)
	}
	return allowed, nil
}

func (s *PostgresStore) Attempts(ctx context.Context, key string, now time.Time, window time.Duration) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp
		FROM rate_limit_events
		WHERE scope_key = $1
		  AND timestamp > $2
		ORDER BY timestamp ASC
	`, key, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to query rate limit window: %w", err)
	}
	defer rows.Close()

	var attempts []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan rate limit event: %w", err)
		}
		attempts = append(attempts, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rate limit events: %w", err)
	}
	return attempts, nil
}

// CleanupOldRequests removes events older than olderThan across all keys.
// Keys that are never checked again are otherwise kept forever.
func (s *PostgresStore) CleanupOldRequests(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoffTime := time.Now().Add(-olderThan)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_events
		WHERE timestamp < $1
	`, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old requests: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("cleaned up old rate limit events",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Time("cutoff_time", cutoffTime))

	return rowsAffected, nil
}
