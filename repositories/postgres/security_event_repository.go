package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
	"go.uber.org/zap"
)

// SecurityEventRepository implements repositories.SecurityEventRepository
type SecurityEventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSecurityEventRepository creates a new security event repository
func NewSecurityEventRepository(db *DB, logger *zap.Logger) repositories.SecurityEventRepository {
	return &SecurityEventRepository{
		db:     db,
		logger: logger,
	}
}

// Insert persists a security event
func (r *SecurityEventRepository) Insert(ctx context.Context, event *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (
			id, type, severity, message, tenant_scope, user_id, ip_address, user_agent, metadata, timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Severity,
		event.Message,
		nullString(event.TenantScope),
		event.UserID,
		nullString(event.IPAddress),
		nullString(event.UserAgent),
		event.Metadata,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// ListRecent returns the newest security events first
func (r *SecurityEventRepository) ListRecent(ctx context.Context, limit int) ([]*models.SecurityEvent, error) {
	query := `
		SELECT id, type, severity, message, tenant_scope, user_id, ip_address, user_agent, metadata, timestamp
		FROM security_events
		ORDER BY timestamp DESC
		LIMIT $1
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		var (
			event       models.SecurityEvent
			tenantScope sql.NullString
			userID      sql.NullString
			ipAddress   sql.NullString
			userAgent   sql.NullString
		)
		if err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Severity,
			&event.Message,
			&tenantScope,
			&userID,
			&ipAddress,
			&userAgent,
			&event.Metadata,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		event.TenantScope = tenantScope.String
		if userID.Valid {
			event.UserID = &userID.String
		}
		event.IPAddress = ipAddress.String
		event.UserAgent = userAgent.String
		event.Timestamp = event.Timestamp.UTC()
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security events: %w", err)
	}
	return events, nil
}
