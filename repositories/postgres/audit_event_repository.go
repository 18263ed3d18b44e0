package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const auditEventColumns = `id, tenant_scope, entity_type, entity_id, actor_id, action, changes,
		       ip_address, user_agent, created_at, chain_seq, payload_hash, prev_hash`

// AuditEventRepository implements repositories.AuditEventRepository.
// The chain head row is advanced with a compare-and-set in the same
// transaction as the event insert.
type AuditEventRepository struct {
	db        *DB
	txManager repositories.TransactionManager
	logger    *zap.Logger
}

// NewAuditEventRepository creates a new audit event repository
func NewAuditEventRepository(db *DB, logger *zap.Logger) repositories.AuditEventRepository {
	return &AuditEventRepository{
		db:        db,
		txManager: NewTransactionManager(db, logger),
		logger:    logger,
	}
}

// ChainHead returns the current head of the tenant chain
func (r *AuditEventRepository) ChainHead(ctx context.Context, tenantScope string) (models.ChainHead, error) {
	query := `
		SELECT tenant_scope, seq, head_hash, updated_at
		FROM audit_chain_heads
		WHERE tenant_scope = $1
	`

	head := models.ChainHead{TenantScope: tenantScope}
	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query, tenantScope).Scan(
		&head.TenantScope,
		&head.Seq,
		&head.HeadHash,
		&head.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChainHead{TenantScope: tenantScope}, nil
	}
	if err != nil {
		return models.ChainHead{}, fmt.Errorf("failed to read chain head: %w", err)
	}
	return head, nil
}

// Append advances the chain head and inserts the event atomically
func (r *AuditEventRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	return r.txManager.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(txCtx, r.db)

		advanced, err := r.advanceHead(txCtx, executor, event)
		if err != nil {
			return err
		}
		if !advanced {
			return repositories.ErrChainConflict
		}

		query := `
			INSERT INTO audit_events (
				id, tenant_scope, entity_type, entity_id, actor_id, action, changes,
				ip_address, user_agent, created_at, chain_seq, payload_hash, prev_hash
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
			)
		`
		_, err = executor.ExecContext(txCtx, query,
			event.ID,
			event.TenantScope,
			event.EntityType,
			event.EntityID,
			event.ActorID,
			event.Action,
			event.Changes,
			nullString(event.IPAddress),
			nullString(event.UserAgent),
			event.CreatedAt,
			event.ChainSeq,
			event.PayloadHash,
			event.PrevHash,
		)
		if isUniqueViolation(err) {
			return repositories.ErrChainConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}

		r.logger.Debug("audit event appended",
			zap.String("id", event.ID.String()),
			zap.String("tenant_scope", event.TenantScope),
			zap.Int64("chain_seq", event.ChainSeq))
		return nil
	})
}

// advanceHead moves the head from (ChainSeq-1, PrevHash) to (ChainSeq, PayloadHash).
// It reports false when another writer got there first.
func (r *AuditEventRepository) advanceHead(ctx context.Context, executor Executor, event *models.AuditEvent) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	if event.ChainSeq == 1 {
		result, err = executor.ExecContext(ctx, `
			INSERT INTO audit_chain_heads (tenant_scope, seq, head_hash, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_scope) DO NOTHING
		`, event.TenantScope, event.ChainSeq, event.PayloadHash, time.Now().UTC())
	} else {
		result, err = executor.ExecContext(ctx, `
			UPDATE audit_chain_heads
			SET seq = $2, head_hash = $3, updated_at = $4
			WHERE tenant_scope = $1 AND seq = $5 AND head_hash = $6
		`, event.TenantScope, event.ChainSeq, event.PayloadHash, time.Now().UTC(), event.ChainSeq-1, event.PrevHash)
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance chain head: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read chain head update: %w", err)
	}
	return rows == 1, nil
}

// GetByID retrieves an audit event by ID
func (r *AuditEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	query := `
		SELECT ` + auditEventColumns + `
		FROM audit_events
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	event, err := scanAuditEvent(executor.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return event, nil
}

// ListChain retrieves a page of a tenant chain in ascending order
func (r *AuditEventRepository) ListChain(ctx context.Context, tenantScope string, afterSeq int64, limit int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + auditEventColumns + `
		FROM audit_events
		WHERE tenant_scope = $1 AND chain_seq > $2
		ORDER BY chain_seq ASC
		LIMIT $3
	`
	return r.queryAuditEvents(ctx, query, tenantScope, afterSeq, limit)
}

// ListByEntity retrieves an entity's events, newest first
func (r *AuditEventRepository) ListByEntity(ctx context.Context, tenantScope, entityType, entityID string, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + auditEventColumns + `
		FROM audit_events
		WHERE tenant_scope = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at DESC, chain_seq DESC
		LIMIT $4 OFFSET $5
	`
	return r.queryAuditEvents(ctx, query, tenantScope, entityType, entityID, limit, offset)
}

// ListByActor retrieves an actor's events, newest first
func (r *AuditEventRepository) ListByActor(ctx context.Context, tenantScope, actorID string, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT ` + auditEventColumns + `
		FROM audit_events
		WHERE tenant_scope = $1 AND actor_id = $2
		ORDER BY created_at DESC, chain_seq DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryAuditEvents(ctx, query, tenantScope, actorID, limit, offset)
}

// ListTenants returns every tenant with a chain head
func (r *AuditEventRepository) ListTenants(ctx context.Context) ([]string, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, `SELECT tenant_scope FROM audit_chain_heads ORDER BY tenant_scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return tenants, nil
}

func (r *AuditEventRepository) queryAuditEvents(ctx context.Context, query string, args ...interface{}) ([]*models.AuditEvent, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditEvent(row rowScanner) (*models.AuditEvent, error) {
	var (
		event     models.AuditEvent
		actorID   sql.NullString
		ipAddress sql.NullString
		userAgent sql.NullString
	)
	err := row.Scan(
		&event.ID,
		&event.TenantScope,
		&event.EntityType,
		&event.EntityID,
		&actorID,
		&event.Action,
		&event.Changes,
		&ipAddress,
		&userAgent,
		&event.CreatedAt,
		&event.ChainSeq,
		&event.PayloadHash,
		&event.PrevHash,
	)
	if err != nil {
		return nil, err
	}
	if actorID.Valid {
		event.ActorID = &actorID.String
	}
	event.IPAddress = ipAddress.String
	event.UserAgent = userAgent.String
	event.CreatedAt = event.CreatedAt.UTC()
	return &event, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
