package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/legal-audit/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrChainConflict is returned by Append when the tenant chain head moved
	// after the caller read it. The caller re-reads the head and retries.
	ErrChainConflict = errors.New("audit chain head moved")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Commits if fn succeeds, rolls back on error. Audit appends made with
	// the context passed to fn join the transaction.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}

// AuditEventRepository stores the append-only, per-tenant audit chains.
// There is no update or delete.
type AuditEventRepository interface {
	// ChainHead returns the current head of a tenant chain. A tenant with no
	// events yields a zero head (Seq 0, empty hash) and no error.
	ChainHead(ctx context.Context, tenantScope string) (models.ChainHead, error)

	// Append persists event as the successor of the head it was built on,
	// i.e. event.ChainSeq-1 with hash event.PrevHash. The head advance and
	// the insert are atomic; a moved head yields ErrChainConflict.
	Append(ctx context.Context, event *models.AuditEvent) error

	// GetByID returns ErrNotFound when the event does not exist
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error)

	// ListChain returns up to limit events with chain_seq > afterSeq in ascending order
	ListChain(ctx context.Context, tenantScope string, afterSeq int64, limit int) ([]*models.AuditEvent, error)

	// ListByEntity returns an entity's events, newest first
	ListByEntity(ctx context.Context, tenantScope, entityType, entityID string, limit, offset int) ([]*models.AuditEvent, error)

	// ListByActor returns an actor's events, newest first
	ListByActor(ctx context.Context, tenantScope, actorID string, limit, offset int) ([]*models.AuditEvent, error)

	// ListTenants returns every tenant scope that has a chain
	ListTenants(ctx context.Context) ([]string, error)
}

// SecurityEventRepository persists security events outside the audit chains
type SecurityEventRepository interface {
	Insert(ctx context.Context, event *models.SecurityEvent) error

	// ListRecent returns the newest events first
	ListRecent(ctx context.Context, limit int) ([]*models.SecurityEvent, error)
}

// Repositories groups the repository implementations handed to services
type Repositories struct {
	AuditEvents    AuditEventRepository
	SecurityEvents SecurityEventRepository
}
