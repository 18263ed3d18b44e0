// Package memory provides in-process repository implementations used when no
// database is configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
)

// AuditEventRepository keeps tenant chains in memory. Stored events are
// copied on the way in and out, so callers cannot mutate the chain.
type AuditEventRepository struct {
	mu     sync.RWMutex
	chains map[string][]*models.AuditEvent
	byID   map[uuid.UUID]*models.AuditEvent
}

// NewAuditEventRepository creates an empty in-memory audit store
func NewAuditEventRepository() *AuditEventRepository {
	return &AuditEventRepository{
		chains: make(map[string][]*models.AuditEvent),
		byID:   make(map[uuid.UUID]*models.AuditEvent),
	}
}

var _ repositories.AuditEventRepository = (*AuditEventRepository)(nil)

// ChainHead returns the tenant's current head
func (r *AuditEventRepository) ChainHead(_ context.Context, tenantScope string) (models.ChainHead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headLocked(tenantScope), nil
}

func (r *AuditEventRepository) headLocked(tenantScope string) models.ChainHead {
	chain := r.chains[tenantScope]
	if len(chain) == 0 {
		return models.ChainHead{TenantScope: tenantScope}
	}
	last := chain[len(chain)-1]
	return models.ChainHead{
		TenantScope: tenantScope,
		Seq:         last.ChainSeq,
		HeadHash:    last.PayloadHash,
		UpdatedAt:   last.CreatedAt,
	}
}

// Append stores event if the chain head still matches what it was built on
func (r *AuditEventRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	head := r.headLocked(event.TenantScope)
	if event.ChainSeq != head.Seq+1 || event.PrevHash != head.HeadHash {
		return repositories.ErrChainConflict
	}
	stored := copyEvent(event)
	r.chains[event.TenantScope] = append(r.chains[event.TenantScope], stored)
	r.byID[stored.ID] = stored
	return nil
}

// GetByID returns a copy of the stored event
func (r *AuditEventRepository) GetByID(_ context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyEvent(event), nil
}

// ListChain returns events after afterSeq in chain order
func (r *AuditEventRepository) ListChain(_ context.Context, tenantScope string, afterSeq int64, limit int) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AuditEvent
	for _, e := range r.chains[tenantScope] {
		if e.ChainSeq <= afterSeq {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, copyEvent(e))
	}
	return out, nil
}

// ListByEntity returns an entity's events, newest first
func (r *AuditEventRepository) ListByEntity(_ context.Context, tenantScope, entityType, entityID string, limit, offset int) ([]*models.AuditEvent, error) {
	return r.filterNewestFirst(tenantScope, limit, offset, func(e *models.AuditEvent) bool {
		return e.EntityType == entityType && e.EntityID == entityID
	}), nil
}

// ListByActor returns an actor's events, newest first
func (r *AuditEventRepository) ListByActor(_ context.Context, tenantScope, actorID string, limit, offset int) ([]*models.AuditEvent, error) {
	return r.filterNewestFirst(tenantScope, limit, offset, func(e *models.AuditEvent) bool {
		return e.ActorID != nil && *e.ActorID == actorID
	}), nil
}

// ListTenants returns tenants with at least one event
func (r *AuditEventRepository) ListTenants(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenants := make([]string, 0, len(r.chains))
	for t := range r.chains {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (r *AuditEventRepository) filterNewestFirst(tenantScope string, limit, offset int, match func(*models.AuditEvent) bool) []*models.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[tenantScope]
	var out []*models.AuditEvent
	skipped := 0
	for i := len(chain) - 1; i >= 0; i-- {
		if !match(chain[i]) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, copyEvent(chain[i]))
	}
	return out
}

func copyEvent(e *models.AuditEvent) *models.AuditEvent {
	c := *e
	if e.ActorID != nil {
		actor := *e.ActorID
		c.ActorID = &actor
	}
	c.Changes = make(models.Changes, len(e.Changes))
	for k, v := range e.Changes {
		c.Changes[k] = v
	}
	return &c
}
