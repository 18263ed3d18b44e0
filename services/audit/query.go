package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
	"github.com/upb/legal-audit/services"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListFilter selects events by entity or by actor within one tenant
type ListFilter struct {
	TenantScope string
	EntityType  string
	EntityID    string
	ActorID     string
	Page        int
	PageSize    int
}

// Page is one page of events, newest first
type Page struct {
	Events   []*models.AuditEvent `json:"events"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	HasMore  bool                 `json:"has_more"`
}

// QueryService serves the read side of the audit trail
type QueryService struct {
	repo   repositories.AuditEventRepository
	logger *zap.Logger
}

// NewQueryService creates a QueryService
func NewQueryService(repo repositories.AuditEventRepository, logger *zap.Logger) *QueryService {
	return &QueryService{repo: repo, logger: logger}
}

// Get returns an event of the tenant. Events of other tenants are reported
// as not found.
func (q *QueryService) Get(ctx context.Context, tenantScope string, id uuid.UUID) (*models.AuditEvent, error) {
	event, err := q.repo.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, services.WrapPersistence("failed to load audit event", err)
	}
	if event.TenantScope != tenantScope {
		return nil, services.ErrNotFound
	}
	return event, nil
}

// List dispatches to ListByEntity or ListByActor depending on the filter
func (q *QueryService) List(ctx context.Context, f ListFilter) (*Page, error) {
	switch {
	case f.EntityType != "" && f.EntityID != "":
		return q.ListByEntity(ctx, f)
	case f.ActorID != "":
		return q.ListByActor(ctx, f)
	}
	return nil, services.Validation("filter", "entity_type and entity_id, or actor_id, are required")
}

// ListByEntity returns a page of an entity's events
func (q *QueryService) ListByEntity(ctx context.Context, f ListFilter) (*Page, error) {
	if f.TenantScope == "" || f.EntityType == "" || f.EntityID == "" {
		return nil, services.Validation("filter", "tenant, entity_type and entity_id are required")
	}
	page, size := normalizePage(f.Page, f.PageSize)
	events, err := q.repo.ListByEntity(ctx, f.TenantScope, f.EntityType, f.EntityID, size+1, (page-1)*size)
	if err != nil {
		return nil, services.WrapPersistence("failed to list audit events", err)
	}
	return buildPage(events, page, size), nil
}

// ListByActor returns a page of an actor's events
func (q *QueryService) ListByActor(ctx context.Context, f ListFilter) (*Page, error) {
	if f.TenantScope == "" || f.ActorID == "" {
		return nil, services.Validation("filter", "tenant and actor_id are required")
	}
	page, size := normalizePage(f.Page, f.PageSize)
	events, err := q.repo.ListByActor(ctx, f.TenantScope, f.ActorID, size+1, (page-1)*size)
	if err != nil {
		return nil, services.WrapPersistence("failed to list audit events", err)
	}
	return buildPage(events, page, size), nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// buildPage trims the extra row fetched to detect a following page
func buildPage(events []*models.AuditEvent, page, size int) *Page {
	hasMore := len(events) > size
	if hasMore {
		events = events[:size]
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	return &Page{
		Events:   events,
		Page:     page,
		PageSize: size,
		HasMore:  hasMore,
	}
}
