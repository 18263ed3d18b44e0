package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
	"github.com/upb/legal-audit/repositories/memory"
)

func testAuditConfig() config.AuditConfig {
	return config.AuditConfig{
		MaxChainRetries:   3,
		MaxPersistRetries: 3,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        time.Second,
		StorageTimeout:    time.Second,
		VerifyPageSize:    500,
	}
}

// MockAuditEventRepository is a mock implementation of AuditEventRepository
type MockAuditEventRepository struct {
	mock.Mock
}

func (m *MockAuditEventRepository) ChainHead(ctx context.Context, tenantScope string) (models.ChainHead, error) {
	args := m.Called(ctx, tenantScope)
	return args.Get(0).(models.ChainHead), args.Error(1)
}

func (m *MockAuditEventRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockAuditEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	args := m.Called(ctx, id)
	if e := args.Get(0); e != nil {
		return e.(*models.AuditEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditEventRepository) ListChain(ctx context.Context, tenantScope string, afterSeq int64, limit int) ([]*models.AuditEvent, error) {
	args := m.Called(ctx, tenantScope, afterSeq, limit)
	if e := args.Get(0); e != nil {
		return e.([]*models.AuditEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditEventRepository) ListByEntity(ctx context.Context, tenantScope, entityType, entityID string, limit, offset int) ([]*models.AuditEvent, error) {
	args := m.Called(ctx, tenantScope, entityType, entityID, limit, offset)
	if e := args.Get(0); e != nil {
		return e.([]*models.AuditEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditEventRepository) ListByActor(ctx context.Context, tenantScope, actorID string, limit, offset int) ([]*models.AuditEvent, error) {
	args := m.Called(ctx, tenantScope, actorID, limit, offset)
	if e := args.Get(0); e != nil {
		return e.([]*models.AuditEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditEventRepository) ListTenants(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if t := args.Get(0); t != nil {
		return t.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

var _ repositories.AuditEventRepository = (*MockAuditEventRepository)(nil)

// tamperedRepository serves a memory store through an attacker's edits:
// mutated fields, dropped rows and reordered rows
type tamperedRepository struct {
	*memory.AuditEventRepository
	mutate  map[int64]func(*models.AuditEvent)
	drop    map[int64]bool
	reorder func([]*models.AuditEvent) []*models.AuditEvent
}

func newTamperedRepository(inner *memory.AuditEventRepository) *tamperedRepository {
	return &tamperedRepository{
		AuditEventRepository: inner,
		mutate:               map[int64]func(*models.AuditEvent){},
		drop:                 map[int64]bool{},
	}
}

func (r *tamperedRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	e, err := r.AuditEventRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.drop[e.ChainSeq] {
		return nil, repositories.ErrNotFound
	}
	if fn, ok := r.mutate[e.ChainSeq]; ok {
		fn(e)
	}
	return e, nil
}

func (r *tamperedRepository) ListChain(ctx context.Context, tenantScope string, afterSeq int64, limit int) ([]*models.AuditEvent, error) {
	all, err := r.AuditEventRepository.ListChain(ctx, tenantScope, 0, 0)
	if err != nil {
		return nil, err
	}
	var visible []*models.AuditEvent
	for _, e := range all {
		if r.drop[e.ChainSeq] {
			continue
		}
		if fn, ok := r.mutate[e.ChainSeq]; ok {
			fn(e)
		}
		visible = append(visible, e)
	}
	if r.reorder != nil {
		visible = r.reorder(visible)
	}

	var out []*models.AuditEvent
	for _, e := range visible {
		if e.ChainSeq <= afterSeq {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}
