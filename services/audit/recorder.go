// Package audit records hash-chained audit events and verifies them.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/internal/integrity"
	"github.com/upb/legal-audit/internal/observability"
	"github.com/upb/legal-audit/internal/redact"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
	"github.com/upb/legal-audit/services"
	"github.com/upb/legal-audit/services/security"
	"go.uber.org/zap"
)

// DegradedWarning is reported on a receipt when a post-commit append failed
const DegradedWarning = "audit degraded"

// Column widths of the audit_events identifier columns
const (
	MaxTenantScopeLen = 255
	MaxEntityTypeLen  = 100
	MaxEntityIDLen    = 255
	MaxActorIDLen     = 255
)

// Phase tells the recorder whether the audited business action has committed
type Phase int

const (
	// PhasePreCommit means the action can still be rolled back; append
	// failures are retried and then returned as errors
	PhasePreCommit Phase = iota
	// PhasePostCommit means the action already committed; append failures
	// are logged and reported as a degraded receipt
	PhasePostCommit
)

// RecordRequest describes one audited action. Changes are redacted before
// they are hashed or stored.
type RecordRequest struct {
	TenantScope string
	EntityType  string
	EntityID    string
	ActorID     string
	// System marks an action no user initiated; only then may ActorID be empty
	System    bool
	Action    models.AuditAction
	Changes   models.Changes
	IPAddress string
	UserAgent string
	Phase     Phase
}

// Receipt identifies the appended event
type Receipt struct {
	EventID     uuid.UUID `json:"event_id"`
	PayloadHash string    `json:"payload_hash"`
	ChainSeq    int64     `json:"chain_seq"`
	CreatedAt   time.Time `json:"created_at"`
	Degraded    bool      `json:"degraded,omitempty"`
	Warning     string    `json:"warning,omitempty"`
}

// Target names the audited entity
type Target struct {
	TenantScope string
	EntityType  string
	EntityID    string
}

// Recorder appends events to per-tenant hash chains
type Recorder struct {
	repo     repositories.AuditEventRepository
	redactor *redact.Redactor
	cfg      config.AuditConfig
	metrics  observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRecorder creates a Recorder. A nil redactor uses the default field list.
func NewRecorder(repo repositories.AuditEventRepository, redactor *redact.Redactor, cfg config.AuditConfig, metrics observability.Metrics, logger *zap.Logger) *Recorder {
	if redactor == nil {
		redactor = redact.NewDefault()
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 5 * time.Second
	}
	return &Recorder{
		repo:     repo,
		redactor: redactor,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Record validates, redacts, hashes and appends one event
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (*Receipt, error) {
	req, changes, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		conflicts int
		failures  int
	)
	for {
		event, err := r.appendOnce(ctx, req, changes)
		if err == nil {
			return r.recorded(event), nil
		}

		if services.IsInternalError(err) {
			r.metrics.RecordAudit(string(req.Action), "failed")
			return nil, err
		}

		if errors.Is(err, repositories.ErrChainConflict) {
			r.metrics.RecordChainConflict()
			if conflicts < r.cfg.MaxChainRetries {
				conflicts++
				r.logger.Debug("audit chain head moved, retrying",
					zap.String("tenant_scope", req.TenantScope),
					zap.Int("attempt", conflicts))
				continue
			}
			return r.fail(req, services.NewDomainError(services.ErrorTypeChainConflict,
				fmt.Sprintf("chain head kept moving after %d retries", conflicts), err))
		}

		if req.Phase == PhasePostCommit || ctx.Err() != nil || failures >= r.cfg.MaxPersistRetries {
			return r.fail(req, services.WrapPersistence("failed to append audit event", err))
		}

		wait := r.backoff(failures)
		failures++
		r.logger.Warn("audit append failed, retrying",
			zap.String("tenant_scope", req.TenantScope),
			zap.Int("attempt", failures),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := r.sleep(ctx, wait); err != nil {
			return r.fail(req, services.WrapPersistence("failed to append audit event", err))
		}
	}
}

// RecordInsert records the creation of an entity with its initial values
func (r *Recorder) RecordInsert(ctx context.Context, target Target, actorID string, values map[string]any) (*Receipt, error) {
	return r.Record(ctx, r.request(target, actorID, models.AuditActionInsert, valuesOf(values)))
}

// RecordUpdate records the fields that differ between before and after
func (r *Recorder) RecordUpdate(ctx context.Context, target Target, actorID string, before, after map[string]any) (*Receipt, error) {
	return r.Record(ctx, r.request(target, actorID, models.AuditActionUpdate, models.ChangesBetween(before, after)))
}

// RecordDelete records the removal of an entity with its last known values
func (r *Recorder) RecordDelete(ctx context.Context, target Target, actorID string, snapshot map[string]any) (*Receipt, error) {
	return r.Record(ctx, r.request(target, actorID, models.AuditActionDelete, valuesOf(snapshot)))
}

// RecordPIIView records that actorID was shown the given personal fields.
// Values are redacted like any other change.
func (r *Recorder) RecordPIIView(ctx context.Context, target Target, actorID string, viewed map[string]any) (*Receipt, error) {
	return r.Record(ctx, r.request(target, actorID, models.AuditActionViewPII, valuesOf(viewed)))
}

func (r *Recorder) request(target Target, actorID string, action models.AuditAction, changes models.Changes) RecordRequest {
	return RecordRequest{
		TenantScope: target.TenantScope,
		EntityType:  target.EntityType,
		EntityID:    target.EntityID,
		ActorID:     actorID,
		Action:      action,
		Changes:     changes,
	}
}

func (r *Recorder) validate(req RecordRequest) error {
	switch {
	case !req.Action.Valid():
		return services.Validation("action", "unknown audit action")
	case req.TenantScope == "":
		return services.Validation("tenant_scope", "tenant scope is required")
	case req.EntityType == "":
		return services.Validation("entity_type", "entity type is required")
	case req.EntityID == "":
		return services.Validation("entity_id", "entity id is required")
	case req.ActorID == "" && !req.System:
		return services.NewDomainError(services.ErrorTypeAuthenticationRequired,
			"user initiated audit event without an actor", nil)
	case utf8.RuneCountInString(req.TenantScope) > MaxTenantScopeLen:
		return services.Validation("tenant_scope", "tenant scope is too long")
	case utf8.RuneCountInString(req.EntityType) > MaxEntityTypeLen:
		return services.Validation("entity_type", "entity type is too long")
	case utf8.RuneCountInString(req.EntityID) > MaxEntityIDLen:
		return services.Validation("entity_id", "entity id is too long")
	case utf8.RuneCountInString(req.ActorID) > MaxActorIDLen:
		return services.Validation("actor_id", "actor id is too long")
	}
	return nil
}

// prepare validates and redacts req and fills the request origin from the
// security subject in ctx
func (r *Recorder) prepare(ctx context.Context, req RecordRequest) (RecordRequest, models.Changes, error) {
	if err := r.validate(req); err != nil {
		r.metrics.RecordAudit(string(req.Action), "rejected")
		return req, nil, err
	}

	changes, err := r.redactor.Redact(req.Changes).Normalize()
	if err != nil {
		r.metrics.RecordAudit(string(req.Action), "rejected")
		return req, nil, services.NewDomainError(services.ErrorTypeValidation, "change set rejected", err).
			WithDetail("field", "changes")
	}

	if req.IPAddress == "" && req.UserAgent == "" {
		if s, ok := security.SubjectFromContext(ctx); ok {
			req.IPAddress, req.UserAgent = s.IPAddress, s.UserAgent
		}
	}
	return req, changes, nil
}

func (r *Recorder) recorded(event *models.AuditEvent) *Receipt {
	r.metrics.RecordAudit(string(event.Action), "recorded")
	r.logger.Debug("audit event recorded",
		zap.String("event_id", event.ID.String()),
		zap.String("tenant_scope", event.TenantScope),
		zap.Int64("chain_seq", event.ChainSeq),
		zap.String("action", string(event.Action)))
	return &Receipt{
		EventID:     event.ID,
		PayloadHash: event.PayloadHash,
		ChainSeq:    event.ChainSeq,
		CreatedAt:   event.CreatedAt,
	}
}

// appendOnce builds the successor of the current head and appends it. Both
// storage calls share one bounded timeout.
func (r *Recorder) appendOnce(ctx context.Context, req RecordRequest, changes models.Changes) (*models.AuditEvent, error) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()

	head, err := r.repo.ChainHead(sctx, req.TenantScope)
	if err != nil {
		return nil, err
	}

	event := models.NewAuditEvent(req.TenantScope, req.EntityType, req.EntityID, req.Action).
		WithActor(req.ActorID).
		WithChanges(changes).
		WithRequest(req.IPAddress, req.UserAgent)
	event.CreatedAt = integrity.NormalizeTime(r.now())
	event.ChainSeq = head.Seq + 1
	event.PrevHash = head.HeadHash

	hash, err := integrity.ComputeHash(event)
	if err != nil {
		return nil, services.WrapInternal("failed to hash audit event", err)
	}
	event.PayloadHash = hash

	if err := r.repo.Append(sctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// fail reports err before commit, or degrades after it
func (r *Recorder) fail(req RecordRequest, err error) (*Receipt, error) {
	if req.Phase == PhasePostCommit {
		r.metrics.RecordAudit(string(req.Action), "degraded")
		r.logger.Warn(DegradedWarning,
			zap.String("tenant_scope", req.TenantScope),
			zap.String("entity_type", req.EntityType),
			zap.String("entity_id", req.EntityID),
			zap.String("action", string(req.Action)),
			zap.Error(err))
		return &Receipt{Degraded: true, Warning: DegradedWarning}, nil
	}

	r.metrics.RecordAudit(string(req.Action), "failed")
	r.logger.Error("failed to record audit event",
		zap.String("tenant_scope", req.TenantScope),
		zap.String("entity_type", req.EntityType),
		zap.String("action", string(req.Action)),
		zap.Error(err))
	return nil, err
}

// backoff is exponential from InitialBackoff, capped at MaxBackoff, plus up
// to 50% jitter
func (r *Recorder) backoff(attempt int) time.Duration {
	wait := r.cfg.InitialBackoff * time.Duration(1<<attempt)
	if r.cfg.MaxBackoff > 0 && wait > r.cfg.MaxBackoff {
		wait = r.cfg.MaxBackoff
	}
	if wait <= 0 {
		return 0
	}
	return wait + time.Duration(rand.Int63n(int64(wait)/2+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func valuesOf(values map[string]any) models.Changes {
	changes := make(models.Changes, len(values))
	for k, v := range values {
		changes[k] = models.Value(v)
	}
	return changes
}
