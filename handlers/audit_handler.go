package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/legal-audit/internal/observability"
	"github.com/upb/legal-audit/middleware"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/services/audit"
	"github.com/upb/legal-audit/utils"
	"go.uber.org/zap"
)

// RecordEventRequest is the body of POST /audit/events. The actor and
// tenant come from the bearer token, never from the body.
type RecordEventRequest struct {
	EntityType string             `json:"entity_type" validate:"required,label"`
	EntityID   string             `json:"entity_id" validate:"required,max=128"`
	Action     models.AuditAction `json:"action" validate:"required,oneof=INSERT UPDATE DELETE VIEW_PII"`
	Changes    models.Changes     `json:"changes"`
	// Committed marks an action that already took effect; a failed append
	// is then answered with 202 and a warning instead of an error
	Committed bool `json:"committed"`
}

// AuditEventResponse represents an audit event in API responses
type AuditEventResponse struct {
	ID          uuid.UUID          `json:"id"`
	TenantScope string             `json:"tenant_scope"`
	EntityType  string             `json:"entity_type"`
	EntityID    string             `json:"entity_id"`
	ActorID     *string            `json:"actor_id"`
	Action      models.AuditAction `json:"action"`
	Changes     models.Changes     `json:"changes"`
	IPAddress   string             `json:"ip_address,omitempty"`
	UserAgent   string             `json:"user_agent,omitempty"`
	CreatedAt   string             `json:"created_at"`
	ChainSeq    int64              `json:"chain_seq"`
	PayloadHash string             `json:"payload_hash"`
	PrevHash    string             `json:"prev_hash"`
}

// AuditPageResponse is one page of events
type AuditPageResponse struct {
	Events   []AuditEventResponse `json:"events"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	HasMore  bool                 `json:"has_more"`
}

// VerifyEventResponse is the result of GET /audit/events/{id}/verify
type VerifyEventResponse struct {
	EventID uuid.UUID `json:"event_id"`
	Valid   bool      `json:"valid"`
}

// AuditRecorder appends audit events
type AuditRecorder interface {
	Record(ctx context.Context, req audit.RecordRequest) (*audit.Receipt, error)
}

// AuditQuerier reads audit events
type AuditQuerier interface {
	Get(ctx context.Context, tenantScope string, id uuid.UUID) (*models.AuditEvent, error)
	List(ctx context.Context, f audit.ListFilter) (*audit.Page, error)
}

// ChainVerifier checks event and chain integrity
type ChainVerifier interface {
	Verify(ctx context.Context, id uuid.UUID) bool
	VerifyChain(ctx context.Context, tenantScope string) (*audit.ChainReport, error)
}

// InputValidator gates untrusted text before it reaches the recorder
type InputValidator interface {
	ValidateInput(ctx context.Context, text, field string) error
}

// AuditHandler handles audit trail HTTP requests
type AuditHandler struct {
	recorder AuditRecorder
	query    AuditQuerier
	verifier ChainVerifier
	guard    InputValidator
	logger   *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(recorder AuditRecorder, query AuditQuerier, verifier ChainVerifier, guard InputValidator, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		recorder: recorder,
		query:    query,
		verifier: verifier,
		guard:    guard,
		logger:   logger,
	}
}

// HandleRecordEvent handles POST /v1/audit/events
func (h *AuditHandler) HandleRecordEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx, h.logger)

	claims := middleware.GetClaimsFromContext(ctx)
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	var req RecordEventRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, logger)
		return
	}

	if err := h.guardInput(ctx, req); err != nil {
		HandleServiceError(w, err, logger)
		return
	}

	phase := audit.PhasePreCommit
	if req.Committed {
		phase = audit.PhasePostCommit
	}

	receipt, err := h.recorder.Record(ctx, audit.RecordRequest{
		TenantScope: claims.TenantScope,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		ActorID:     claims.Subject,
		Action:      req.Action,
		Changes:     req.Changes,
		Phase:       phase,
	})
	if err != nil {
		HandleServiceError(w, err, logger)
		return
	}

	if receipt.Degraded {
		logger.Warn("audit record degraded",
			zap.String("entity_type", req.EntityType))
		_ = utils.WriteAccepted(w, receipt, receipt.Warning)
		return
	}

	_ = utils.WriteCreated(w, receipt)
}

// HandleListEvents handles GET /v1/audit/events
// ?entity_type=&entity_id= lists an entity's history, ?actor_id= an actor's
func (h *AuditHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := middleware.GetTenantFromContext(ctx)
	if tenant == "" {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	q := r.URL.Query()
	page, err := utils.QueryInt(r, "page", 1)
	if err != nil {
		_ = utils.WriteBadRequest(w, "", map[string]interface{}{"page": err.Error()})
		return
	}
	pageSize, err := utils.QueryInt(r, "page_size", audit.DefaultPageSize)
	if err != nil {
		_ = utils.WriteBadRequest(w, "", map[string]interface{}{"page_size": err.Error()})
		return
	}

	filter := audit.ListFilter{
		TenantScope: tenant,
		EntityType:  q.Get("entity_type"),
		EntityID:    q.Get("entity_id"),
		ActorID:     q.Get("actor_id"),
		Page:        page,
		PageSize:    pageSize,
	}
	if filter.EntityType != "" {
		if err := utils.ValidateLabel(filter.EntityType, "entity_type"); err != nil {
			_ = utils.WriteBadRequest(w, "", map[string]interface{}{"entity_type": err.Error()})
			return
		}
	}

	result, err := h.query.List(ctx, filter)
	if err != nil {
		HandleServiceError(w, err, observability.FromContext(r.Context(), h.logger))
		return
	}

	response := AuditPageResponse{
		Events:   make([]AuditEventResponse, 0, len(result.Events)),
		Page:     result.Page,
		PageSize: result.PageSize,
		HasMore:  result.HasMore,
	}
	for _, e := range result.Events {
		response.Events = append(response.Events, toAuditEventResponse(e))
	}
	_ = utils.WriteOK(w, response)
}

// HandleGetEvent handles GET /v1/audit/events/{id}
func (h *AuditHandler) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}
	_ = utils.WriteOK(w, toAuditEventResponse(event))
}

// HandleVerifyEvent handles GET /v1/audit/events/{id}/verify
func (h *AuditHandler) HandleVerifyEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}
	_ = utils.WriteOK(w, VerifyEventResponse{
		EventID: event.ID,
		Valid:   h.verifier.Verify(r.Context(), event.ID),
	})
}

// HandleVerifyChain handles GET /v1/audit/chains/verify for the caller's tenant
func (h *AuditHandler) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := middleware.GetTenantFromContext(ctx)
	if tenant == "" {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	report, err := h.verifier.VerifyChain(ctx, tenant)
	if err != nil {
		HandleServiceError(w, err, observability.FromContext(r.Context(), h.logger))
		return
	}
	_ = utils.WriteOK(w, report)
}

// loadEvent resolves {id} within the caller's tenant and writes the error
// response itself when it cannot
func (h *AuditHandler) loadEvent(w http.ResponseWriter, r *http.Request) (*models.AuditEvent, bool) {
	ctx := r.Context()
	tenant := middleware.GetTenantFromContext(ctx)
	if tenant == "" {
		_ = utils.WriteUnauthorized(w, "")
		return nil, false
	}

	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		_ = utils.WriteBadRequest(w, "", map[string]interface{}{"id": err.Error()})
		return nil, false
	}

	event, err := h.query.Get(ctx, tenant, id)
	if err != nil {
		HandleServiceError(w, err, observability.FromContext(r.Context(), h.logger))
		return nil, false
	}
	return event, true
}

// guardInput runs the entity id and every key and string in the change set
// through the input validator; the first rejection wins
func (h *AuditHandler) guardInput(ctx context.Context, req RecordEventRequest) error {
	if err := h.guard.ValidateInput(ctx, req.EntityID, "entity_id"); err != nil {
		return err
	}
	for _, key := range req.Changes.Keys() {
		if err := h.guard.ValidateInput(ctx, key, "changes"); err != nil {
			return err
		}
		cv := req.Changes[key]
		values := []any{cv.Value}
		if cv.IsDiff() {
			values = []any{cv.From, cv.To}
		}
		for _, v := range values {
			if err := guardValue(ctx, h.guard, v, "changes."+key); err != nil {
				return err
			}
		}
	}
	return nil
}

func guardValue(ctx context.Context, guard InputValidator, v any, field string) error {
	switch t := v.(type) {
	case string:
		return guard.ValidateInput(ctx, t, field)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		// keys are reported under the parent field
		for _, k := range keys {
			if err := guard.ValidateInput(ctx, k, field); err != nil {
				return err
			}
			if err := guardValue(ctx, guard, t[k], field); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range t {
			if err := guardValue(ctx, guard, item, fmt.Sprintf("%s[%d]", field, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func toAuditEventResponse(e *models.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		ID:          e.ID,
		TenantScope: e.TenantScope,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Action:      e.Action,
		Changes:     e.Changes,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
		ChainSeq:    e.ChainSeq,
		PayloadHash: e.PayloadHash,
		PrevHash:    e.PrevHash,
	}
}
