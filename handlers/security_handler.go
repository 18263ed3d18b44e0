package handlers

import (
	"context"
	"net/http"

	"github.com/upb/legal-audit/internal/observability"
	"github.com/upb/legal-audit/services/security"
	"github.com/upb/legal-audit/utils"
	"go.uber.org/zap"
)

const (
	defaultStatusLimit = 20
	maxStatusLimit     = 100
)

// SecurityStatusProvider reports the monitor state
type SecurityStatusProvider interface {
	Status(ctx context.Context, limit int) (*security.Status, error)
}

// SecurityHandler serves the operator view of the security monitor
type SecurityHandler struct {
	monitor SecurityStatusProvider
	logger  *zap.Logger
}

// NewSecurityHandler creates a new SecurityHandler
func NewSecurityHandler(monitor SecurityStatusProvider, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{monitor: monitor, logger: logger}
}

// HandleStatus handles GET /v1/security/status?limit=
func (h *SecurityHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	limit, err := utils.QueryInt(r, "limit", defaultStatusLimit)
	if err != nil {
		_ = utils.WriteBadRequest(w, "", map[string]interface{}{"limit": err.Error()})
		return
	}
	if limit <= 0 {
		limit = defaultStatusLimit
	}
	if limit > maxStatusLimit {
		limit = maxStatusLimit
	}

	status, err := h.monitor.Status(r.Context(), limit)
	if err != nil {
		HandleServiceError(w, err, observability.FromContext(r.Context(), h.logger))
		return
	}
	_ = utils.WriteOK(w, status)
}
