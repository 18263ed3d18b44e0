package memory

import (
	"context"
	"sync"

	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
)

// SecurityEventRepository is an in-memory, append-only security event log
type SecurityEventRepository struct {
	mu     sync.RWMutex
	events []models.SecurityEvent
}

// NewSecurityEventRepository creates an empty in-memory security event log
func NewSecurityEventRepository() *SecurityEventRepository {
	return &SecurityEventRepository{}
}

var _ repositories.SecurityEventRepository = (*SecurityEventRepository)(nil)

// Insert appends a copy of event
func (r *SecurityEventRepository) Insert(_ context.Context, event *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, copySecurityEvent(event))
	return nil
}

// ListRecent returns the newest events first
func (r *SecurityEventRepository) ListRecent(_ context.Context, limit int) ([]*models.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.SecurityEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := copySecurityEvent(&r.events[i])
		out = append(out, &e)
	}
	return out, nil
}

// Len returns the number of stored events
func (r *SecurityEventRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func copySecurityEvent(e *models.SecurityEvent) models.SecurityEvent {
	c := *e
	if e.UserID != nil {
		user := *e.UserID
		c.UserID = &user
	}
	c.Metadata = make(models.Metadata, len(e.Metadata))
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	return c
}
