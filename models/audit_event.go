package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the kind of mutation or access being audited
type AuditAction string

const (
	AuditActionInsert  AuditAction = "INSERT"
	AuditActionUpdate  AuditAction = "UPDATE"
	AuditActionDelete  AuditAction = "DELETE"
	AuditActionViewPII AuditAction = "VIEW_PII"
)

// Valid reports whether the action is one of the known audit actions
func (a AuditAction) Valid() bool {
	switch a {
	case AuditActionInsert, AuditActionUpdate, AuditActionDelete, AuditActionViewPII:
		return true
	}
	return false
}

// GenesisPrevHash is the prev_hash of the first event in a tenant chain
const GenesisPrevHash = ""

// AuditEvent is one immutable, hash-chained audit trail entry.
// Rows are never updated or deleted once persisted.
type AuditEvent struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	TenantScope string      `json:"tenant_scope" db:"tenant_scope"`
	EntityType  string      `json:"entity_type" db:"entity_type"`
	EntityID    string      `json:"entity_id" db:"entity_id"`
	ActorID     *string     `json:"actor_id" db:"actor_id"` // nil for system actions
	Action      AuditAction `json:"action" db:"action"`
	Changes     Changes     `json:"changes" db:"changes"`
	IPAddress   string      `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent   string      `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	ChainSeq    int64       `json:"chain_seq" db:"chain_seq"`
	PayloadHash string      `json:"payload_hash" db:"payload_hash"`
	PrevHash    string      `json:"prev_hash" db:"prev_hash"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates a new AuditEvent for the given tenant and entity
func NewAuditEvent(tenantScope, entityType, entityID string, action AuditAction) *AuditEvent {
	return &AuditEvent{
		ID:          uuid.New(),
		TenantScope: tenantScope,
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Changes:     Changes{},
		CreatedAt:   time.Now().UTC(),
	}
}

// WithActor sets the acting user. An empty actor marks a system action.
func (e *AuditEvent) WithActor(actorID string) *AuditEvent {
	if actorID == "" {
		e.ActorID = nil
		return e
	}
	e.ActorID = &actorID
	return e
}

// WithChanges sets the change set
func (e *AuditEvent) WithChanges(changes Changes) *AuditEvent {
	if changes == nil {
		changes = Changes{}
	}
	e.Changes = changes
	return e
}

// WithRequest sets request metadata
func (e *AuditEvent) WithRequest(ipAddress, userAgent string) *AuditEvent {
	e.IPAddress = ipAddress
	e.UserAgent = userAgent
	return e
}

// Actor returns the actor id or "system"
func (e *AuditEvent) Actor() string {
	if e.ActorID == nil {
		return "system"
	}
	return *e.ActorID
}

// ChainHead is the latest position of a tenant's audit chain
type ChainHead struct {
	TenantScope string    `json:"tenant_scope" db:"tenant_scope"`
	Seq         int64     `json:"seq" db:"seq"`
	HeadHash    string    `json:"head_hash" db:"head_hash"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ChainHead model
func (ChainHead) TableName() string {
	return "audit_chain_heads"
}

// IsGenesis reports whether no event has been appended to the chain yet
func (h ChainHead) IsGenesis() bool {
	return h.Seq == 0
}
