package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SecurityEventType classifies a security-relevant occurrence
type SecurityEventType string

const (
	SecurityEventFailedLogin         SecurityEventType = "failed_login"
	SecurityEventSuspiciousActivity  SecurityEventType = "suspicious_activity"
	SecurityEventRateLimitExceeded   SecurityEventType = "rate_limit_exceeded"
	SecurityEventInvalidInput        SecurityEventType = "invalid_input"
	SecurityEventUnauthorizedAccess  SecurityEventType = "unauthorized_access"
	SecurityEventXSSAttempt          SecurityEventType = "xss_attempt"
	SecurityEventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
)

// Valid reports whether the type is known
func (t SecurityEventType) Valid() bool {
	switch t {
	case SecurityEventFailedLogin, SecurityEventSuspiciousActivity, SecurityEventRateLimitExceeded,
		SecurityEventInvalidInput, SecurityEventUnauthorizedAccess, SecurityEventXSSAttempt, SecurityEventSQLInjectionAttempt:
		return true
	}
	return false
}

// Severity is the ordered seriousness of a security event
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether the severity is known
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Metadata is free-form structured context stored as JSONB
type Metadata map[string]any

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(m))
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// SecurityEvent records an attack indicator or access anomaly.
// Security events are kept apart from the tenant audit chains.
type SecurityEvent struct {
	ID          uuid.UUID         `json:"id" db:"id"`
	Type        SecurityEventType `json:"type" db:"type"`
	Severity    Severity          `json:"severity" db:"severity"`
	Message     string            `json:"message" db:"message"`
	TenantScope string            `json:"tenant_scope,omitempty" db:"tenant_scope"`
	UserID      *string           `json:"user_id,omitempty" db:"user_id"`
	IPAddress   string            `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent   string            `json:"user_agent,omitempty" db:"user_agent"`
	Metadata    Metadata          `json:"metadata" db:"metadata"`
	Timestamp   time.Time         `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the SecurityEvent model
func (SecurityEvent) TableName() string {
	return "security_events"
}

// IsPersistent reports whether the event is stored beyond the in-memory buffer
func (e *SecurityEvent) IsPersistent() bool {
	return e.Severity.Rank() >= SeverityHigh.Rank()
}

// NewSecurityEvent creates a new SecurityEvent
func NewSecurityEvent(eventType SecurityEventType, severity Severity) *SecurityEvent {
	return &SecurityEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Severity:  severity,
		Metadata:  Metadata{},
		Timestamp: time.Now().UTC(),
	}
}

// WithUser sets the user the event is attributed to
func (e *SecurityEvent) WithUser(userID string) *SecurityEvent {
	if userID != "" {
		e.UserID = &userID
	}
	return e
}

// WithMessage sets the operator-facing description. It must never carry the
// offending input itself.
func (e *SecurityEvent) WithMessage(message string) *SecurityEvent {
	e.Message = message
	return e
}

// WithRequest sets request metadata
func (e *SecurityEvent) WithRequest(ipAddress, userAgent string) *SecurityEvent {
	e.IPAddress = ipAddress
	e.UserAgent = userAgent
	return e
}

// WithTenant sets the tenant scope
func (e *SecurityEvent) WithTenant(tenantScope string) *SecurityEvent {
	e.TenantScope = tenantScope
	return e
}

// WithMetadata adds a metadata entry
func (e *SecurityEvent) WithMetadata(key string, value any) *SecurityEvent {
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	e.Metadata[key] = value
	return e
}
