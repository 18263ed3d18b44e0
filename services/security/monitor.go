// Package security classifies security signals, keeps a short history of
// them and gates untrusted input before it reaches privileged write paths.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/internal/inputguard"
	"github.com/upb/legal-audit/internal/observability"
	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
	"github.com/upb/legal-audit/services"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MaxInputLength bounds the text accepted by ValidateInput
const MaxInputLength = 64 * 1024

// Subject identifies who and where a security event came from
type Subject struct {
	UserID      string
	TenantScope string
	IPAddress   string
	UserAgent   string
}

type subjectKey struct{}

// WithSubject attaches the request subject to ctx
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFromContext returns the request subject, if any
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	return s, ok
}

// Monitor records security events and derives the suspicious-activity signal
type Monitor struct {
	buffer  EventBuffer
	repo    repositories.SecurityEventRepository
	cfg     config.MonitorConfig
	metrics observability.Metrics
	logger  *zap.Logger

	// guards the escalation latch
	mu        sync.Mutex
	escalated bool
}

// NewMonitor creates a Monitor. repo may be nil, in which case high and
// critical events are only buffered.
func NewMonitor(buffer EventBuffer, repo repositories.SecurityEventRepository, cfg config.MonitorConfig, metrics observability.Metrics, logger *zap.Logger) *Monitor {
	if cfg.SuspicionWindow <= 0 {
		cfg.SuspicionWindow = 20
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 3
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = 5
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	return &Monitor{
		buffer:  buffer,
		repo:    repo,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// ValidateInput rejects text carrying script or SQL injection indicators.
// A rejected call logs exactly one attempt event and returns a validation
// error; the text itself is never logged or returned. When that attempt
// pushes the recent window over a threshold, the escalation logged by
// LogEvent follows it once.
func (m *Monitor) ValidateInput(ctx context.Context, text, field string) error {
	if !utf8.ValidString(text) || len(text) > MaxInputLength {
		event := models.NewSecurityEvent(models.SecurityEventInvalidInput, models.SeverityMedium).
			WithMessage(fmt.Sprintf("malformed or oversized input in field %s", field)).
			WithMetadata("field", field).
			WithMetadata("length", len(text))
		m.logAndIgnore(ctx, event)
		return services.Validation(field, "malformed input")
	}

	detection, found := inputguard.FirstThreat(text)
	if !found {
		return nil
	}

	eventType, severity := models.SecurityEventXSSAttempt, models.SeverityHigh
	if detection.Type == inputguard.ThreatSQLInjection {
		eventType, severity = models.SecurityEventSQLInjectionAttempt, models.SeverityCritical
	}

	event := models.NewSecurityEvent(eventType, severity).
		WithMessage(fmt.Sprintf("%s detected in field %s", detection.Description, field)).
		WithMetadata("field", field).
		WithMetadata("family", string(detection.Type)).
		WithMetadata("indicator", detection.Description).
		WithMetadata("decoded", detection.Decoded).
		WithMetadata("length", len(text))
	m.logAndIgnore(ctx, event)

	return services.Validation(field, "input rejected")
}

// LogEvent buffers event and persists it when high or critical. Events
// without a timestamp or subject take them from the clock and ctx.
func (m *Monitor) LogEvent(ctx context.Context, event *models.SecurityEvent) error {
	if !event.Type.Valid() || !event.Severity.Valid() {
		return services.NewDomainError(services.ErrorTypeValidation, "unknown security event type or severity", nil)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.applySubject(ctx, event)

	m.metrics.RecordSecurityEvent(string(event.Type), string(event.Severity))
	m.logger.Log(levelFor(event.Severity), "security event",
		zap.String("event_id", event.ID.String()),
		zap.String("type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.String("message", event.Message),
		zap.String("tenant_scope", event.TenantScope),
		zap.String("ip_address", event.IPAddress))

	var firstErr error
	if err := m.buffer.Push(ctx, event); err != nil {
		m.logger.Error("failed to buffer security event", zap.Error(err), zap.String("event_id", event.ID.String()))
		firstErr = services.WrapPersistence("failed to buffer security event", err)
	}

	if event.IsPersistent() && m.repo != nil {
		if err := m.repo.Insert(ctx, event); err != nil {
			m.logger.Error("failed to persist security event", zap.Error(err), zap.String("event_id", event.ID.String()))
			if firstErr == nil {
				firstErr = services.WrapPersistence("failed to persist security event", err)
			}
		}
	}

	if event.Type != models.SecurityEventSuspiciousActivity {
		m.maybeEscalate(ctx)
	}
	return firstErr
}

// IsSuspicious reports whether recent history exceeds the critical or high
// thresholds. Buffer read failures count as not suspicious.
func (m *Monitor) IsSuspicious(ctx context.Context) bool {
	counts, err := m.recentCounts(ctx)
	if err != nil {
		m.logger.Error("failed to read security event buffer", zap.Error(err))
		return false
	}
	return counts[models.SeverityCritical] > m.cfg.CriticalThreshold ||
		counts[models.SeverityHigh] > m.cfg.HighThreshold
}

// Recent returns up to n buffered events, newest first
func (m *Monitor) Recent(ctx context.Context, n int) ([]*models.SecurityEvent, error) {
	return m.buffer.Recent(ctx, n)
}

// Status summarizes the monitor for operators
type Status struct {
	Suspicious bool                    `json:"suspicious"`
	Window     int                     `json:"window"`
	Counts     map[models.Severity]int `json:"counts"`
	Recent     []*models.SecurityEvent `json:"recent"`
}

// Status returns the suspicious flag, per-severity counts over the
// suspicion window and the newest limit events
func (m *Monitor) Status(ctx context.Context, limit int) (*Status, error) {
	counts, err := m.recentCounts(ctx)
	if err != nil {
		return nil, services.WrapPersistence("failed to read security event buffer", err)
	}
	recent, err := m.buffer.Recent(ctx, limit)
	if err != nil {
		return nil, services.WrapPersistence("failed to read security event buffer", err)
	}
	return &Status{
		Suspicious: counts[models.SeverityCritical] > m.cfg.CriticalThreshold ||
			counts[models.SeverityHigh] > m.cfg.HighThreshold,
		Window: m.cfg.SuspicionWindow,
		Counts: counts,
		Recent: recent,
	}, nil
}

// RecordFailedLogin logs a failed authentication attempt
func (m *Monitor) RecordFailedLogin(ctx context.Context, reason string) {
	m.logAndIgnore(ctx, models.NewSecurityEvent(models.SecurityEventFailedLogin, models.SeverityMedium).
		WithMessage("authentication failed").
		WithMetadata("reason", reason))
}

// RecordUnauthorized logs an authenticated request denied by authorization
func (m *Monitor) RecordUnauthorized(ctx context.Context, resource, requiredRole string) {
	m.logAndIgnore(ctx, models.NewSecurityEvent(models.SecurityEventUnauthorizedAccess, models.SeverityHigh).
		WithMessage(fmt.Sprintf("access to %s denied", resource)).
		WithMetadata("resource", resource).
		WithMetadata("required_role", requiredRole))
}

// RecordRateLimited logs a rate limiter rejection
func (m *Monitor) RecordRateLimited(ctx context.Context, key string, maxAttempts int, window time.Duration) {
	m.logAndIgnore(ctx, models.NewSecurityEvent(models.SecurityEventRateLimitExceeded, models.SeverityMedium).
		WithMessage("rate limit exceeded").
		WithMetadata("key", key).
		WithMetadata("max_attempts", maxAttempts).
		WithMetadata("window_ms", window.Milliseconds()))
}

func (m *Monitor) logAndIgnore(ctx context.Context, event *models.SecurityEvent) {
	// LogEvent already logs storage failures
	_ = m.LogEvent(ctx, event)
}

// maybeEscalate raises one suspicious_activity event each time the heuristic
// flips from false to true
func (m *Monitor) maybeEscalate(ctx context.Context) {
	suspicious := m.IsSuspicious(ctx)

	m.mu.Lock()
	if !suspicious {
		m.escalated = false
		m.mu.Unlock()
		return
	}
	if m.escalated {
		m.mu.Unlock()
		return
	}
	m.escalated = true
	m.mu.Unlock()

	m.logAndIgnore(ctx, models.NewSecurityEvent(models.SecurityEventSuspiciousActivity, models.SeverityCritical).
		WithMessage("suspicious activity threshold exceeded").
		WithMetadata("window", m.cfg.SuspicionWindow))
}

func (m *Monitor) recentCounts(ctx context.Context) (map[models.Severity]int, error) {
	events, err := m.buffer.Recent(ctx, m.cfg.SuspicionWindow)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.Severity]int, 4)
	for _, e := range events {
		counts[e.Severity]++
	}
	return counts, nil
}

func (m *Monitor) applySubject(ctx context.Context, event *models.SecurityEvent) {
	s, ok := SubjectFromContext(ctx)
	if !ok {
		return
	}
	if event.UserID == nil {
		event.WithUser(s.UserID)
	}
	if event.TenantScope == "" {
		event.TenantScope = s.TenantScope
	}
	if event.IPAddress == "" && event.UserAgent == "" {
		event.WithRequest(s.IPAddress, s.UserAgent)
	}
}

func levelFor(s models.Severity) zapcore.Level {
	switch s {
	case models.SeverityCritical, models.SeverityHigh:
		return zapcore.ErrorLevel
	case models.SeverityMedium:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}
