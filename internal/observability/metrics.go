package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects application metrics.
type Metrics interface {
	// RecordAudit counts a record attempt by action and outcome
	// (recorded, degraded, failed, rejected).
	RecordAudit(action, outcome string)
	RecordChainConflict()
	RecordVerification(scope string, ok bool)
	RecordSecurityEvent(eventType, severity string)
	RecordRateLimit(class string, allowed bool)
	ObserveRequest(method, route string, status int, duration time.Duration)
}

// PrometheusMetrics registers collectors on a private registry.
type PrometheusMetrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	auditEvents     *prometheus.CounterVec
	chainConflicts  prometheus.Counter
	verifications   *prometheus.CounterVec
	securityEvents  *prometheus.CounterVec
	rateLimits      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the audit service collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit record attempts by action and outcome",
		}, []string{"action", "outcome"}),
		chainConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_chain_conflicts_total",
			Help: "Appends that lost the chain head race and were retried",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_verifications_total",
			Help: "Integrity verifications by scope and result",
		}, []string{"scope", "result"}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Security events by type and severity",
		}, []string{"type", "severity"}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limit decisions by preset class",
		}, []string{"class", "decision"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(
		m.auditEvents,
		m.chainConflicts,
		m.verifications,
		m.securityEvents,
		m.rateLimits,
		m.requestDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the registry for scraping
func (m *PrometheusMetrics) Handler() http.Handler {
	return m.handler
}

// Registry returns the underlying registry
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) RecordAudit(action, outcome string) {
	m.auditEvents.WithLabelValues(action, outcome).Inc()
}

func (m *PrometheusMetrics) RecordChainConflict() {
	m.chainConflicts.Inc()
}

func (m *PrometheusMetrics) RecordVerification(scope string, ok bool) {
	result := "ok"
	if !ok {
		result = "broken"
	}
	m.verifications.WithLabelValues(scope, result).Inc()
}

func (m *PrometheusMetrics) RecordSecurityEvent(eventType, severity string) {
	m.securityEvents.WithLabelValues(eventType, severity).Inc()
}

func (m *PrometheusMetrics) RecordRateLimit(class string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	m.rateLimits.WithLabelValues(class, decision).Inc()
}

func (m *PrometheusMetrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordAudit(string, string) {}

func (NopMetrics) RecordChainConflict() {}

func (NopMetrics) RecordVerification(string, bool) {}

func (NopMetrics) RecordSecurityEvent(string, string) {}

func (NopMetrics) RecordRateLimit(string, bool) {}

func (NopMetrics) ObserveRequest(string, string, int, time.Duration) {}
