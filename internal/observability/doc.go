// Package observability provides structured logging and Prometheus metrics
// for the audit service.
//
// This package implements:
//   - zap logger construction from configuration
//   - request ID propagation into log fields
//   - Prometheus collectors for audit, verification, security and rate limiting
package observability
