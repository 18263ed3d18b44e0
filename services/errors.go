package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation             ErrorType = "validation"
	ErrorTypeAuthenticationRequired ErrorType = "authentication_required"
	ErrorTypeForbidden              ErrorType = "forbidden"
	ErrorTypeNotFound               ErrorType = "not_found"
	ErrorTypeRateLimit              ErrorType = "rate_limit"
	ErrorTypeChainConflict          ErrorType = "chain_conflict"
	ErrorTypeIntegrityViolation     ErrorType = "integrity_violation"
	ErrorTypePersistence            ErrorType = "persistence"
	ErrorTypeInternal               ErrorType = "internal"
)

// DomainError represents a structured error with additional context.
// Message and Err are for logs only; callers outside the process receive
// PublicMessage instead.
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is. Never attach details to these; build a fresh
// error with NewDomainError instead.
var (
	ErrValidation             = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrAuthenticationRequired = NewDomainError(ErrorTypeAuthenticationRequired, "authentication required", nil)
	ErrForbidden              = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrNotFound               = NewDomainError(ErrorTypeNotFound, "resource not found", nil)
	ErrRateLimitExceeded      = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)
	ErrChainConflict          = NewDomainError(ErrorTypeChainConflict, "audit chain head moved concurrently", nil)
	ErrIntegrityViolation     = NewDomainError(ErrorTypeIntegrityViolation, "audit integrity check failed", nil)
	ErrPersistence            = NewDomainError(ErrorTypePersistence, "audit storage failure", nil)
	ErrInternal               = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// publicMessages are the only error texts allowed to reach a client
var publicMessages = map[ErrorType]string{
	ErrorTypeValidation:             "Invalid input",
	ErrorTypeAuthenticationRequired: "Authentication required",
	ErrorTypeForbidden:              "Access denied",
	ErrorTypeNotFound:               "Resource not found",
	ErrorTypeRateLimit:              "Too many requests",
	ErrorTypeChainConflict:          "Request could not be completed, please retry",
	ErrorTypeIntegrityViolation:     "Integrity check failed",
	ErrorTypePersistence:            "Service temporarily unavailable",
	ErrorTypeInternal:               "Internal server error",
}

// PublicMessage returns the fixed, generic message for an error's category.
// It never includes the error's own text.
func PublicMessage(err error) string {
	if msg, ok := publicMessages[GetErrorType(err)]; ok {
		return msg
	}
	return publicMessages[ErrorTypeInternal]
}

// Validation builds a validation error for a named field
func Validation(field, reason string) *DomainError {
	return NewDomainError(ErrorTypeValidation, reason, nil).WithDetail("field", field)
}

// IsType checks whether err is a DomainError of the given type
func IsType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsAuthenticationError checks if an error demands authentication
func IsAuthenticationError(err error) bool {
	return IsType(err, ErrorTypeAuthenticationRequired)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return IsType(err, ErrorTypeForbidden)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return IsType(err, ErrorTypeRateLimit)
}

// IsChainConflictError checks if an error is an exhausted chain conflict
func IsChainConflictError(err error) bool {
	return IsType(err, ErrorTypeChainConflict)
}

// IsPersistenceError checks if an error is an audit storage failure
func IsPersistenceError(err error) bool {
	return IsType(err, ErrorTypePersistence)
}

// IsIntegrityError checks if an error is an integrity violation
func IsIntegrityError(err error) bool {
	return IsType(err, ErrorTypeIntegrityViolation)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return IsType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapPersistence wraps a storage failure
func WrapPersistence(message string, err error) error {
	return NewDomainError(ErrorTypePersistence, message, err)
}
