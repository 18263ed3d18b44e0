package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/legal-audit/services"
	"github.com/upb/legal-audit/utils"
	"go.uber.org/zap"
)

// safeDetailKeys are the only DomainError details that reach a client
var safeDetailKeys = []string{"field"}

// HandleServiceError maps domain errors to HTTP responses. Clients only
// ever see services.PublicMessage; the error itself is logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status := statusFor(err)
	message := services.PublicMessage(err)

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("service error",
			zap.String("error_type", string(services.GetErrorType(err))),
			zap.Error(err))
	default:
		logger.Debug("service error",
			zap.String("error_type", string(services.GetErrorType(err))),
			zap.Error(err))
	}

	if werr := utils.WriteError(w, status, message, publicDetails(err)); werr != nil {
		logger.Error("failed to write error response", zap.Error(werr))
	}
}

func statusFor(err error) int {
	switch services.GetErrorType(err) {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeAuthenticationRequired:
		return http.StatusUnauthorized
	case services.ErrorTypeForbidden:
		return http.StatusForbidden
	case services.ErrorTypeNotFound:
		return http.StatusNotFound
	case services.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case services.ErrorTypeChainConflict:
		return http.StatusConflict
	case services.ErrorTypePersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func publicDetails(err error) map[string]interface{} {
	details := services.GetErrorDetails(err)
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]interface{})
	for _, k := range safeDetailKeys {
		if v, ok := details[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		details := make(map[string]interface{})
		for k, v := range utils.GetValidationFields(err) {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	logger.Debug("malformed request", zap.Error(err))
	status := http.StatusBadRequest
	if errors.Is(err, utils.ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	if err := utils.WriteError(w, status, services.PublicMessage(services.ErrValidation), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
