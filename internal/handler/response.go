package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"admin-security/internal/audit"
	"admin-security/internal/authz"
	"admin-security/internal/models"
	"admin-security/internal/service"
	"admin-security/internal/session"
	"admin-security/internal/util"

	"go.uber.org/zap"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	Total    int `json:"total,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response. Server-side failures are not
// described to the client.
func errorResponse(statusCode int, err error, message string) Response {
	resp := Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
	if statusCode >= http.StatusInternalServerError {
		resp.Error = http.StatusText(statusCode)
	}
	var denied *service.DeniedError
	if errors.As(err, &denied) {
		resp.Error = "permission denied"
		resp.Data = denied.Decision
	}
	return resp
}

func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondWithError(logger *zap.Logger, w http.ResponseWriter, statusCode int, err error, message string) {
	if statusCode >= http.StatusInternalServerError {
		logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		logger.Debug("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	respondWithJSON(logger, w, statusCode, errorResponse(statusCode, err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	var verr *models.ValidationError
	var denied *service.DeniedError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &denied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidExtension),
		errors.Is(err, session.ErrReasonRequired),
		errors.Is(err, authz.ErrCycleDetected),
		errors.Is(err, authz.ErrUnknownPermission),
		errors.Is(err, authz.ErrDuplicatePermission):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthenticated),
		errors.Is(err, service.ErrInvalidMFACode):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrIdentityInactive),
		errors.Is(err, service.ErrIdentitySuspended),
		errors.Is(err, service.ErrIdentityExpired),
		errors.Is(err, session.ErrIdentityDisabled),
		errors.Is(err, service.ErrIPNotAllowed),
		errors.Is(err, service.ErrSelfAction),
		errors.Is(err, service.ErrMFARequired),
		errors.Is(err, service.ErrIssuanceDisabled),
		errors.Is(err, authz.ErrSystemPermission):
		return http.StatusForbidden
	case errors.Is(err, service.ErrIdentityNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, audit.ErrEventNotFound),
		errors.Is(err, authz.ErrUnknownRole):
		return http.StatusNotFound
	case errors.Is(err, service.ErrIdentityExists),
		errors.Is(err, service.ErrMFAAlreadyEnabled),
		errors.Is(err, audit.ErrAlreadyResolved),
		errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrMFANotEnrolled):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrStoreUnavailable),
		errors.Is(err, service.ErrSearchUnavailable),
		errors.Is(err, service.ErrStatsUnavailable),
		errors.Is(err, session.ErrPersistenceUnavailable),
		errors.Is(err, audit.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
