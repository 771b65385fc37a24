package api

import (
	"errors"
	"net/http"

	"github.com/chronos/ebreplay/internal/models"
)

// APIError represents a structured API error.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Common API error codes.
const (
	ErrCodeInvalidJSON    = "INVALID_JSON"
	ErrCodeInvalidEvent   = "INVALID_EVENT"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodeNotCancellable = "NOT_CANCELLABLE"
	ErrCodeNotReplayed    = "NOT_REPLAYED"
	ErrCodeSourceDenied   = "SOURCE_NOT_ALLOWED"
	ErrCodeInvalidTimeout = "INVALID_TIMEOUT"
	ErrCodeShuttingDown   = "SHUTTING_DOWN"
	ErrCodeStoreError     = "STORE_ERROR"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// Predefined API errors.
var (
	ErrInvalidJSON = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeInvalidJSON,
		Message:    "Invalid JSON body",
	}
	ErrInvalidTimeout = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeInvalidTimeout,
		Message:    "Invalid timeout format",
	}
	ErrExecutionNotFound = &APIError{
		HTTPStatus: http.StatusNotFound,
		Code:       ErrCodeNotFound,
		Message:    "Execution not found",
	}
	ErrExecutionExists = &APIError{
		HTTPStatus: http.StatusConflict,
		Code:       ErrCodeAlreadyExists,
		Message:    "Event is already being replayed",
	}
	ErrNotCancellable = &APIError{
		HTTPStatus: http.StatusConflict,
		Code:       ErrCodeNotCancellable,
		Message:    "Execution can no longer be cancelled",
	}
	ErrNotReplayed = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeNotReplayed,
		Message:    "Event is not part of a replay",
	}
	ErrSourceNotAllowed = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeSourceDenied,
		Message:    "Event source is not allowed",
	}
	ErrShuttingDown = &APIError{
		HTTPStatus: http.StatusServiceUnavailable,
		Code:       ErrCodeShuttingDown,
		Message:    "Server is shutting down",
	}
	ErrInternalError = &APIError{
		HTTPStatus: http.StatusInternalServerError,
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
	}
)

// NewValidationError creates a validation error with a custom message.
func NewValidationError(message string) *APIError {
	return &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeValidation,
		Message:    message,
	}
}

// MapDomainError maps domain/model errors to API errors.
func MapDomainError(err error) *APIError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, models.ErrExecutionNotFound):
		return ErrExecutionNotFound
	case errors.Is(err, models.ErrExecutionExists):
		return ErrExecutionExists
	case errors.Is(err, models.ErrNotCancellable):
		return ErrNotCancellable
	case errors.Is(err, models.ErrNotReplayed):
		return ErrNotReplayed
	case errors.Is(err, models.ErrSourceNotAllowed):
		return ErrSourceNotAllowed
	case errors.Is(err, models.ErrInvalidEvent):
		return &APIError{
			HTTPStatus: http.StatusBadRequest,
			Code:       ErrCodeInvalidEvent,
			Message:    err.Error(),
		}
	case errors.Is(err, models.ErrShuttingDown):
		return ErrShuttingDown
	default:
		return &APIError{
			HTTPStatus: http.StatusInternalServerError,
			Code:       ErrCodeInternalError,
			Message:    "An unexpected error occurred",
		}
	}
}

// WriteAPIError writes an API error response.
func (h *Handler) WriteAPIError(w http.ResponseWriter, err *APIError) {
	h.writeJSON(w, err.HTTPStatus, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    err.Code,
			Message: err.Message,
		},
	})
}

// HandleError maps a domain error to an API error and writes the response.
// Returns true if an error was handled, false if err was nil.
func (h *Handler) HandleError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}

	apiErr := MapDomainError(err)
	if apiErr.Code == ErrCodeInternalError {
		h.logger.Error().Err(err).Msg("Unexpected error")
	}
	h.WriteAPIError(w, apiErr)
	return true
}

// HandleStoreError handles storage errors with logging.
// Returns true if an error was handled, false if err was nil.
func (h *Handler) HandleStoreError(w http.ResponseWriter, err error, operation string) bool {
	if err == nil {
		return false
	}

	apiErr := MapDomainError(err)
	if apiErr.Code == ErrCodeInternalError {
		h.logger.Error().Err(err).Str("operation", operation).Msg("Storage operation failed")
		apiErr = &APIError{
			HTTPStatus: http.StatusInternalServerError,
			Code:       ErrCodeStoreError,
			Message:    "Failed to " + operation,
		}
	}

	h.WriteAPIError(w, apiErr)
	return true
}
