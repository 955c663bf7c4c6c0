// Package errors provides the application error taxonomy shared across the
// dispatcher core and its transports.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBusy                = "BUSY"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeConnectorSpawnError = "CONNECTOR_SPAWN_ERROR"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	ErrCodeConstraintViolation = "CONSTRAINT_VIOLATION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeConflict            = "CONFLICT"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidInput creates an error for malformed caller input; never retried.
func InvalidInput(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, HTTPStatus: http.StatusBadRequest}
}

// InvalidTransition creates an error for an illegal Agent/Task status change.
// The caller is expected to leave the original state unchanged.
func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("illegal transition from %s to %s", from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Busy creates an error for a connector with no free execution slot.
func Busy(message string) *AppError {
	return &AppError{Code: ErrCodeBusy, Message: message, HTTPStatus: http.StatusTooManyRequests}
}

// Timeout creates an error for a command that exceeded its deadline.
func Timeout(message string) *AppError {
	return &AppError{Code: ErrCodeTimeout, Message: message, HTTPStatus: http.StatusGatewayTimeout}
}

// ConnectorSpawnError creates an error for a failed child process launch.
func ConnectorSpawnError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeConnectorSpawnError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// StorageUnavailable creates a retryable persistence failure error.
func StorageUnavailable(message string, err error) *AppError {
	return &AppError{Code: ErrCodeStorageUnavailable, Message: message, HTTPStatus: http.StatusServiceUnavailable, Err: err}
}

// ConstraintViolation creates a non-retryable persistence invariant failure.
func ConstraintViolation(message string) *AppError {
	return &AppError{Code: ErrCodeConstraintViolation, Message: message, HTTPStatus: http.StatusConflict}
}

// Cancelled creates an error for an externally requested or shutdown-induced
// cancellation.
func Cancelled(message string) *AppError {
	return &AppError{Code: ErrCodeCancelled, Message: message, HTTPStatus: http.StatusServiceUnavailable}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status.
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsStorageUnavailable checks if the error is a retryable storage failure.
func IsStorageUnavailable(err error) bool {
	return hasCode(err, ErrCodeStorageUnavailable)
}

// IsConstraintViolation checks if the error is a persistence invariant failure.
func IsConstraintViolation(err error) bool {
	return hasCode(err, ErrCodeConstraintViolation)
}

// IsInvalidTransition checks if the error is an illegal status transition.
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
