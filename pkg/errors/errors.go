package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Configuration errors
	ErrCodeNotConfigured ErrorCode = "NOT_CONFIGURED"

	// Authentication errors
	ErrCodeAuth             ErrorCode = "AUTH_ERROR"
	ErrCodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"

	// Call lifecycle errors
	ErrCodeCallSlotOccupied ErrorCode = "CALL_SLOT_OCCUPIED"
	ErrCodeStaleSession     ErrorCode = "STALE_SESSION"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same operation may simply be attempted again.
func (e *AppError) Retryable() bool {
	return e.Code == ErrCodeServiceUnavail
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrCodeValidation, ErrCodeMissingField:
		return http.StatusBadRequest
	case ErrCodeAuth, ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeCallNotFound:
		return http.StatusNotFound
	case ErrCodeCallSlotOccupied:
		return http.StatusConflict
	case ErrCodeStaleSession:
		return http.StatusGone
	case ErrCodeNotConfigured, ErrCodeServiceUnavail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Validation errors
func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func MissingFieldError(field string) *AppError {
	return New(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field))
}

// NotConfiguredError is returned by every operation while the service port
// credentials are incomplete.
func NotConfiguredError(missing ...string) *AppError {
	e := New(ErrCodeNotConfigured, "Realtime service is not configured")
	if len(missing) > 0 {
		e.Details = map[string]any{"missing": missing}
	}
	return e
}

// Authentication errors
func AuthError(message string, err error) *AppError {
	return Wrap(ErrCodeAuth, message, err)
}

func NotAuthenticatedError() *AppError {
	return New(ErrCodeNotAuthenticated, "Not authenticated with the realtime service")
}

// Call lifecycle errors
func CallSlotOccupiedError(supersededSessionID string) *AppError {
	return New(ErrCodeCallSlotOccupied, "Another call already occupies the slot").
		WithDetails(map[string]any{"superseded_session_id": supersededSessionID})
}

func StaleSessionError(sessionID string) *AppError {
	return New(ErrCodeStaleSession, fmt.Sprintf("Session %s is no longer tracked", sessionID))
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, "Call not found")
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func ServiceUnavailableError(message string, err error) *AppError {
	return Wrap(ErrCodeServiceUnavail, message, err)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, err.Error(), err)
}

// CodeOf returns the code of the first AppError in err's chain, or "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return GetAppError(err).Code
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}
