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
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Queue errors
	ErrCodeAlreadyQueued ErrorCode = "ALREADY_QUEUED"
	ErrCodeQueueFull     ErrorCode = "QUEUE_FULL"
	ErrCodeNotQueued     ErrorCode = "NOT_QUEUED"

	// Call errors
	ErrCodeCallNotFound  ErrorCode = "CALL_NOT_FOUND"
	ErrCodeAlreadyInCall ErrorCode = "ALREADY_IN_CALL"
	ErrCodeCallEnded     ErrorCode = "CALL_ENDED"

	// Coordination errors
	ErrCodeNotLeader     ErrorCode = "NOT_LEADER"
	ErrCodeLeaseConflict ErrorCode = "LEASE_CONFLICT"

	// Not found errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Conflict errors
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeStore          ErrorCode = "STORE_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeCorruptEntry   ErrorCode = "CORRUPT_ENTRY"
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

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Queue errors

// AlreadyQueuedError is returned when a channel already has a pending call request
func AlreadyQueuedError(channelID string) *AppError {
	return NewWithStatus(ErrCodeAlreadyQueued,
		fmt.Sprintf("Channel %s already has a pending call request", channelID), http.StatusConflict)
}

// QueueFullError is returned when the shared wait queue is at capacity
func QueueFullError() *AppError {
	return NewWithStatus(ErrCodeQueueFull, "Call queue is at capacity, try again later", http.StatusServiceUnavailable)
}

// NotQueuedError is returned when a channel has no pending call request
func NotQueuedError(channelID string) *AppError {
	return NewWithStatus(ErrCodeNotQueued,
		fmt.Sprintf("Channel %s has no pending call request", channelID), http.StatusNotFound)
}

// Call errors

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// AlreadyInCallError is returned when a channel is already part of an active call
func AlreadyInCallError(channelID string) *AppError {
	return NewWithStatus(ErrCodeAlreadyInCall,
		fmt.Sprintf("Channel %s is already in an active call", channelID), http.StatusConflict)
}

// CallEndedError is returned when mutating a call that has already ended
func CallEndedError() *AppError {
	return NewWithStatus(ErrCodeCallEnded, "Call has already ended", http.StatusConflict)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// Conflict errors
func ConflictError(message string) *AppError {
	return NewWithStatus(ErrCodeConflict, message, http.StatusConflict)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// StoreError wraps a transient shared-store (Redis) failure
func StoreError(err error) *AppError {
	return Wrap(ErrCodeStore, "Shared store error", err)
}

// DatabaseError wraps a durable-store (Postgres) failure
func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", err)
}

// CorruptEntryError marks an unparsable stored payload
func CorruptEntryError(key string, err error) *AppError {
	return Wrap(ErrCodeCorruptEntry, fmt.Sprintf("Corrupt stored entry %s", key), err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
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
	return InternalError(err.Error())
}

// HasCode reports whether err carries the given application error code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
