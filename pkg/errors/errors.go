package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrNotFound       = errors.New("resource not found")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrConflict       = errors.New("resource conflict")
	ErrInternal       = errors.New("internal server error")
	ErrValidation     = errors.New("validation error")
	ErrConcurrentRun  = errors.New("concurrent run in progress")
	ErrIllegalState   = errors.New("illegal state transition")
	ErrTenantMismatch = errors.New("tenant mismatch")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// ConcurrentRunInProgress signals that another run or rollback holds the
// tenant lock. Surfaced as a 409 to callers.
func ConcurrentRunInProgress(tenantID string) *AppError {
	return &AppError{
		Err:        ErrConcurrentRun,
		Code:       "CONCURRENT_RUN_IN_PROGRESS",
		Message:    fmt.Sprintf("another run or rollback is in progress for tenant %s", tenantID),
		StatusCode: http.StatusConflict,
	}
}

// IllegalState signals a run state transition the state machine forbids,
// such as rolling back a non-completed run.
func IllegalState(message string) *AppError {
	return &AppError{
		Err:        ErrIllegalState,
		Code:       "ILLEGAL_STATE",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// TenantMismatch signals that an entity carries a tenant id different from
// the tenant the operation is scoped to. Always fails closed before I/O.
func TenantMismatch(entity string) *AppError {
	return &AppError{
		Err:        ErrTenantMismatch,
		Code:       "TENANT_MISMATCH",
		Message:    fmt.Sprintf("%s belongs to a different tenant", entity),
		StatusCode: http.StatusForbidden,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
