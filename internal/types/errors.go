package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Services and repositories use these instead of
// hardcoded strings so callers can branch on error category.
const (
	// Configuration (fatal at startup, never retried)
	ErrCodeConfigInvalid ErrorCode = "config_invalid"
	ErrCodeConfigMissing ErrorCode = "config_missing_value"

	// Upstream services
	ErrCodeUpstreamCalendar      ErrorCode = "upstream_calendar_unavailable"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeEmailBlocked          ErrorCode = "email_blocked"

	// Repository
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"

	// Conflicts (unique constraint rejections, the dedup contracts)
	ErrCodeConflictDuplicateRun     ErrorCode = "conflict_duplicate_run"
	ErrCodeConflictDuplicateSummary ErrorCode = "conflict_duplicate_summary"

	// Not found
	ErrCodeNotFoundRun   ErrorCode = "not_found_run"
	ErrCodeNotFoundEvent ErrorCode = "not_found_event"
)

// AppError is the standard application error type. Domain and gateway
// errors are expressed as AppError to enable consistent categorization and
// error chain support.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
	// StatusCode carries the upstream HTTP status for external-service
	// errors; zero when not applicable.
	StatusCode int `json:"status_code,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewUpstreamError creates an AppError carrying the upstream HTTP status
// code, for external-service failures.
func NewUpstreamError(code ErrorCode, message string, status int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Err:        err,
		StatusCode: status,
	}
}

// IsCode reports whether err is (or wraps) an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
