package errors

import (
	"errors"
	"fmt"
)

// Error types for the gateway's failure taxonomy
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeQuota          ErrorType = "quota"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
)

// RPC error codes surfaced to clients
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeTokenInvalid      = "TOKEN_INVALID"
	CodeAdminUnauthorized = "ADMIN_UNAUTHORIZED"
	CodeRouteNotFound     = "ROUTE_NOT_FOUND"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInternalError     = "INTERNAL_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthentication,
		Code:       CodeUnauthorized,
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

func NewTokenInvalidError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthentication,
		Code:       CodeTokenInvalid,
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

func NewAdminUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAuthentication,
		Code:       CodeAdminUnauthorized,
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

func NewQuotaExceededError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeQuota,
		Code:       CodeQuotaExceeded,
		Message:    message,
		Retryable:  false,
		StatusCode: 429,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewRouteNotFoundError(method string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeRouteNotFound,
		Message:    fmt.Sprintf("unknown method %q", method),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternalError,
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       CodeInternalError,
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts an HTTP status code from an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}

// GetCode extracts the RPC error code from an error
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}
