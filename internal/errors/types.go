package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures so callers can route them: transient
// network problems end in a per-message failed status, signaling failures
// tear down the call session, protocol errors are logged and dropped, and
// fatal setup errors surface immediately without retry.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"

	// Transport errors
	ErrCodeTransportClosed ErrorCode = "TRANSPORT_CLOSED"
	ErrCodeTransportDial   ErrorCode = "TRANSPORT_DIAL"
	ErrCodeInvalidURL      ErrorCode = "INVALID_URL"

	// Delivery errors
	ErrCodeAckTimeout ErrorCode = "ACK_TIMEOUT"

	// Call signaling errors
	ErrCodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeCallBusy         ErrorCode = "CALL_BUSY"
	ErrCodeCallState        ErrorCode = "CALL_STATE"

	// Protocol errors
	ErrCodeProtocolParse ErrorCode = "PROTOCOL_PARSE"

	// External collaborator errors
	ErrCodeAPIRequest ErrorCode = "API_REQUEST"

	// Database errors
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
)

// AppError is a structured application error.
type AppError struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Retryable bool
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err}
}

// WrapRetryable wraps an error and marks it as retryable.
func WrapRetryable(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Cause: err, Retryable: true}
}

// IsRetryable reports whether an error is marked retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetCode extracts the error code, defaulting to INTERNAL_ERROR.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
