package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrConflict         ErrorCode = "CONFLICT"
	ErrBadRequest       ErrorCode = "BAD_REQUEST"
	ErrInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrInternalServer   ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrTransient        ErrorCode = "TRANSIENT_EXTERNAL"
	ErrCapacity         ErrorCode = "CAPACITY"
	ErrIncompleteUpload ErrorCode = "INCOMPLETE_UPLOAD"
	ErrFatalConfig      ErrorCode = "FATAL_CONFIG"
	ErrCancelNotAllowed ErrorCode = "CANCEL_NOT_ALLOWED"
	ErrVersionMismatch  ErrorCode = "VERSION_MISMATCH"
	ErrLeaseNotAcquired ErrorCode = "LEASE_NOT_ACQUIRED"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Err     error       `json:"-"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e APIError) Unwrap() error {
	return e.Err
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Wrap attaches code and message to cause while keeping it reachable through errors.Is.
func Wrap(code ErrorCode, message string, cause error) APIError {
	return APIError{Code: code, Message: message, Err: cause}
}

// CodeOf returns the code of the first APIError in err's chain, or
// ErrInternalServer when there is none.
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternalServer
}

func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsRetryable reports whether a caller may retry the same request later.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrTransient, ErrCapacity, ErrIncompleteUpload, ErrLeaseNotAcquired:
		return true
	}
	return false
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrUnauthorized:
			return http.StatusUnauthorized
		case ErrConflict, ErrVersionMismatch, ErrCancelNotAllowed:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest:
			return http.StatusBadRequest
		case ErrIncompleteUpload:
			return http.StatusUnprocessableEntity
		case ErrCapacity, ErrLeaseNotAcquired:
			return http.StatusTooManyRequests
		case ErrTransient:
			return http.StatusBadGateway
		case ErrFatalConfig:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
