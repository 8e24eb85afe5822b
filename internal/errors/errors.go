// Package errors defines the service error type returned at the HTTP
// boundary and the mapping from domain errors onto it.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	CodeBadRequest        ErrorCode = "BAD_REQUEST"
	CodeInvalidFormat     ErrorCode = "INVALID_FORMAT"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeConflict          ErrorCode = "CONFLICT"
	CodePrecondition      ErrorCode = "PRECONDITION_FAILED"
	CodeUnprocessable     ErrorCode = "UNPROCESSABLE"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal          ErrorCode = "INTERNAL"

	CodeUnknownCircuit       ErrorCode = "UNKNOWN_CIRCUIT"
	CodeAlreadyRegistered    ErrorCode = "ALREADY_REGISTERED"
	CodeClusterNotConfigured ErrorCode = "CLUSTER_NOT_CONFIGURED"
	CodeDuplicateRequest     ErrorCode = "DUPLICATE_REQUEST"
	CodeMalformedOperands    ErrorCode = "MALFORMED_OPERANDS"
	CodeRequestPending       ErrorCode = "REQUEST_PENDING"
	CodeAbortedComputation   ErrorCode = "ABORTED_COMPUTATION"
	CodeUnknownRequest       ErrorCode = "UNKNOWN_REQUEST"
	CodeAlreadyResolved      ErrorCode = "ALREADY_RESOLVED"
	CodeCallbackMismatch     ErrorCode = "CALLBACK_MISMATCH"
)

// ServiceError is an error with an HTTP status and structured details.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails returns e with one more detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func BadRequest(message string) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, message, nil)
}

func InvalidFormat(field, reason string) *ServiceError {
	return newError(CodeInvalidFormat, http.StatusBadRequest, "invalid format", nil).
		WithDetails("field", field).WithDetails("reason", reason)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "invalid or expired token", err)
}

func Forbidden(message string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, nil)
}

func Unprocessable(message string, err error) *ServiceError {
	return newError(CodeUnprocessable, http.StatusUnprocessableEntity, message, err)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).WithDetails("window", window)
}

func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError extracts a ServiceError from err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

var domainErrors = []struct {
	target error
	code   ErrorCode
	status int
}{
	{computation.ErrUnknownCircuit, CodeUnknownCircuit, http.StatusNotFound},
	{computation.ErrAlreadyRegistered, CodeAlreadyRegistered, http.StatusConflict},
	{computation.ErrClusterNotConfigured, CodeClusterNotConfigured, http.StatusPreconditionFailed},
	{computation.ErrDuplicateRequest, CodeDuplicateRequest, http.StatusConflict},
	{computation.ErrMalformedOperands, CodeMalformedOperands, http.StatusUnprocessableEntity},
	{computation.ErrRequestPending, CodeRequestPending, http.StatusConflict},
	{computation.ErrAbortedComputation, CodeAbortedComputation, http.StatusUnprocessableEntity},
	{computation.ErrUnknownRequest, CodeUnknownRequest, http.StatusNotFound},
	{computation.ErrAlreadyResolved, CodeAlreadyResolved, http.StatusConflict},
	{computation.ErrCallbackMismatch, CodeCallbackMismatch, http.StatusConflict},
}

// FromDomain maps err onto a ServiceError. Errors that already are service
// errors pass through; unrecognised errors become Internal.
func FromDomain(err error) *ServiceError {
	if err == nil {
		return nil
	}
	if se := GetServiceError(err); se != nil {
		return se
	}
	for _, m := range domainErrors {
		if stderrors.Is(err, m.target) {
			return newError(m.code, m.status, err.Error(), err).
				WithDetails("class", string(computation.Class(err)))
		}
	}
	return Internal("internal error", err)
}
