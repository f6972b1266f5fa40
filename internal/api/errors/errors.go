package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/chatwatch/internal/domain"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeUnauthorized represents a missing session
	ErrorTypeUnauthorized ErrorType = "unauthorized"

	// ErrorTypeForbidden represents a permanent refusal by the backend
	ErrorTypeForbidden ErrorType = "forbidden"

	// ErrorTypeUpstream represents a failure of the remote API
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeTimeout represents a timeout error
	ErrorTypeTimeout ErrorType = "timeout"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(t ErrorType, status int, code, message string) *APIError {
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: status}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// UnauthorizedError creates a new unauthorized error
func UnauthorizedError(code string, message string) *APIError {
	return newError(ErrorTypeUnauthorized, http.StatusUnauthorized, code, message)
}

// ForbiddenError creates a new forbidden error
func ForbiddenError(code string, message string) *APIError {
	return newError(ErrorTypeForbidden, http.StatusForbidden, code, message)
}

// UpstreamError creates a new bad gateway error
func UpstreamError(code string, message string) *APIError {
	return newError(ErrorTypeUpstream, http.StatusBadGateway, code, message)
}

// TimeoutError creates a new timeout error
func TimeoutError(code string, message string) *APIError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, code, message)
}

// specFailure is the per-resource detail of a partially failed ensure
type specFailure struct {
	Resource string `json:"resource"`
	Class    string `json:"class"`
	Error    string `json:"error"`
}

// FromError creates a new API error from a Go error. Domain errors are
// mapped by their retry class.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var ensureErr *domain.EnsureError
	if stderrors.As(err, &ensureErr) {
		details := make([]specFailure, 0, len(ensureErr.Failures))
		for _, f := range ensureErr.Failures {
			details = append(details, specFailure{
				Resource: f.Spec.ResourcePath,
				Class:    domain.Classify(f.Err).String(),
				Error:    f.Err.Error(),
			})
		}
		if ensureErr.Class() == domain.ClassPermanent {
			return ForbiddenError("subscription_refused", err.Error()).WithDetails(details)
		}
		return UpstreamError("subscription_failed", err.Error()).WithDetails(details)
	}

	switch {
	case stderrors.Is(err, domain.ErrNoSession):
		return UnauthorizedError("no_session", "No signed-in account")
	case stderrors.Is(err, domain.ErrSubscriptionNotCreated):
		return UpstreamError("subscription_not_created", err.Error())
	case stderrors.Is(err, domain.ErrTransportUnavailable):
		return UpstreamError("transport_unavailable", err.Error())
	case stderrors.Is(err, domain.ErrNotFound):
		return NotFoundError("not_found", err.Error())
	}

	var remoteErr *domain.RemoteError
	if stderrors.As(err, &remoteErr) {
		switch remoteErr.Class() {
		case domain.ClassPermanent:
			return ForbiddenError("remote_refused", remoteErr.Error())
		case domain.ClassStale:
			return NotFoundError("remote_not_found", remoteErr.Error())
		default:
			return UpstreamError("remote_unavailable", remoteErr.Error())
		}
	}

	switch domain.Classify(err) {
	case domain.ClassPermanent:
		return ForbiddenError("permanent_failure", err.Error())
	case domain.ClassStale:
		return NotFoundError("stale", err.Error())
	}

	if stderrors.Is(err, domain.ErrStorageUnavailable) {
		return InternalError("storage_unavailable", err.Error())
	}
	return InternalError("internal_error", err.Error())
}
