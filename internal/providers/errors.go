package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure for retry and key-health decisions.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindExhausted         ErrorKind = "exhausted"
	KindRateLimited       ErrorKind = "rate_limited"
	KindInvalidCredential ErrorKind = "invalid_credential"
	KindUpstream          ErrorKind = "upstream"
	KindTimeout           ErrorKind = "timeout"
	KindProtocol          ErrorKind = "protocol"
	KindUnknown           ErrorKind = "unknown"
)

// Error is the typed failure returned by adapters and the orchestration
// layer. Message carries the upstream's diagnostic text when available.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	prefix := e.Provider
	if prefix == "" {
		prefix = "provider"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s: %s (status=%d)", prefix, e.Kind, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder with the status the gateway should
// answer with, not the upstream's raw status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindExhausted, KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// Errorf builds a typed error.
func Errorf(kind ErrorKind, provider, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// FromStatus maps an upstream HTTP status to a typed error.
func FromStatus(provider string, status int, message string) *Error {
	return &Error{Kind: kindForStatus(status), Provider: provider, Status: status, Message: message}
}

// Validation is shorthand for a caller-side request error.
func Validation(provider, format string, args ...any) *Error {
	return Errorf(KindValidation, provider, format, args...)
}

// KindOf classifies any error. Typed errors report their own kind; bare
// StatusCoders are mapped by status; deadline errors are timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return kindForStatus(sc.HTTPStatus())
	}
	return KindUnknown
}

// Retryable reports whether the next RoutePlan step should be attempted
// after err. Only the gateway's own validation errors stop the walk; an
// upstream 400 or 422 is upstream.
func Retryable(err error) bool {
	return KindOf(err) != KindValidation
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindInvalidCredential
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUpstream
	}
}
