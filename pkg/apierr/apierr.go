// Package apierr writes OpenAI-compatible error envelopes and maps gateway
// error kinds to HTTP statuses.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/image-gateway/internal/providers"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeKeysExhausted     = "keys_exhausted"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeNoProvider        = "no_provider"
	CodeNotFound          = "not_found"
)

// RetryAfterSeconds is sent with every 429.
const RetryAfterSeconds = "60"

type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// StatusFor maps an error kind to the gateway response status.
//
//	validation          → 400
//	exhausted, 429      → 429 + Retry-After: 60
//	timeout             → 504
//	everything else     → 502
func StatusFor(kind providers.ErrorKind) int {
	switch kind {
	case providers.KindValidation:
		return fasthttp.StatusBadRequest
	case providers.KindExhausted, providers.KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case providers.KindTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusBadGateway
	}
}

// WriteError classifies err and writes the matching envelope.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	kind := providers.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()

	switch kind {
	case providers.KindValidation:
		Write(ctx, status, msg, TypeInvalidRequest, CodeInvalidRequest)
	case providers.KindExhausted:
		ctx.Response.Header.Set("Retry-After", RetryAfterSeconds)
		Write(ctx, status, msg, TypeRateLimitError, CodeKeysExhausted)
	case providers.KindRateLimited:
		ctx.Response.Header.Set("Retry-After", RetryAfterSeconds)
		Write(ctx, status, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providers.KindTimeout:
		Write(ctx, status, msg, TypeProviderError, CodeRequestTimeout)
	default:
		Write(ctx, status, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteInvalid writes a 400 invalid_request_error.
func WriteInvalid(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteRateLimit writes the inbound limiter's 429.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", RetryAfterSeconds)
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUnauthorized writes a 401 for the admin API.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid admin token", TypeAuthenticationErr, CodeInvalidAPIKey)
}
