// Package apierr writes the client-visible error envelope. Every error body
// is the OpenAI-style `{"error":{"message":..., "type":...}}` shape, which
// all supported client dialects can digest.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFound          = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
	TypeTimeoutError      = "timeout_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType string) {
	ctx.Response.Reset()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
	}})
	ctx.SetBody(body)
}

// WriteRateLimited writes a 503 with a Retry-After header. The header is in
// whole seconds and never below one, so compliant clients always back off.
func WriteRateLimited(ctx *fasthttp.RequestCtx, retryAfter time.Duration, message string) {
	secs := int64(retryAfter / time.Second)
	if retryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeRateLimitError)
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(secs, 10))
}

// WriteUnauthorized writes a 401 for a missing or unknown API key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr)
}

// WriteNotFound writes a 404 for unknown routes and machines.
func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, message, TypeNotFound)
}

// WriteTimeout writes a 408 for an action that outran its deadline.
func WriteTimeout(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusRequestTimeout, message, TypeTimeoutError)
}

// WriteUpstream forwards a non-fallback upstream failure: the provider's
// status code with its body framed in the standard envelope.
func WriteUpstream(ctx *fasthttp.RequestCtx, status int, message string) {
	if status < 400 || status > 599 {
		status = fasthttp.StatusBadGateway
	}
	Write(ctx, status, message, TypeProviderError)
}
