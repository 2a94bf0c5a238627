// Package gwerrors defines the gateway's error taxonomy and its HTTP mapping.
//
// Every error the pipeline can produce carries a Kind. Kind alone decides
// the HTTP status code — see the table in httpStatus. The caller-facing
// detail message is supplied by whoever builds the Error (New or Wrap).
package gwerrors

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Kind tags a pipeline error with its taxonomy bucket.
type Kind string

const (
	AuthInvalid         Kind = "AUTH_INVALID"
	ProjectMissing      Kind = "PROJECT_MISSING"
	SchemaInvalid       Kind = "SCHEMA_INVALID"
	ModelUnknown        Kind = "MODEL_UNKNOWN"
	BudgetExceeded      Kind = "BUDGET_EXCEEDED"
	SecretsUnavailable  Kind = "SECRETS_UNAVAILABLE"
	UpstreamRateLimit   Kind = "UPSTREAM_RATE_LIMIT"
	UpstreamError       Kind = "UPSTREAM_ERROR"
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
)

// Error is a taxonomy-tagged error returned by any pipeline phase.
type Error struct {
	Kind    Kind
	Detail  string
	wrapped error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return string(e.Kind) + ": " + e.Detail
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds an Error of the given Kind carrying detail as its
// caller-facing message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error carrying an underlying cause for logging, without
// ever exposing the underlying error string to the caller unless detail
// explicitly includes it (callers decide what is safe to surface).
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, wrapped: cause}
}

// httpStatus maps a Kind to its HTTP status code per the gateway's error
// taxonomy table.
func httpStatus(k Kind) int {
	switch k {
	case AuthInvalid:
		return fasthttp.StatusUnauthorized
	case ProjectMissing, SchemaInvalid, ModelUnknown:
		return fasthttp.StatusBadRequest
	case BudgetExceeded:
		return fasthttp.StatusPaymentRequired
	case SecretsUnavailable:
		return fasthttp.StatusServiceUnavailable
	case UpstreamRateLimit:
		return fasthttp.StatusTooManyRequests
	case UpstreamError:
		return fasthttp.StatusBadGateway
	case UpstreamUnavailable:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// envelope is the caller-facing JSON error body: {"detail": "..."}.
type envelope struct {
	Detail string `json:"detail"`
}

// Write serializes err as the gateway's JSON error envelope and sets the
// response status code. Non-*Error values are treated as opaque internal
// errors and mapped to 500 with a generic detail — never leaking internals.
func Write(ctx *fasthttp.RequestCtx, err error) {
	gerr, ok := err.(*Error)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		body, _ := json.Marshal(envelope{Detail: "internal server error"})
		ctx.SetBody(body)
		return
	}

	ctx.SetStatusCode(httpStatus(gerr.Kind))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Detail: gerr.Detail})
	ctx.SetBody(body)
}
