// Package httpapi is the gateway's HTTP surface: route table, middleware
// chain, and the /health and /metrics endpoints around the pipeline.
//
// The middleware chain (recovery, timing, CORS, security headers) is
// grounded on the teacher's internal/proxy/middleware.go — reused nearly
// verbatim, since recovery/CORS/security-header concerns are identical
// regardless of what the inner handler does. There is no request-id
// middleware: the trace id (X-Coreason-Trace-ID, validated as a UUID) is
// resolved inside internal/pipeline, since it is request-domain rather than
// an opaque client-supplied string.
package httpapi

import (
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// recovery catches panics in any handler and returns an opaque 500 without
// crashing the process — the generic handler spec.md §7 requires around
// the pipeline.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"detail":"internal server error"}`)
			}
		}()
		next(ctx)
	}
}

// timing sets X-Response-Time to how long the wrapped handler took.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds standard hardening headers to every response. This
// is an API-only surface — no HTML is ever served — so the CSP denies
// everything.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns a CORS middleware allowing origins. nil or ["*"]
// allows any origin; otherwise origins are joined into an allowlist.
// OPTIONS preflight requests are answered with 204 and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Coreason-Project-ID, X-Coreason-Trace-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware folds mws around h right-to-left, so mws[0] runs first
// on the way in and last on the way out — applyMiddleware(h, mw1, mw2) is
// mw1(mw2(h)).
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
