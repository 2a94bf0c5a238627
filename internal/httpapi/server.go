package httpapi

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/coreason-ai/egress-gateway/internal/metrics"
	"github.com/coreason-ai/egress-gateway/internal/pipeline"
)

// Server is the gateway's HTTP surface: a single chat-completions route
// plus health and metrics, grounded on the teacher's
// internal/proxy/router.go StartWithRoutes — narrowed from that file's
// five routes (chat, completions, embeddings, health, readiness) to the
// two this spec names (spec.md §6), plus GET /metrics when Metrics is set:
// no legacy completions/embeddings surface, no separate readiness probe.
type Server struct {
	Pipeline    *pipeline.Pipeline
	Metrics     *metrics.Registry // nil disables GET /metrics
	CORSOrigins []string
	Version     string

	srv *fasthttp.Server
}

// Handler builds the fully wrapped fasthttp.RequestHandler: route table
// inside the middleware chain (recovery, timing, CORS, security headers).
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.POST("/v1/chat/completions", s.Pipeline.Handle)
	r.GET("/health", s.handleHealth)
	if s.Metrics != nil {
		r.GET("/metrics", s.handleMetrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		timing,
		corsHandler(s.CORSOrigins),
		securityHeaders,
	)
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080") and blocks
// until it returns an error (including on a graceful Shutdown).
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]string{"status": "ok", "version": s.Version})
	ctx.SetBody(body)
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	s.Metrics.Handler()(ctx)
}
