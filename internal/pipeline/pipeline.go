// Package pipeline orchestrates a single request end-to-end: Auth → Budget
// admission → Route → Execute → Account.
//
// Grounded on the teacher's internal/proxy/gateway.go dispatchChat — same
// parse/route/admit/execute/respond shape — generalized from
// multi-provider failover+caching to this gateway's fixed five-phase state
// machine. The hollow-proxy invariant means step 3's schema validation is
// decode-and-discard: the openai-go/v3 param types are used purely to
// reject malformed bodies, never to re-encode what is forwarded upstream.
package pipeline

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/valyala/fasthttp"

	"github.com/coreason-ai/egress-gateway/internal/accounting"
	"github.com/coreason-ai/egress-gateway/internal/audit"
	"github.com/coreason-ai/egress-gateway/internal/budget"
	"github.com/coreason-ai/egress-gateway/internal/metrics"
	"github.com/coreason-ai/egress-gateway/internal/retry"
	"github.com/coreason-ai/egress-gateway/internal/router"
	"github.com/coreason-ai/egress-gateway/internal/secrets"
	"github.com/coreason-ai/egress-gateway/internal/streamfwd"
	"github.com/coreason-ai/egress-gateway/internal/upstream"
	"github.com/coreason-ai/egress-gateway/pkg/gwerrors"
)

const (
	headerProjectID = "X-Coreason-Project-ID"
	headerTraceID   = "X-Coreason-Trace-ID"
)

// Pipeline holds every collaborator Handle needs and has no per-request
// state of its own — it is safe to share across all fasthttp worker
// goroutines.
type Pipeline struct {
	GatewayToken string

	// ProviderTimeout bounds each buffered upstream.Client call; sourced
	// from config.Config.ProviderTimeout. Zero falls back to
	// upstream.DefaultTimeout.
	ProviderTimeout time.Duration

	// RetryPolicy controls internal/retry's attempt count and backoff;
	// sourced from config.Config.RetryMaxAttempts via
	// retry.DefaultPolicy() with MaxAttempts overridden. A zero value
	// (Pipeline built without explicit wiring) falls back to
	// retry.DefaultPolicy().
	RetryPolicy retry.Policy

	Router     *router.Router
	Budget     *budget.Manager
	Secrets    *secrets.Provider
	Accounting *accounting.Manager
	Audit      *audit.Sink // nil disables the audit trail
	Metrics    *metrics.Registry // nil disables metrics
	Log        *slog.Logger
}

// retryPolicy returns p.RetryPolicy, falling back to retry.DefaultPolicy()
// when the Pipeline was built without one (MaxAttempts == 0).
func (p *Pipeline) retryPolicy() retry.Policy {
	if p.RetryPolicy.MaxAttempts == 0 {
		return retry.DefaultPolicy()
	}
	return p.RetryPolicy
}

// partialRequest is the only shape the core inspects. Every other field in
// the request body is opaque and forwarded unmodified.
type partialRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages json.RawMessage `json:"messages"`
}

type usageEnvelope struct {
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Handle is the pipeline's only public entry point.
func (p *Pipeline) Handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	traceID := p.resolveTraceID(ctx)
	ctx.Response.Header.Set(headerTraceID, traceID)

	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("trace_id", traceID))

	if p.Metrics != nil {
		p.Metrics.IncInFlight()
		defer p.Metrics.DecInFlight()
	}

	// 1. Authenticate.
	phaseStart := time.Now()
	if !p.authenticate(ctx) {
		p.observePhase("auth", phaseStart)
		p.fail(ctx, log, gwerrors.New(gwerrors.AuthInvalid, "Invalid Gateway Access Token"), start)
		return
	}
	p.observePhase("auth", phaseStart)

	// 2. Extract project id.
	projectID := string(ctx.Request.Header.Peek(headerProjectID))
	if projectID == "" {
		p.fail(ctx, log, gwerrors.New(gwerrors.ProjectMissing, "Missing project identifier"), start)
		return
	}
	log = log.With(slog.String("project_id", projectID))

	// 3. Parse body / validate schema.
	body := ctx.PostBody()
	var preq partialRequest
	if err := json.Unmarshal(body, &preq); err != nil || preq.Model == "" {
		p.fail(ctx, log, gwerrors.New(gwerrors.SchemaInvalid, schemaErrorDetail(err, preq.Model)), start)
		return
	}
	var validated openai.ChatCompletionNewParams
	if err := json.Unmarshal(body, &validated); err != nil {
		p.fail(ctx, log, gwerrors.New(gwerrors.SchemaInvalid, schemaErrorDetail(err, preq.Model)), start)
		return
	}

	// 4. Estimate.
	estimate := estimateTokens(preq.Messages)

	// 5. Admission.
	phaseStart = time.Now()
	admitted := p.Budget.Check(ctx, projectID, estimate)
	p.observePhase("budget", phaseStart)
	if p.Metrics != nil {
		p.Metrics.RecordAdmission(admitted)
	}
	if !admitted {
		p.fail(ctx, log, gwerrors.New(gwerrors.BudgetExceeded, fmt.Sprintf("Budget exceeded for Project ID %s", projectID)), start)
		return
	}

	// 6. Route.
	phaseStart = time.Now()
	desc, ok := p.Router.Resolve(preq.Model)
	p.observePhase("route", phaseStart)
	if !ok {
		p.fail(ctx, log, gwerrors.New(gwerrors.ModelUnknown, "Unsupported model architecture"), start)
		return
	}

	// 7. Fetch credential.
	cred, err := p.Secrets.Get(ctx, desc.SecretPath)
	if err != nil {
		log.Warn("secrets_unavailable", slog.String("error", err.Error()))
		p.fail(ctx, log, gwerrors.New(gwerrors.SecretsUnavailable, "Security subsystem unavailable"), start)
		return
	}
	// 10. Discard credential — guaranteed on every exit path from here on.
	defer cred.Release()

	// 8. Execute.
	phaseStart = time.Now()
	client := upstream.New(desc, cred, p.ProviderTimeout)

	if preq.Stream {
		p.executeStream(ctx, log, client, body, projectID, desc.ProviderID, estimate, phaseStart, start)
		return
	}
	p.executeBuffered(ctx, log, client, body, projectID, desc.ProviderID, estimate, phaseStart, start)
}

func (p *Pipeline) executeBuffered(
	ctx *fasthttp.RequestCtx, log *slog.Logger, client *upstream.Client, body []byte,
	projectID, providerID string, estimate int64, phaseStart, reqStart time.Time,
) {
	resp, tag, err := retry.Run(ctx, p.retryPolicy(), func(ctx context.Context, attemptNo int) (*upstream.Response, retry.Tag, error) {
		r, t, e := client.Do(ctx, body)
		if p.Metrics != nil {
			p.Metrics.RecordRetryAttempt(providerID, tagLabel(t))
		}
		return r, t, e
	})
	p.observePhase("execute", phaseStart)

	if tag != retry.Ok {
		log.Warn("upstream_failed", slog.String("error", errString(err)), slog.String("tag", tagLabel(tag)))
		p.fail(ctx, log, tagToError(tag, err), reqStart)
		return
	}

	// 9. Respond (buffered).
	ctx.SetStatusCode(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		ctx.SetContentType(ct)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(resp.Body)

	tokens := parseUsage(resp.Body, estimate)
	p.scheduleAccounting(log, projectID, providerID, tokens, "ok", time.Since(reqStart))
}

func (p *Pipeline) executeStream(
	ctx *fasthttp.RequestCtx, log *slog.Logger, client *upstream.Client, body []byte,
	projectID, providerID string, estimate int64, phaseStart, reqStart time.Time,
) {
	streamResp, tag, err := retry.Run(ctx, p.retryPolicy(), func(ctx context.Context, attemptNo int) (*upstream.StreamResponse, retry.Tag, error) {
		r, t, e := client.DoStream(ctx, body)
		if p.Metrics != nil {
			p.Metrics.RecordRetryAttempt(providerID, tagLabel(t))
		}
		return r, t, e
	})
	p.observePhase("execute", phaseStart)

	if tag != retry.Ok {
		log.Warn("upstream_stream_failed", slog.String("error", errString(err)), slog.String("tag", tagLabel(tag)))
		p.fail(ctx, log, tagToError(tag, err), reqStart)
		return
	}

	streamfwd.Forward(ctx, streamResp.Body, estimate,
		func(state streamfwd.State) {
			if p.Metrics != nil {
				p.Metrics.RecordStreamTransition(state.String())
			}
		},
		func(result streamfwd.Result) {
			tokens := result.Usage.PromptTokens + result.Usage.CompletionTokens
			if tokens == 0 {
				tokens = estimate
			}
			p.scheduleAccounting(log, projectID, providerID, tokens, result.State.String(), time.Since(reqStart))
		},
	)
}

// scheduleAccounting is the one place step 9's fire-and-forget background
// task and the audit append happen together — both are best-effort and a
// failure in either never reaches the caller, whose response has already
// been sent.
func (p *Pipeline) scheduleAccounting(log *slog.Logger, projectID, providerID string, tokens int64, outcome string, latency time.Duration) {
	log.Info("scheduling_accounting", slog.Int64("tokens", tokens), slog.String("outcome", outcome))
	p.Accounting.Schedule(accounting.Entry{ProjectID: projectID, Tokens: tokens})
	if p.Metrics != nil {
		p.Metrics.AddTokens(providerID, 0, tokens)
	}
	if p.Audit != nil {
		p.Audit.Write(audit.Record{
			RequestID:  uuid.New(),
			ProjectID:  projectID,
			ProviderID: providerID,
			Tokens:     uint32(tokens),
			Outcome:    outcome,
			LatencyMs:  uint32(latency.Milliseconds()),
		})
	}
}

func (p *Pipeline) authenticate(ctx *fasthttp.RequestCtx) bool {
	const prefix = "Bearer "
	header := string(ctx.Request.Header.Peek("Authorization"))
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	token := header[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.GatewayToken)) == 1
}

// resolveTraceID returns the caller's trace id if present and a valid UUID.
// A malformed header is logged and ignored; neither a missing nor a
// malformed header is ever a failure — the gateway mints a fresh one either
// way.
func (p *Pipeline) resolveTraceID(ctx *fasthttp.RequestCtx) string {
	raw := string(ctx.Request.Header.Peek(headerTraceID))
	if raw == "" {
		return uuid.New().String()
	}
	if _, err := uuid.Parse(raw); err != nil {
		if p.Log != nil {
			p.Log.Warn("malformed_trace_id", slog.String("value", raw))
		}
		return uuid.New().String()
	}
	return raw
}

func (p *Pipeline) fail(ctx *fasthttp.RequestCtx, log *slog.Logger, gerr *gwerrors.Error, start time.Time) {
	log.Warn("request_failed", slog.String("kind", string(gerr.Kind)))
	gwerrors.Write(ctx, gerr)
	if p.Metrics != nil {
		p.Metrics.ObserveHTTP(ctx.Response.StatusCode(), time.Since(start))
	}
}

func (p *Pipeline) observePhase(phase string, phaseStart time.Time) {
	if p.Metrics != nil {
		p.Metrics.ObservePhase(phase, time.Since(phaseStart))
	}
}

func schemaErrorDetail(err error, model string) string {
	if err != nil {
		return fmt.Sprintf("invalid request body: %s", err.Error())
	}
	return "field 'model' is required"
}

func parseUsage(respBody []byte, estimate int64) int64 {
	var env usageEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil || env.Usage.TotalTokens == 0 {
		return estimate
	}
	return env.Usage.TotalTokens
}

func tagLabel(t retry.Tag) string {
	switch t {
	case retry.Ok:
		return "ok"
	case retry.RetryRateLimit:
		return "retry_rate_limit"
	case retry.RetryConnection:
		return "retry_connection"
	case retry.RetryInternal:
		return "retry_internal"
	case retry.TerminalClient:
		return "terminal_client"
	case retry.TerminalServer:
		return "terminal_server"
	case retry.TerminalCancelled:
		return "terminal_cancelled"
	default:
		return "unknown"
	}
}

// tagToError maps the final retry.Tag of an exhausted or terminal upstream
// attempt to the gateway's error taxonomy (spec.md §4.1 step 8).
func tagToError(t retry.Tag, cause error) *gwerrors.Error {
	switch t {
	case retry.RetryRateLimit:
		return gwerrors.New(gwerrors.UpstreamRateLimit, "Upstream provider rate limit exceeded")
	case retry.RetryConnection, retry.TerminalCancelled:
		return gwerrors.Wrap(gwerrors.UpstreamUnavailable, "Upstream provider unreachable", cause)
	default:
		return gwerrors.Wrap(gwerrors.UpstreamError, fmt.Sprintf("Upstream provider error: %s", errString(cause)), cause)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
