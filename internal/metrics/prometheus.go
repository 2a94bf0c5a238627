// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// The surface is trimmed to the gateway's four pipeline phases
// (auth, budget, route, execute) plus retry and stream lifecycle — the
// teacher's cache/circuit-breaker/failover metrics have no equivalent here
// since this gateway has exactly one upstream attempt path per provider and
// no response cache.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds
	httpDuration prometheus.Histogram

	// gateway_phase_duration_seconds{phase}
	phaseDuration *prometheus.HistogramVec

	// gateway_admission_total{result}
	admissionTotal *prometheus.CounterVec

	// gateway_retry_attempts_total{provider,outcome}
	retryAttempts *prometheus.CounterVec

	// gateway_stream_transitions_total{state}
	streamTransitions *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_accounting_dropped_total
	accountingDropped prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"status"},
		),

		httpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, end to end",
			Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),

		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_phase_duration_seconds",
				Help:    "Duration of each pipeline phase (auth, budget, route, execute)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"phase"},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_total",
				Help: "Budget admission decisions",
			},
			[]string{"result"}, // admitted|denied
		),

		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retry_attempts_total",
				Help: "Upstream attempts by outcome tag",
			},
			[]string{"provider", "outcome"},
		),

		streamTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_transitions_total",
				Help: "Stream forwarder lifecycle transitions",
			},
			[]string{"state"}, // opening|streaming|complete|broken|failed
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals applied to project budgets",
			},
			[]string{"provider", "direction"}, // direction: prompt|completion
		),

		accountingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_accounting_dropped_total",
			Help: "Accounting entries dropped due to a full queue or exhausted retries",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.phaseDuration,
		r.admissionTotal,
		r.retryAttempts,
		r.streamTransitions,
		r.tokensTotal,
		r.accountingDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP request metrics.
func (r *Registry) ObserveHTTP(statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	r.httpDuration.Observe(dur.Seconds())
}

// ObservePhase records how long one pipeline phase took.
func (r *Registry) ObservePhase(phase string, dur time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Observe(dur.Seconds())
}

// RecordAdmission records a budget admission decision.
func (r *Registry) RecordAdmission(admitted bool) {
	result := "denied"
	if admitted {
		result = "admitted"
	}
	r.admissionTotal.WithLabelValues(result).Inc()
}

// RecordRetryAttempt records one upstream attempt's outcome tag.
func (r *Registry) RecordRetryAttempt(provider, outcome string) {
	r.retryAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordStreamTransition records one SSE lifecycle state transition.
func (r *Registry) RecordStreamTransition(state string) {
	r.streamTransitions.WithLabelValues(state).Inc()
}

// AddTokens records prompt/completion token usage applied to a budget.
func (r *Registry) AddTokens(provider string, promptTokens, completionTokens int64) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// IncAccountingDropped records one dropped accounting entry.
func (r *Registry) IncAccountingDropped() {
	r.accountingDropped.Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
