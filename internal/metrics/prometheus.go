// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_resolutions_total{strategy}
	resolutions *prometheus.CounterVec

	// gateway_catalog_refresh_total{result}
	catalogRefresh *prometheus.CounterVec

	// gateway_catalog_refresh_duration_seconds{result}
	catalogRefreshDuration *prometheus.HistogramVec

	// gateway_catalog_models
	catalogSize prometheus.Gauge

	// gateway_alias_reloads_total{result}
	aliasReloads *prometheus.CounterVec

	// gateway_backend_invocations_total{family,route,outcome}
	invocations *prometheus.CounterVec

	// gateway_backend_invocation_duration_seconds{family,route,outcome}
	invocationDuration *prometheus.HistogramVec

	// gateway_backend_retries_total{route,reason}
	retries *prometheus.CounterVec

	// gateway_backend_errors_total{family,error_type}
	backendErrors *prometheus.CounterVec

	// gateway_extractions_total{family,source}
	extractions *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// circuit_breaker_state{model} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{model,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{model,state}
	cbRejections *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{family,route,direction,cache}
	tokensTotal *prometheus.CounterVec

	// gateway_sidecar_requests_total{binding,status}
	sidecarRequests *prometheus.CounterVec

	// gateway_sidecar_request_duration_seconds{binding}
	sidecarDuration *prometheus.HistogramVec

	// gateway_dependency_health{dependency}
	dependencyHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	// gateway_invocation_log_dropped_total
	invocationLogDropped prometheus.Counter

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes resolution + backend)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_resolutions_total",
				Help: "Model identifier resolutions by winning strategy",
			},
			[]string{"strategy"},
		),

		catalogRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_catalog_refresh_total",
				Help: "Catalog refresh attempts by result",
			},
			[]string{"result"},
		),

		catalogRefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_catalog_refresh_duration_seconds",
				Help:    "Duration of foundation model listing calls",
				Buckets: latencyBuckets,
			},
			[]string{"result"},
		),

		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_catalog_models",
			Help: "Number of invokable models in the last successful catalog refresh",
		}),

		aliasReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_alias_reloads_total",
				Help: "Alias override file reloads by result",
			},
			[]string{"result"},
		),

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_invocations_total",
				Help: "Backend model invocation attempts",
			},
			[]string{"family", "route", "outcome"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_backend_invocation_duration_seconds",
				Help:    "Backend model invocation attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"family", "route", "outcome"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_retries_total",
				Help: "Backend invocations retried after a retryable failure",
			},
			[]string{"route", "reason"},
		),

		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_backend_errors_total",
				Help: "Backend invocation errors by type",
			},
			[]string{"family", "error_type"},
		),

		extractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_extractions_total",
				Help: "Response content extractions by the stage that produced the content",
			},
			[]string{"family", "source"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state per backend model (0=closed,1=open,2=half-open)",
			},
			[]string{"model"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"model", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"model", "state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Estimated token counts of prompts and completions",
			},
			[]string{"family", "route", "direction", "cache"},
		),

		sidecarRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sidecar_requests_total",
				Help: "Binding passthrough requests by relayed status",
			},
			[]string{"binding", "status"},
		),

		sidecarDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_sidecar_request_duration_seconds",
				Help:    "Binding passthrough duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"binding"},
		),

		dependencyHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_dependency_health",
				Help: "Dependency health status (1=ok, 0=degraded)",
			},
			[]string{"dependency"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),

		invocationLogDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_invocation_log_dropped_total",
				Help: "Invocation log entries dropped because the queue was full",
			},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.resolutions,
		r.catalogRefresh,
		r.catalogRefreshDuration,
		r.catalogSize,
		r.aliasReloads,
		r.invocations,
		r.invocationDuration,
		r.retries,
		r.backendErrors,
		r.extractions,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.rateLimitTotal,
		r.tokensTotal,
		r.sidecarRequests,
		r.sidecarDuration,
		r.dependencyHealth,
		r.buildInfo,
		r.invocationLogDropped,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ── Resolution and catalog ───────────────────────────────────────────────────

func (r *Registry) RecordResolution(strategy string) {
	r.resolutions.WithLabelValues(strategy).Inc()
}

// RecordCatalogRefresh records one listing call; result is "ok" or "error".
func (r *Registry) RecordCatalogRefresh(result string, dur time.Duration) {
	r.catalogRefresh.WithLabelValues(result).Inc()
	r.catalogRefreshDuration.WithLabelValues(result).Observe(dur.Seconds())
}

func (r *Registry) SetCatalogSize(n int) {
	r.catalogSize.Set(float64(n))
}

func (r *Registry) RecordAliasReload(result string) {
	r.aliasReloads.WithLabelValues(result).Inc()
}

// ── Backend ──────────────────────────────────────────────────────────────────

// ObserveInvocation records one backend invocation attempt.
func (r *Registry) ObserveInvocation(family, route, outcome string, dur time.Duration) {
	r.invocations.WithLabelValues(family, route, outcome).Inc()
	r.invocationDuration.WithLabelValues(family, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRetry(route, reason string) {
	r.retries.WithLabelValues(route, reason).Inc()
}

func (r *Registry) RecordError(family, errType string) {
	r.backendErrors.WithLabelValues(family, errType).Inc()
}

func (r *Registry) RecordExtraction(family, source string) {
	r.extractions.WithLabelValues(family, source).Inc()
}

// ── Cache ────────────────────────────────────────────────────────────────────

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(family, route string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(family, route, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(family, route, "output", cache).Add(float64(outputTokens))
	}
	if inputTokens+outputTokens > 0 {
		r.tokensTotal.WithLabelValues(family, route, "total", cache).Add(float64(inputTokens + outputTokens))
	}
}

// ObserveSidecar records one binding passthrough. A status of 0 means the
// sidecar could not be reached.
func (r *Registry) ObserveSidecar(binding string, statusCode int, dur time.Duration) {
	r.sidecarRequests.WithLabelValues(binding, strconv.Itoa(statusCode)).Inc()
	r.sidecarDuration.WithLabelValues(binding).Observe(dur.Seconds())
}

func (r *Registry) SetDependencyHealth(dependency string, ok bool) {
	if ok {
		r.dependencyHealth.WithLabelValues(dependency).Set(1)
		return
	}
	r.dependencyHealth.WithLabelValues(dependency).Set(0)
}

// AddInvocationLogDropped counts invocation log entries lost to back-pressure.
func (r *Registry) AddInvocationLogDropped(n int64) {
	if n > 0 {
		r.invocationLogDropped.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(model string, state int64) {
	r.circuitBreakerState.WithLabelValues(model).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[model]
	if !ok || prev != float64(state) {
		r.lastCBState[model] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(model, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(model, state string) {
	r.cbRejections.WithLabelValues(model, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
