// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default).
// The /metrics HTTP handler is exposed via Handler(). Recording methods are
// safe on a nil *Registry so services can run without metrics in tests.
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

	// gateway_requests_total{provider, status}
	requestsTotal *prometheus.CounterVec

	// gateway_latency_ms_total{provider}: sum of latency in ms (derive avg externally)
	latencyTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{provider,route}
	requestDuration *prometheus.HistogramVec

	// gateway_images_generated_total{provider}
	imagesTotal *prometheus.CounterVec

	// gateway_route_plans_total{task,mode}
	routePlans *prometheus.CounterVec

	// gateway_fanout_subcalls_total{provider}
	fanoutSubcalls *prometheus.CounterVec

	// gateway_async_tasks_total{provider,outcome}
	asyncTasks *prometheus.CounterVec

	// gateway_async_poll_attempts{provider}
	pollAttempts *prometheus.HistogramVec

	// gateway_async_poll_anomalies_total{provider}
	pollAnomalies *prometheus.CounterVec

	// gateway_token_retries_total{provider}
	tokenRetries *prometheus.CounterVec

	// gateway_key_transitions_total{provider,to_status}
	keyTransitions *prometheus.CounterVec

	// gateway_key_daily_resets_total
	keyResets prometheus.Counter

	// gateway_key_pool_size{provider,status}
	keyPool *prometheus.GaugeVec

	// gateway_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// provider_errors_total{provider, error_type}
	providerErrors *prometheus.CounterVec

	// circuit_breaker_state{provider}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// gateway_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// gateway_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// gateway_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

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
		reg: reg,
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
				Help:    "HTTP request duration in seconds (end-to-end, includes fan-out and polling)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
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
				Buckets: prometheus.ExponentialBuckets(256, 4, 10), // 256B .. ~64MB
			},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of generation requests",
			},
			[]string{"provider", "status"},
		),

		latencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_latency_ms_total",
				Help: "Sum of latency in ms (compute avg externally)",
			},
			[]string{"provider"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration (gateway perspective) in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
			},
			[]string{"provider", "route"},
		),

		imagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_images_generated_total",
				Help: "Images returned to callers",
			},
			[]string{"provider"},
		),

		routePlans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_plans_total",
				Help: "Route plans produced, by task and matching mode (model_map, exact, substring, capability)",
			},
			[]string{"task", "mode"},
		),

		fanoutSubcalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fanout_subcalls_total",
				Help: "Upstream sub-calls issued by fan-out of oversized requests",
			},
			[]string{"provider"},
		),

		asyncTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_async_tasks_total",
				Help: "Async upstream tasks by terminal state",
			},
			[]string{"provider", "outcome"},
		),

		pollAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_async_poll_attempts",
				Help:    "Polls needed before an async task reached a terminal state",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 60, 90, 120},
			},
			[]string{"provider"},
		),

		pollAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_async_poll_anomalies_total",
				Help: "Malformed or failed poll responses tolerated by the poller",
			},
			[]string{"provider"},
		),

		tokenRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_retries_total",
				Help: "Credential rotations caused by upstream rate limiting",
			},
			[]string{"provider"},
		),

		keyTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_transitions_total",
				Help: "Credential health transitions",
			},
			[]string{"provider", "to_status"},
		),

		keyResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_key_daily_resets_total",
			Help: "Daily quota resets performed",
		}),

		keyPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_key_pool_size",
				Help: "Credentials per provider by health status",
			},
			[]string{"provider", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (one per RoutePlan step tried)",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
			},
			[]string{"provider", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"provider", "state"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Failover events between providers (emitted when switching to a different provider)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_success_total",
				Help: "Successful failovers (request served by non-primary provider)",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_exhausted_total",
				Help: "Requests that exhausted failover attempts without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider key-pool health (1=ok, 0=degraded or disabled)",
			},
			[]string{"provider"},
		),

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
		r.httpReqSize,
		r.httpRespSize,
		r.requestsTotal,
		r.latencyTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.imagesTotal,
		r.routePlans,
		r.fanoutSubcalls,
		r.asyncTasks,
		r.pollAttempts,
		r.pollAnomalies,
		r.tokenRetries,
		r.keyTransitions,
		r.keyResets,
		r.keyPool,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) RecordRequest(provider string, statusCode int, latencyMs int64) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	r.latencyTotal.WithLabelValues(provider).Add(float64(latencyMs))
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	if r == nil {
		return
	}
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

// ObserveGatewayRequest records per-provider end-to-end generation latency.
func (r *Registry) ObserveGatewayRequest(provider, route string, dur time.Duration) {
	if r == nil {
		return
	}
	r.requestDuration.WithLabelValues(provider, route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(primary, from, to, reason string) {
	if r == nil {
		return
	}
	r.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	if r == nil {
		return
	}
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	if r == nil {
		return
	}
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	if r == nil {
		return
	}
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	if r == nil {
		return
	}
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	if r == nil {
		return
	}
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	if r == nil {
		return
	}
	r.cbRejections.WithLabelValues(provider, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

// ── Image pipeline ────────────────────────────────────────────────────────

func (r *Registry) AddImages(provider string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.imagesTotal.WithLabelValues(provider).Add(float64(n))
}

func (r *Registry) RecordRoutePlan(task, mode string) {
	if r == nil {
		return
	}
	r.routePlans.WithLabelValues(task, mode).Inc()
}

func (r *Registry) AddFanOutSubcalls(provider string, n int) {
	if r == nil {
		return
	}
	r.fanoutSubcalls.WithLabelValues(provider).Add(float64(n))
}

// ObserveAsyncTask records the terminal state of one async task and the
// number of polls it took.
func (r *Registry) ObserveAsyncTask(provider, outcome string, polls int) {
	if r == nil {
		return
	}
	r.asyncTasks.WithLabelValues(provider, outcome).Inc()
	r.pollAttempts.WithLabelValues(provider).Observe(float64(polls))
}

func (r *Registry) RecordPollAnomaly(provider string) {
	if r == nil {
		return
	}
	r.pollAnomalies.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordTokenRetry(provider string) {
	if r == nil {
		return
	}
	r.tokenRetries.WithLabelValues(provider).Inc()
}

// ── Key pools ─────────────────────────────────────────────────────────────

func (r *Registry) RecordKeyTransition(provider, toStatus string) {
	if r == nil {
		return
	}
	r.keyTransitions.WithLabelValues(provider, toStatus).Inc()
}

func (r *Registry) RecordDailyReset() {
	if r == nil {
		return
	}
	r.keyResets.Inc()
}

// SetKeyPool publishes the per-status credential counts of one pool.
func (r *Registry) SetKeyPool(provider string, active, rateLimited, disabled int) {
	if r == nil {
		return
	}
	r.keyPool.WithLabelValues(provider, "active").Set(float64(active))
	r.keyPool.WithLabelValues(provider, "rate_limited").Set(float64(rateLimited))
	r.keyPool.WithLabelValues(provider, "disabled").Set(float64(disabled))
}
