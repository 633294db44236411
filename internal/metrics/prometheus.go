// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
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

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// proxy_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// proxy_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// proxy_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_fallback_hops_total{provider,reason}
	fallbackHops *prometheus.CounterVec

	// proxy_credentials_cooling{provider}
	credentialsCooling *prometheus.GaugeVec

	// proxy_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// proxy_ttft_seconds{provider}
	ttft *prometheus.HistogramVec

	// proxy_stream_chunks_total{source,target}
	streamChunks *prometheus.CounterVec

	// proxy_store_operations_total{op,result}
	storeOps *prometheus.CounterVec

	// proxy_token_refreshes_total{provider,result}
	tokenRefreshes *prometheus.CounterVec

	// proxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes stream drain)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_response_size_bytes",
				Help:    "HTTP response body size in bytes (buffered responses only)",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_attempts_total",
				Help: "Total upstream dispatches (includes credential fallback hops)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_attempt_duration_seconds",
				Help:    "Upstream dispatch duration in seconds, headers received",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		fallbackHops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_fallback_hops_total",
				Help: "Credential fallback hops by provider and failure reason",
			},
			[]string{"provider", "reason"},
		),

		credentialsCooling: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_credentials_cooling",
				Help: "Connections inside a cooldown window as observed by the last selection",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Token usage totals, upstream-reported or estimated",
			},
			[]string{"provider", "model", "direction"},
		),

		ttft: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_ttft_seconds",
				Help:    "Time to first upstream byte in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 40},
			},
			[]string{"provider"},
		),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_stream_chunks_total",
				Help: "Client-visible SSE chunks by stream translation pair",
			},
			[]string{"source", "target"},
		),

		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_store_operations_total",
				Help: "Machine store operations by type and result",
			},
			[]string{"op", "result"},
		),

		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_token_refreshes_total",
				Help: "OAuth token refresh attempts by provider and result",
			},
			[]string{"provider", "result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_build_info",
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
		r.upstreamAttempts,
		r.upstreamDuration,
		r.fallbackHops,
		r.credentialsCooling,
		r.tokensTotal,
		r.ttft,
		r.streamChunks,
		r.storeOps,
		r.tokenRefreshes,
		r.buildInfo,
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

// ObserveUpstreamAttempt records one upstream dispatch.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordFallbackHop counts one in-request hop to the next credential.
func (r *Registry) RecordFallbackHop(provider, reason string) {
	r.fallbackHops.WithLabelValues(provider, reason).Inc()
}

// SetCredentialsCooling publishes the cooldown count seen by a selection scan.
func (r *Registry) SetCredentialsCooling(provider string, cooling int) {
	r.credentialsCooling.WithLabelValues(provider).Set(float64(cooling))
}

// AddTokens records token usage for a served request.
func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// ObserveTTFT records the time to the first upstream byte.
func (r *Registry) ObserveTTFT(provider string, d time.Duration) {
	if d > 0 {
		r.ttft.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// AddStreamChunks counts client-visible chunks for a translation pair.
func (r *Registry) AddStreamChunks(source, target string, n int) {
	if n > 0 {
		r.streamChunks.WithLabelValues(source, target).Add(float64(n))
	}
}

// RecordStoreOp counts one machine-store operation.
func (r *Registry) RecordStoreOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.storeOps.WithLabelValues(op, result).Inc()
}

// RecordTokenRefresh counts one OAuth refresh attempt.
func (r *Registry) RecordTokenRefresh(provider string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.tokenRefreshes.WithLabelValues(provider, result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
