// Package metrics provides a Prometheus metrics registry for the balancer.
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

	// balancer_inflight_requests
	inFlight prometheus.Gauge

	// balancer_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// balancer_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// balancer_proxied_requests_total{backend,status}
	proxiedTotal *prometheus.CounterVec

	// balancer_streamed_bytes_total{backend}
	streamedBytes *prometheus.CounterVec

	// balancer_upstream_errors_total{backend}
	upstreamErrors *prometheus.CounterVec

	// balancer_selector_outcomes_total{outcome}
	selectorOutcomes *prometheus.CounterVec

	// balancer_health_probes_total{backend,status}
	healthProbes *prometheus.CounterVec

	// balancer_build_info{version}
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
			Name: "balancer_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the balancer",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_http_requests_total",
				Help: "Total number of HTTP requests handled by the balancer",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balancer_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream streaming)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		proxiedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_proxied_requests_total",
				Help: "Total requests relayed upstream, by backend and response status",
			},
			[]string{"backend", "status"},
		),

		streamedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_streamed_bytes_total",
				Help: "Response body bytes streamed back to clients, by backend",
			},
			[]string{"backend"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_upstream_errors_total",
				Help: "Upstream dispatch failures, by backend",
			},
			[]string{"backend"},
		),

		selectorOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_selector_outcomes_total",
				Help: "Routing decisions by selection tier",
			},
			[]string{"outcome"},
		),

		healthProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balancer_health_probes_total",
				Help: "Backend health probe results",
			},
			[]string{"backend", "status"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "balancer_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.proxiedTotal,
		r.streamedBytes,
		r.upstreamErrors,
		r.selectorOutcomes,
		r.healthProbes,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordProxied records one relayed request and its upstream status.
func (r *Registry) RecordProxied(backend string, statusCode int) {
	r.proxiedTotal.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
}

// AddStreamBytes accumulates body bytes relayed from a backend.
func (r *Registry) AddStreamBytes(backend string, n int) {
	if n > 0 {
		r.streamedBytes.WithLabelValues(backend).Add(float64(n))
	}
}

func (r *Registry) RecordUpstreamError(backend string) {
	r.upstreamErrors.WithLabelValues(backend).Inc()
}

func (r *Registry) RecordSelector(outcome string) {
	r.selectorOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordHealthProbe(backend, status string) {
	r.healthProbes.WithLabelValues(backend, status).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
