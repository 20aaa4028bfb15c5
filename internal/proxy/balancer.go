// Package proxy implements the HTTP surface of the balancer: the reverse
// proxy itself plus the health, snapshot, model listing, stats and
// dashboard endpoints.
package proxy

import (
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llama-balancer/internal/accesslog"
	"github.com/nulpointcorp/llama-balancer/internal/gpu"
	"github.com/nulpointcorp/llama-balancer/internal/health"
	"github.com/nulpointcorp/llama-balancer/internal/inflight"
	"github.com/nulpointcorp/llama-balancer/internal/metrics"
	"github.com/nulpointcorp/llama-balancer/internal/modelcache"
	"github.com/nulpointcorp/llama-balancer/internal/registry"
	"github.com/nulpointcorp/llama-balancer/internal/selector"
	"github.com/nulpointcorp/llama-balancer/internal/sticky"
)

const (
	// upstreamConnectTimeout bounds dialing a backend. There is no read
	// timeout: completions legitimately stream for minutes.
	upstreamConnectTimeout = 300 * time.Second

	// streamChunkSize is the relay buffer size for response bodies.
	streamChunkSize = 8192

	// selfBusyThreshold is the GPU utilization (percent) above which this
	// host reports busy on its own /llmhealth.
	selfBusyThreshold = 50
)

// Options carries the collaborators a Balancer needs. Metrics may be nil.
type Options struct {
	Registry  *registry.Registry
	Health    *health.Monitor
	GPU       *gpu.Monitor
	Tracker   *inflight.Tracker
	Models    *modelcache.Cache
	Sticky    sticky.Store
	Selector  *selector.Selector
	AccessLog *accesslog.Ring
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	Version   string
}

// Balancer is the model-aware reverse proxy in front of the llama-server
// fleet.
type Balancer struct {
	reg      *registry.Registry
	health   *health.Monitor
	gpu      *gpu.Monitor
	tracker  *inflight.Tracker
	models   *modelcache.Cache
	sticky   sticky.Store
	selector *selector.Selector
	access   *accesslog.Ring
	metrics  *metrics.Registry
	log      *slog.Logger
	version  string

	upstream *fasthttp.Client
}

func New(opts Options) *Balancer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Balancer{
		reg:      opts.Registry,
		health:   opts.Health,
		gpu:      opts.GPU,
		tracker:  opts.Tracker,
		models:   opts.Models,
		sticky:   opts.Sticky,
		selector: opts.Selector,
		access:   opts.AccessLog,
		metrics:  opts.Metrics,
		log:      log,
		version:  opts.Version,

		upstream: &fasthttp.Client{
			// Responses are streamed chunk by chunk back to the client
			// instead of being buffered whole.
			StreamResponseBody: true,
			MaxConnsPerHost:    1024,
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, upstreamConnectTimeout)
			},
		},
	}
}

// Handler builds the full route table. Every path not claimed by a
// management endpoint is relayed upstream.
func (b *Balancer) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.RedirectTrailingSlash = false

	r.GET("/llmhealth", b.handleSelfHealth)
	r.GET("/llmhealth-snapshot", b.handleSnapshot)
	r.GET("/llmhealth-monitor", b.handleDashboard)
	r.GET("/access-log-stats", b.handleAccessStats)
	r.GET("/v1/models", b.handleModels)
	r.GET("/favicon.ico", b.handleFavicon)

	if b.metrics != nil {
		r.GET("/metrics", b.metrics.Handler())
	}

	r.POST("/v1/chat/completions", b.handleProxy)
	r.NotFound = b.handleProxy

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		b.httpMetrics,
	)
}

// Start runs the HTTP server on addr (e.g. ":18000") until it fails.
func (b *Balancer) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler: b.Handler(),
		// Generous read timeout for large prompts; no write timeout so
		// long streams are never cut off by the server.
		ReadTimeout:        300 * time.Second,
		StreamRequestBody:  false,
		MaxRequestBodySize: 64 << 20,
	}
	b.log.Info("balancer listening", slog.String("addr", addr))
	return srv.ListenAndServe(addr)
}

// httpMetrics records per-route request counts and durations. Arbitrary
// proxied paths are collapsed to one label so the route cardinality stays
// bounded.
func (b *Balancer) httpMetrics(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if b.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		b.metrics.ObserveHTTP(routeLabel(string(ctx.Path())), ctx.Response.StatusCode(), time.Since(start))
	}
}

var knownRoutes = map[string]bool{
	"/llmhealth":           true,
	"/llmhealth-snapshot":  true,
	"/llmhealth-monitor":   true,
	"/access-log-stats":    true,
	"/v1/models":           true,
	"/favicon.ico":         true,
	"/metrics":             true,
	"/v1/chat/completions": true,
}

func routeLabel(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "proxy"
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
