// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initCatalog  — server list and routing rules
//  2. initInfra    — external connections (Redis, ClickHouse when configured)
//  3. initServices — metrics, access log, GPU window, accounting
//  4. initBalancer — health monitor, selector, proxy
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llama-balancer/internal/accesslog"
	"github.com/nulpointcorp/llama-balancer/internal/config"
	"github.com/nulpointcorp/llama-balancer/internal/gpu"
	"github.com/nulpointcorp/llama-balancer/internal/health"
	"github.com/nulpointcorp/llama-balancer/internal/inflight"
	"github.com/nulpointcorp/llama-balancer/internal/metrics"
	"github.com/nulpointcorp/llama-balancer/internal/modelcache"
	"github.com/nulpointcorp/llama-balancer/internal/proxy"
	"github.com/nulpointcorp/llama-balancer/internal/registry"
	"github.com/nulpointcorp/llama-balancer/internal/sticky"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Settings
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *accesslog.ClickHouseSink

	reg     *registry.Registry
	prom    *metrics.Registry
	access  *accesslog.Ring
	gpuMon  *gpu.Monitor
	tracker *inflight.Tracker
	models  *modelcache.Cache
	sticky  sticky.Store
	healthM *health.Monitor

	balancer *proxy.Balancer

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Settings, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"catalog", a.initCatalog},
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"balancer", a.initBalancer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting balancer",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("servers", len(a.reg.Names())),
		slog.String("sticky_store", a.cfg.StickyStore),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.balancer.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.healthM != nil {
			a.healthM.Close()
		}
		if a.gpuMon != nil {
			a.gpuMon.Close()
		}
		if a.chSink != nil {
			if err := a.chSink.Close(); err != nil {
				a.log.Error("clickhouse close error", slog.String("error", err.Error()))
			}
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
