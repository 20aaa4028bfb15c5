package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llama-balancer/internal/accesslog"
	"github.com/nulpointcorp/llama-balancer/internal/config"
	"github.com/nulpointcorp/llama-balancer/internal/gpu"
	"github.com/nulpointcorp/llama-balancer/internal/health"
	"github.com/nulpointcorp/llama-balancer/internal/inflight"
	"github.com/nulpointcorp/llama-balancer/internal/metrics"
	"github.com/nulpointcorp/llama-balancer/internal/modelcache"
	"github.com/nulpointcorp/llama-balancer/internal/proxy"
	"github.com/nulpointcorp/llama-balancer/internal/selector"
	"github.com/nulpointcorp/llama-balancer/internal/sticky"
)

// initCatalog loads the server list. A missing or broken file is not fatal:
// the balancer starts with an empty catalog and answers 503 until the file
// appears and the process is restarted.
func (a *App) initCatalog(_ context.Context) error {
	reg, err := config.LoadRegistry(a.cfg.ServerListPath, a.log)
	if err != nil {
		return fmt.Errorf("server list: %w", err)
	}
	a.reg = reg
	return nil
}

// initInfra establishes optional external connections.
// Redis is only required when STICKY_STORE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.StickyStore == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if len(a.cfg.ClickHouse.Addr) > 0 {
		sink, err := accesslog.NewClickHouseSink(a.baseCtx, accesslog.ClickHouseOptions{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
			Table:    a.cfg.ClickHouse.Table,
		}, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse sink connected", slog.Any("addr", a.cfg.ClickHouse.Addr))
	}

	return nil
}

// initServices creates the metrics registry, access log, GPU window and
// request accounting.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink accesslog.Sink
	if a.chSink != nil {
		sink = a.chSink
	}
	a.access = accesslog.NewRing(accesslog.DefaultRetention, sink)

	a.gpuMon = gpu.NewMonitor(gpu.NvidiaSMISource())
	a.gpuMon.Start()

	a.tracker = inflight.NewTracker()
	a.models = modelcache.New(modelcache.DefaultTTL, a.tracker)

	switch a.cfg.StickyStore {
	case "redis":
		a.sticky = sticky.NewRedisStore(a.baseCtx, a.rdb, sticky.DefaultTTL, a.log)
		a.log.Info("sticky store: redis (shared across replicas)")
	default:
		a.sticky = sticky.NewMemoryStore(sticky.DefaultTTL)
		a.log.Info("sticky store: memory (in-process)")
	}

	return nil
}

// initBalancer wires together the proxy with all configured subsystems.
func (a *App) initBalancer(_ context.Context) error {
	a.healthM = health.NewMonitor(a.reg.HealthBases, a.log, a.prom)
	a.healthM.Start()

	sel := selector.New(a.reg, a.healthM, a.tracker, a.models, a.sticky, a.log)

	a.balancer = proxy.New(proxy.Options{
		Registry:  a.reg,
		Health:    a.healthM,
		GPU:       a.gpuMon,
		Tracker:   a.tracker,
		Models:    a.models,
		Sticky:    a.sticky,
		Selector:  sel,
		AccessLog: a.access,
		Metrics:   a.prom,
		Logger:    a.log,
		Version:   a.version,
	})

	return nil
}
