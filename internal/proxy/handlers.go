package proxy

import (
	"regexp"
	"sort"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llama-balancer/internal/health"
)

// instanceName matches replica-numbered model names ("llama3-2"), which are
// an internal addressing detail and hidden from the public model list.
var instanceName = regexp.MustCompile(`^.+-\d+$`)

type selfHealth struct {
	Status        health.Status `json:"status"`
	GPUUtilMax5s  float64       `json:"gpu_util_max5s"`
	WindowSeconds int           `json:"window_seconds"`
}

// handleSelfHealth reports this host's own idle/busy state from its local
// GPU utilization window, in the same shape backends report theirs.
func (b *Balancer) handleSelfHealth(ctx *fasthttp.RequestCtx) {
	gpuMax := 0.0
	if b.gpu != nil {
		gpuMax = b.gpu.Max()
	}
	status := health.StatusIdle
	if gpuMax >= selfBusyThreshold {
		status = health.StatusBusy
	}
	writeJSON(ctx, selfHealth{
		Status:        status,
		GPUUtilMax5s:  gpuMax,
		WindowSeconds: health.WindowSize,
	})
}

type backendSnapshot struct {
	Name          string          `json:"name"`
	Base          string          `json:"base"`
	Status        health.Status   `json:"status"`
	Last          *health.Metrics `json:"last"`
	TotalInflight int             `json:"total_inflight"`
	ModelInflight map[string]int  `json:"model_inflight"`
	RequestMax    any             `json:"request_max"`
}

type stickySnapshot struct {
	Ident     string `json:"ident"`
	Model     string `json:"model"`
	Server    string `json:"backend"`
	UpdatedAt string `json:"updated_at"`
}

type serverInfo struct {
	HealthBase string `json:"health_base"`
	ModelBase  string `json:"model_base"`
	RequestMax int    `json:"request_max,omitempty"`
}

type snapshot struct {
	Local       selfHealth            `json:"local"`
	Backends    []backendSnapshot     `json:"backends"`
	Servers     map[string]serverInfo `json:"servers"`
	Models      map[string][]string   `json:"models"`
	StickyCount int                   `json:"sticky_count"`
	Sticky      []stickySnapshot      `json:"sticky"`
	Now         string                `json:"now"`
}

// handleSnapshot serves the full state dump backing the dashboard: local
// health, per-backend windows and accounting, the model list and the
// affinity table.
func (b *Balancer) handleSnapshot(ctx *fasthttp.RequestCtx) {
	b.sticky.Cleanup()

	healthByBase := b.health.SnapshotMetrics(b.reg.HealthBases())

	names := b.reg.Names()
	backends := make([]backendSnapshot, 0, len(names))
	servers := make(map[string]serverInfo, len(names))
	for _, name := range names {
		cfg, ok := b.reg.Server(name)
		if !ok {
			continue
		}
		mbase := cfg.ModelBase()

		servers[name] = serverInfo{
			HealthBase: cfg.HealthBase(),
			ModelBase:  mbase,
			RequestMax: cfg.RequestMax,
		}

		var requestMax any
		if cfg.RequestMax > 0 {
			requestMax = cfg.RequestMax
		}
		backends = append(backends, backendSnapshot{
			Name:          name,
			Base:          mbase,
			Status:        b.health.ConservativeStatus(cfg.HealthBase()),
			Last:          healthByBase[cfg.HealthBase()],
			TotalInflight: b.tracker.Total(mbase),
			ModelInflight: b.tracker.Snapshot(mbase),
			RequestMax:    requestMax,
		})
	}

	rules := b.reg.Rules()
	modelsView := make(map[string][]string, len(rules))
	for _, rule := range rules {
		modelsView[rule.Source] = rule.Servers
	}

	entries := b.sticky.Snapshot()
	stickies := make([]stickySnapshot, 0, len(entries))
	for _, e := range entries {
		stickies = append(stickies, stickySnapshot{
			Ident:     e.Ident,
			Model:     e.Model,
			Server:    e.Server,
			UpdatedAt: isoZ(e.UpdatedAt),
		})
	}

	gpuMax := 0.0
	if b.gpu != nil {
		gpuMax = b.gpu.Max()
	}
	localStatus := health.StatusIdle
	if gpuMax >= selfBusyThreshold {
		localStatus = health.StatusBusy
	}

	writeJSON(ctx, snapshot{
		Local: selfHealth{
			Status:        localStatus,
			GPUUtilMax5s:  gpuMax,
			WindowSeconds: health.WindowSize,
		},
		Backends:    backends,
		Servers:     servers,
		Models:      modelsView,
		StickyCount: len(stickies),
		Sticky:      stickies,
		Now:         isoZ(time.Now()),
	})
}

type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels aggregates /v1/models across the fleet. Replica instances
// are collapsed into their base model.
func (b *Balancer) handleModels(ctx *fasthttp.RequestCtx) {
	names := b.publicModels()
	data := make([]modelEntry, 0, len(names))
	for _, n := range names {
		data = append(data, modelEntry{ID: n, Object: "model"})
	}
	writeJSON(ctx, modelList{Object: "list", Data: data})
}

// publicModels returns the sorted union of models served by the fleet,
// minus replica-numbered instances.
func (b *Balancer) publicModels() []string {
	seen := make(map[string]bool)
	for _, base := range b.reg.ModelBases() {
		for m := range b.models.AvailableModels(base) {
			if instanceName.MatchString(m) {
				continue
			}
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (b *Balancer) handleAccessStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, b.access.Stats())
}

func (b *Balancer) handleFavicon(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func isoZ(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}
