// Package selector picks the backend (and, when replicas exist, the
// concrete model instance) for one chat request.
//
// Candidates come from the first routing rule matching the requested model,
// in the rule's configured server order. A live sticky binding short-circuits
// the walk when its server is still a candidate, reachable, and under its
// request cap. Otherwise each candidate is screened (health, cap, instance
// availability) and the first one passing a load tier wins:
//
//  1. the whole backend is idle and no instance has work: dispatch the
//     requested model name as-is
//  2. some instance of the model is idle: dispatch that instance
//  3. the backend is idle even though every instance has work: dispatch the
//     requested name and let the backend queue it
//
// When every candidate is screened out, the first candidate is returned
// anyway: queueing on a busy backend beats failing the request. This final
// resort ignores the request cap on purpose.
package selector

import (
	"log/slog"
	"strings"

	"github.com/nulpointcorp/llama-balancer/internal/health"
	"github.com/nulpointcorp/llama-balancer/internal/inflight"
	"github.com/nulpointcorp/llama-balancer/internal/registry"
	"github.com/nulpointcorp/llama-balancer/internal/sticky"
)

// Ranking suffixes are advisory decorations on the model name (e.g.
// "qwen3-high"). Capacity checks run against the undecorated base name; at
// most one suffix is stripped.
var rankSuffixes = []string{"-low", "-medium", "-high"}

// Outcome labels for metrics and logs.
const (
	OutcomeNoRule       = "no_rule"
	OutcomeSticky       = "sticky"
	OutcomeAllIdle      = "all_idle"
	OutcomeIdleInstance = "idle_instance"
	OutcomeIdleBackend  = "idle_backend"
	OutcomeExhausted    = "exhausted"
)

// HealthSource reports the collapsed health window for a health base URL.
type HealthSource interface {
	ConservativeStatus(base string) health.Status
}

// InstanceSource answers model-instance questions for a model base URL.
type InstanceSource interface {
	CountInstances(backend, model string) int
	InstancesInflight(backend, model string) (total int, idle []string)
}

// Result is one routing decision.
type Result struct {
	// Backend is the model base URL to dispatch to, "" when nothing is
	// configured.
	Backend string
	// Server is the catalog name behind Backend, "" when unresolvable.
	Server string
	// Model is the model name to send upstream. It differs from the
	// requested name only when a replica instance was chosen.
	Model string
	// Outcome names the tier that decided, for metrics.
	Outcome string
}

// Selector is safe for concurrent use.
type Selector struct {
	reg       *registry.Registry
	health    HealthSource
	tracker   *inflight.Tracker
	instances InstanceSource
	sticky    sticky.Store
	log       *slog.Logger
}

func New(
	reg *registry.Registry,
	hs HealthSource,
	tracker *inflight.Tracker,
	instances InstanceSource,
	st sticky.Store,
	log *slog.Logger,
) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		reg:       reg,
		health:    hs,
		tracker:   tracker,
		instances: instances,
		sticky:    st,
		log:       log,
	}
}

// Select routes one request for (ident, model).
func (s *Selector) Select(ident, model string) Result {
	names := s.reg.ServersForModel(model)
	if len(names) == 0 {
		return s.fallback(model, OutcomeNoRule)
	}

	// Resolve candidates up front; rules may reference servers that have
	// since left the catalog.
	type candidate struct {
		name string
		cfg  *registry.Server
	}
	candidates := make([]candidate, 0, len(names))
	for _, name := range names {
		if cfg, ok := s.reg.Server(name); ok {
			candidates = append(candidates, candidate{name: name, cfg: cfg})
		}
	}
	if len(candidates) == 0 {
		return s.fallback(model, OutcomeNoRule)
	}

	// Sticky short-circuit.
	if name, ok := s.sticky.Get(ident, model); ok && contains(names, name) {
		if cfg, ok := s.reg.Server(name); ok {
			if s.health.ConservativeStatus(cfg.HealthBase()) != health.StatusInvalid &&
				s.tracker.CanAccept(cfg.ModelBase(), model, cfg.RequestMax) {
				return Result{
					Backend: cfg.ModelBase(),
					Server:  name,
					Model:   model,
					Outcome: OutcomeSticky,
				}
			}
		}
	}

	base := stripRankSuffix(model)

	for _, c := range candidates {
		mbase := c.cfg.ModelBase()

		status := s.health.ConservativeStatus(c.cfg.HealthBase())
		if status == health.StatusInvalid {
			continue
		}
		if !s.tracker.CanAccept(mbase, base, c.cfg.RequestMax) {
			continue
		}
		if s.instances.CountInstances(mbase, base) == 0 {
			continue
		}

		total, idle := s.instances.InstancesInflight(mbase, base)

		if total == 0 && status == health.StatusIdle {
			return Result{Backend: mbase, Server: c.name, Model: model, Outcome: OutcomeAllIdle}
		}
		if len(idle) > 0 {
			return Result{Backend: mbase, Server: c.name, Model: idle[0], Outcome: OutcomeIdleInstance}
		}
		if status == health.StatusIdle {
			return Result{Backend: mbase, Server: c.name, Model: model, Outcome: OutcomeIdleBackend}
		}
	}

	// Everyone is busy, capped, or missing the model: queue on the first
	// candidate regardless.
	first := candidates[0]
	return Result{
		Backend: first.cfg.ModelBase(),
		Server:  first.name,
		Model:   model,
		Outcome: OutcomeExhausted,
	}
}

func (s *Selector) fallback(model, outcome string) Result {
	backend := s.reg.FallbackBackend()
	server := ""
	if cfg, ok := s.reg.ServerByModelBase(backend); ok {
		server = cfg.Name
	}
	return Result{Backend: backend, Server: server, Model: model, Outcome: outcome}
}

func stripRankSuffix(model string) string {
	for _, suffix := range rankSuffixes {
		if strings.HasSuffix(model, suffix) {
			return strings.TrimSuffix(model, suffix)
		}
	}
	return model
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
