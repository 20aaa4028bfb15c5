// Package registry holds the immutable server catalog and routing rules.
//
// A Server describes one llama-server node: its address plus two ports,
// the health port (probed for /llmhealth) and the model port (where the
// OpenAI-compatible API is served and requests are proxied to).
//
// Routing rules map model-name regex patterns to ordered lists of server
// names. Rule order is significant: the first pattern that fully matches a
// requested model name wins.
package registry

import (
	"regexp"
	"strconv"
)

// Server is one backend node from the server catalog.
type Server struct {
	Name       string
	Addr       string // e.g. "http://192.168.1.10", no trailing slash
	HealthPort int
	ModelPort  int
	// RequestMax caps the total concurrent requests dispatched to this
	// server across all models. 0 means unlimited.
	RequestMax int
}

// HealthBase returns the base URL probed for health ("addr:health-port").
func (s *Server) HealthBase() string {
	return s.Addr + ":" + strconv.Itoa(s.HealthPort)
}

// ModelBase returns the base URL requests are proxied to ("addr:model-port").
func (s *Server) ModelBase() string {
	return s.Addr + ":" + strconv.Itoa(s.ModelPort)
}

// Rule is one routing rule: a compiled model-name pattern and the servers
// (by name, in priority order) that serve matching models.
type Rule struct {
	Pattern *regexp.Regexp
	Servers []string
	// Source is the pattern string as written in the config file.
	Source string
}

// Registry is the read-only view over the catalog. Built once at startup;
// safe for concurrent use without locking.
type Registry struct {
	servers  map[string]*Server
	order    []string
	rules    []Rule
	fallback string // model base URL, "" when none can be resolved
}

// New builds a Registry. fallbackName is resolved to that server's model
// base URL; when empty or unknown, the first server's model base is used.
func New(servers []*Server, rules []Rule, fallbackName string) *Registry {
	r := &Registry{
		servers: make(map[string]*Server, len(servers)),
		order:   make([]string, 0, len(servers)),
		rules:   rules,
	}
	for _, s := range servers {
		if s == nil || s.Name == "" {
			continue
		}
		if _, dup := r.servers[s.Name]; dup {
			continue
		}
		r.servers[s.Name] = s
		r.order = append(r.order, s.Name)
	}

	if s, ok := r.servers[fallbackName]; ok {
		r.fallback = s.ModelBase()
	} else if len(r.order) > 0 {
		r.fallback = r.servers[r.order[0]].ModelBase()
	}

	return r
}

// Server returns the named server.
func (r *Registry) Server(name string) (*Server, bool) {
	s, ok := r.servers[name]
	return s, ok
}

// Names returns server names in catalog order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// HealthBases returns the health base URLs in catalog order.
func (r *Registry) HealthBases() []string {
	out := make([]string, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.servers[n].HealthBase())
	}
	return out
}

// ModelBases returns the model base URLs in catalog order.
func (r *Registry) ModelBases() []string {
	out := make([]string, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.servers[n].ModelBase())
	}
	return out
}

// Rules returns the routing rules in document order.
func (r *Registry) Rules() []Rule {
	return r.rules
}

// ServersForModel returns the server-name list of the first rule whose
// pattern fully matches model, or nil when no rule matches.
func (r *Registry) ServersForModel(model string) []string {
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(model) {
			return rule.Servers
		}
	}
	return nil
}

// FallbackBackend returns the fallback model base URL ("" when none).
func (r *Registry) FallbackBackend() string {
	return r.fallback
}

// ServerByHealthBase resolves a health base URL back to its server.
func (r *Registry) ServerByHealthBase(base string) (*Server, bool) {
	for _, n := range r.order {
		if s := r.servers[n]; s.HealthBase() == base {
			return s, true
		}
	}
	return nil, false
}

// ServerByModelBase resolves a model base URL back to its server.
func (r *Registry) ServerByModelBase(base string) (*Server, bool) {
	for _, n := range r.order {
		if s := r.servers[n]; s.ModelBase() == base {
			return s, true
		}
	}
	return nil, false
}
