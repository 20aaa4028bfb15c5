package config

import (
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llama-balancer/internal/registry"
)

// LoadRegistry reads the server catalog file and builds the routing
// registry.
//
// The file has three top-level keys:
//
//	"servers":         { name: {addr, health-port, model-port, request-max?} }
//	"models":          { model-pattern: [server names...] }  (ordered)
//	"fallback_server": name
//
// Malformed servers and rules are skipped with a warning rather than
// failing startup, so one bad catalog entry never takes the balancer down.
// A missing file yields an empty registry; every request then falls back
// to the (nonexistent) fallback and is rejected with 503.
func LoadRegistry(path string, log *slog.Logger) (*registry.Registry, error) {
	if log == nil {
		log = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("server list not found, starting with an empty catalog",
				slog.String("path", path))
			return registry.New(nil, nil, ""), nil
		}
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		log.Warn("server list is not valid JSON, starting with an empty catalog",
			slog.String("path", path))
		return registry.New(nil, nil, ""), nil
	}

	root := gjson.ParseBytes(data)

	servers := parseServers(root.Get("servers"), log)
	known := make(map[string]bool, len(servers))
	for _, s := range servers {
		known[s.Name] = true
	}

	rules := parseRules(root.Get("models"), known, log)
	fallback := root.Get("fallback_server").String()

	log.Info("server list loaded",
		slog.String("path", path),
		slog.Int("servers", len(servers)),
		slog.Int("rules", len(rules)),
	)
	return registry.New(servers, rules, fallback), nil
}

// parseServers walks the catalog in document order.
func parseServers(node gjson.Result, log *slog.Logger) []*registry.Server {
	var out []*registry.Server
	node.ForEach(func(key, val gjson.Result) bool {
		name := key.String()

		addr := strings.TrimRight(val.Get("addr").String(), "/")
		healthPort := val.Get("health-port")
		modelPort := val.Get("model-port")
		if addr == "" || !healthPort.Exists() || !modelPort.Exists() {
			log.Warn("skipping malformed server entry", slog.String("server", name))
			return true
		}
		hp := int(healthPort.Int())
		mp := int(modelPort.Int())
		if hp < 1 || hp > 65535 || mp < 1 || mp > 65535 {
			log.Warn("skipping server with invalid ports",
				slog.String("server", name),
				slog.Int("health_port", hp),
				slog.Int("model_port", mp),
			)
			return true
		}

		s := &registry.Server{
			Name:       name,
			Addr:       addr,
			HealthPort: hp,
			ModelPort:  mp,
		}
		if rm := val.Get("request-max"); rm.Exists() && rm.Int() > 0 {
			s.RequestMax = int(rm.Int())
		}
		out = append(out, s)
		return true
	})
	return out
}

// parseRules compiles routing patterns in document order. Patterns are
// anchored so "llama3" does not also route "llama3-vision" by accident;
// write "llama3.*" for prefix matching.
func parseRules(node gjson.Result, known map[string]bool, log *slog.Logger) []registry.Rule {
	var out []registry.Rule
	node.ForEach(func(key, val gjson.Result) bool {
		source := key.String()

		re, err := regexp.Compile(`\A(?:` + source + `)\z`)
		if err != nil {
			log.Warn("skipping rule with invalid pattern",
				slog.String("pattern", source),
				slog.String("error", err.Error()),
			)
			return true
		}

		var names []string
		val.ForEach(func(_, server gjson.Result) bool {
			name := server.String()
			if known[name] {
				names = append(names, name)
			} else {
				log.Warn("rule references unknown server",
					slog.String("pattern", source),
					slog.String("server", name),
				)
			}
			return true
		})
		if len(names) == 0 {
			log.Warn("skipping rule with no usable servers", slog.String("pattern", source))
			return true
		}

		out = append(out, registry.Rule{Pattern: re, Servers: names, Source: source})
		return true
	})
	return out
}
