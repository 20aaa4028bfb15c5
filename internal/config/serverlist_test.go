package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeServerList(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server-list.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestLoadRegistryFull(t *testing.T) {
	path := writeServerList(t, `{
		"servers": {
			"gpu-a": {"addr": "http://10.0.0.1/", "health-port": 8080, "model-port": 8081, "request-max": 4},
			"gpu-b": {"addr": "http://10.0.0.2", "health-port": 8080, "model-port": 8081}
		},
		"models": {
			"llama3.*": ["gpu-a", "gpu-b"],
			"qwen.*":   ["gpu-b"]
		},
		"fallback_server": "gpu-b"
	}`)

	reg, err := LoadRegistry(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	if got := reg.Names(); len(got) != 2 || got[0] != "gpu-a" || got[1] != "gpu-b" {
		t.Fatalf("Names = %v", got)
	}

	a, ok := reg.Server("gpu-a")
	if !ok {
		t.Fatal("gpu-a missing")
	}
	if a.Addr != "http://10.0.0.1" {
		t.Fatalf("addr = %q, want trailing slash stripped", a.Addr)
	}
	if a.RequestMax != 4 {
		t.Fatalf("request max = %d, want 4", a.RequestMax)
	}
	if got := a.HealthBase(); got != "http://10.0.0.1:8080" {
		t.Fatalf("health base = %q", got)
	}

	if got := reg.ServersForModel("llama3-8b"); len(got) != 2 || got[0] != "gpu-a" {
		t.Fatalf("ServersForModel(llama3-8b) = %v", got)
	}
	if got := reg.ServersForModel("mistral"); got != nil {
		t.Fatalf("ServersForModel(mistral) = %v, want nil", got)
	}

	if got := reg.FallbackBackend(); got != "http://10.0.0.2:8081" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestLoadRegistryAnchorsPatterns(t *testing.T) {
	path := writeServerList(t, `{
		"servers": {"gpu-a": {"addr": "http://10.0.0.1", "health-port": 8080, "model-port": 8081}},
		"models": {"llama3": ["gpu-a"]}
	}`)

	reg, err := LoadRegistry(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.ServersForModel("llama3"); len(got) != 1 {
		t.Fatalf("exact match failed: %v", got)
	}
	if got := reg.ServersForModel("llama3-vision"); got != nil {
		t.Fatalf("unanchored match leaked: %v", got)
	}
}

func TestLoadRegistrySkipsMalformedEntries(t *testing.T) {
	path := writeServerList(t, `{
		"servers": {
			"good":     {"addr": "http://10.0.0.1", "health-port": 8080, "model-port": 8081},
			"no-addr":  {"health-port": 8080, "model-port": 8081},
			"bad-port": {"addr": "http://10.0.0.3", "health-port": 0, "model-port": 8081}
		},
		"models": {
			"llama3.*":  ["good", "ghost"],
			"qwen.*":    ["ghost"],
			"broken(.*": ["good"]
		}
	}`)

	reg, err := LoadRegistry(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	if got := reg.Names(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("Names = %v, want only good", got)
	}
	// Unknown servers are filtered from the rule; rules left empty or
	// uncompilable are dropped entirely.
	if got := reg.ServersForModel("llama3-8b"); len(got) != 1 || got[0] != "good" {
		t.Fatalf("ServersForModel = %v", got)
	}
	if got := reg.ServersForModel("qwen-7b"); got != nil {
		t.Fatalf("empty rule survived: %v", got)
	}
	if got := len(reg.Rules()); got != 1 {
		t.Fatalf("rules = %d, want 1", got)
	}
}

func TestLoadRegistryIsRepeatable(t *testing.T) {
	path := writeServerList(t, `{
		"servers": {"gpu-a": {"addr": "http://10.0.0.1", "health-port": 8080, "model-port": 8081}},
		"models": {"llama3.*": ["gpu-a"]}
	}`)

	first, err := LoadRegistry(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadRegistry(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Names()) != len(second.Names()) || first.FallbackBackend() != second.FallbackBackend() {
		t.Fatal("two loads of the same file disagree")
	}
}

func TestLoadRegistryModelsOnlyFile(t *testing.T) {
	// A rules-only file (no server catalog) cannot resolve any server, so
	// every rule is dropped and the registry stays empty.
	path := writeServerList(t, `{
		"models": {"llama3.*": ["gpu-a"]}
	}`)

	reg, err := LoadRegistry(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.Names(); len(got) != 0 {
		t.Fatalf("Names = %v, want empty", got)
	}
	if got := len(reg.Rules()); got != 0 {
		t.Fatalf("rules = %d, want 0", got)
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	reg, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.json"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.Names(); len(got) != 0 {
		t.Fatalf("Names = %v, want empty", got)
	}
	if got := reg.FallbackBackend(); got != "" {
		t.Fatalf("fallback = %q, want empty", got)
	}
}

func TestLoadRegistryGarbageFile(t *testing.T) {
	path := writeServerList(t, `{"servers": [not json`)
	reg, err := LoadRegistry(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := reg.Names(); len(got) != 0 {
		t.Fatalf("Names = %v, want empty", got)
	}
}
