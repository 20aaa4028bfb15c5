package modelcache

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llama-balancer/internal/inflight"
)

func modelsServer(t *testing.T, hits *int64, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestAvailableModelsEnvelopeShape(t *testing.T) {
	srv := modelsServer(t, nil, `{"object":"list","data":[{"id":"llama3"},{"id":"llama3-2"},{"name":"qwen"},"phi4"]}`)
	defer srv.Close()

	c := New(time.Minute, inflight.NewTracker())
	models := c.AvailableModels(srv.URL)

	for _, want := range []string{"llama3", "llama3-2", "qwen", "phi4"} {
		if _, ok := models[want]; !ok {
			t.Errorf("missing model %q in %v", want, models)
		}
	}
}

func TestAvailableModelsBareListShape(t *testing.T) {
	srv := modelsServer(t, nil, `["llama3",{"id":"qwen"},{"name":"phi4"}]`)
	defer srv.Close()

	c := New(time.Minute, inflight.NewTracker())
	models := c.AvailableModels(srv.URL)

	if len(models) != 3 {
		t.Fatalf("models = %v, want 3 entries", models)
	}
}

func TestAvailableModelsCachesWithinTTL(t *testing.T) {
	var hits int64
	srv := modelsServer(t, &hits, `{"data":[{"id":"llama3"}]}`)
	defer srv.Close()

	c := New(time.Minute, inflight.NewTracker())
	c.AvailableModels(srv.URL)
	c.AvailableModels(srv.URL)
	c.AvailableModels(srv.URL)

	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Fatalf("backend fetched %d times within TTL, want 1", n)
	}
}

func TestFetchFailureCachesEmptySet(t *testing.T) {
	srv := modelsServer(t, nil, `{"data":[{"id":"llama3"}]}`)
	url := srv.URL
	srv.Close() // backend is now unreachable

	c := New(time.Minute, inflight.NewTracker())
	if models := c.AvailableModels(url); len(models) != 0 {
		t.Fatalf("models from dead backend = %v, want empty", models)
	}
	// The empty result is cached, not refetched.
	c.mu.Lock()
	e, ok := c.entries[url]
	c.mu.Unlock()
	if !ok || len(e.models) != 0 {
		t.Fatal("empty set was not cached")
	}
}

func TestCountInstancesContiguousRun(t *testing.T) {
	srv := modelsServer(t, nil, `{"data":[{"id":"llama3"},{"id":"llama3-2"},{"id":"llama3-3"},{"id":"llama3-5"}]}`)
	defer srv.Close()

	c := New(time.Minute, inflight.NewTracker())
	// llama3-5 is past the gap at -4 and does not count.
	if got := c.CountInstances(srv.URL, "llama3"); got != 3 {
		t.Fatalf("CountInstances = %d, want 3", got)
	}
	if got := c.CountInstances(srv.URL, "qwen"); got != 0 {
		t.Fatalf("CountInstances for absent model = %d, want 0", got)
	}
}

func TestInstancesInflightOrderAndTotals(t *testing.T) {
	srv := modelsServer(t, nil, `{"data":[{"id":"llama3"},{"id":"llama3-2"},{"id":"llama3-3"}]}`)
	defer srv.Close()

	tr := inflight.NewTracker()
	c := New(time.Minute, tr)

	tr.Inc(srv.URL, "llama3")
	tr.Inc(srv.URL, "llama3")
	tr.Inc(srv.URL, "llama3-3")

	total, idle := c.InstancesInflight(srv.URL, "llama3")
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(idle) != 1 || idle[0] != "llama3-2" {
		t.Fatalf("idle = %v, want [llama3-2]", idle)
	}
}

func TestInstancesInflightStopsAtMissingBareName(t *testing.T) {
	// Only the -2 replica is advertised; the walk stops immediately at the
	// missing bare name.
	srv := modelsServer(t, nil, `{"data":[{"id":"llama3-2"}]}`)
	defer srv.Close()

	c := New(time.Minute, inflight.NewTracker())
	total, idle := c.InstancesInflight(srv.URL, "llama3")
	if total != 0 || len(idle) != 0 {
		t.Fatalf("InstancesInflight = (%d, %v), want (0, [])", total, idle)
	}
}
