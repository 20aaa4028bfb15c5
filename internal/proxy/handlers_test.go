package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llama-balancer/internal/registry"
)

func TestHandleSelfHealthIdleByDefault(t *testing.T) {
	b := newTestBalancer(registry.New(nil, nil, ""))

	ctx := &fasthttp.RequestCtx{}
	b.handleSelfHealth(ctx)

	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "idle" {
		t.Fatalf("status = %v, want idle", resp["status"])
	}
	if resp["window_seconds"] != float64(5) {
		t.Fatalf("window_seconds = %v, want 5", resp["window_seconds"])
	}
	if _, ok := resp["gpu_util_max5s"]; !ok {
		t.Fatal("gpu_util_max5s missing")
	}
}

func TestHandleModelsCollapsesInstances(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(404)
			return
		}
		io.WriteString(w, `{"object":"list","data":[
			{"id":"llama3"},{"id":"llama3-2"},{"id":"llama3-3"},{"id":"qwen"}
		]}`)
	}))
	defer upstream.Close()

	b := newTestBalancer(registryForUpstream(t, upstream.URL))

	ctx := &fasthttp.RequestCtx{}
	b.handleModels(ctx)

	var resp modelList
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" {
		t.Fatalf("object = %q", resp.Object)
	}
	want := []string{"llama3", "qwen"}
	if len(resp.Data) != len(want) {
		t.Fatalf("data = %+v, want ids %v", resp.Data, want)
	}
	for i, w := range want {
		if resp.Data[i].ID != w || resp.Data[i].Object != "model" {
			t.Fatalf("data[%d] = %+v, want id %s", i, resp.Data[i], w)
		}
	}
}

func TestHandleSnapshotShape(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"llama3"}]}`)
	}))
	defer upstream.Close()

	reg := registryForUpstream(t, upstream.URL)
	b := newTestBalancer(reg)
	b.sticky.Update("alice", "test-gpu", "llama3")
	b.tracker.Inc(reg.FallbackBackend(), "llama3")
	defer b.tracker.Dec(reg.FallbackBackend(), "llama3")

	ctx := &fasthttp.RequestCtx{}
	b.handleSnapshot(ctx)

	var snap snapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatal(err)
	}

	info, ok := snap.Servers["test-gpu"]
	if !ok {
		t.Fatalf("servers = %v, want a test-gpu catalog entry", snap.Servers)
	}
	if info.ModelBase != reg.FallbackBackend() || info.HealthBase == "" {
		t.Fatalf("server info = %+v", info)
	}
	if info.RequestMax != 0 {
		t.Fatalf("request_max = %d, want omitted for uncapped", info.RequestMax)
	}
	if len(snap.Backends) != 1 {
		t.Fatalf("backends = %+v", snap.Backends)
	}
	be := snap.Backends[0]
	if be.Name != "test-gpu" {
		t.Fatalf("backend name = %q", be.Name)
	}
	// No probes have run, so the window conservatively reads busy and the
	// last raw result is null.
	if be.Status != "busy" {
		t.Fatalf("status = %q, want busy", be.Status)
	}
	if be.Last != nil {
		t.Fatalf("last = %+v, want null", be.Last)
	}
	if be.TotalInflight != 1 || be.ModelInflight["llama3"] != 1 {
		t.Fatalf("inflight = %d / %+v", be.TotalInflight, be.ModelInflight)
	}
	if be.RequestMax != nil {
		t.Fatalf("request_max = %v, want null for uncapped", be.RequestMax)
	}

	if snap.StickyCount != 1 || len(snap.Sticky) != 1 {
		t.Fatalf("sticky = %d / %+v", snap.StickyCount, snap.Sticky)
	}
	if snap.Sticky[0].Server != "test-gpu" || snap.Sticky[0].UpdatedAt == "" {
		t.Fatalf("sticky entry = %+v", snap.Sticky[0])
	}
	if snap.Now == "" {
		t.Fatal("now missing")
	}
	if got := snap.Models[".*"]; len(got) != 1 || got[0] != "test-gpu" {
		t.Fatalf("models = %v, want the routing rule map", snap.Models)
	}
}

func TestHandleAccessStatsEndpoint(t *testing.T) {
	b := newTestBalancer(registry.New(nil, nil, ""))
	b.access.Record("10.0.0.1", "llama3", "alice")

	ctx := &fasthttp.RequestCtx{}
	b.handleAccessStats(ctx)

	var stats map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["total_requests"] != float64(1) {
		t.Fatalf("total_requests = %v", stats["total_requests"])
	}
	if stats["retention_hours"] != float64(1) {
		t.Fatalf("retention_hours = %v", stats["retention_hours"])
	}
}

func TestHandleFavicon(t *testing.T) {
	b := newTestBalancer(registry.New(nil, nil, ""))

	ctx := &fasthttp.RequestCtx{}
	b.handleFavicon(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("status = %d, want 204", ctx.Response.StatusCode())
	}
}

func TestDashboardServesHTML(t *testing.T) {
	b := newTestBalancer(registry.New(nil, nil, ""))

	ctx := &fasthttp.RequestCtx{}
	b.handleDashboard(ctx)

	if ct := string(ctx.Response.Header.ContentType()); ct != "text/html; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	if len(ctx.Response.Body()) == 0 {
		t.Fatal("empty dashboard body")
	}
}
