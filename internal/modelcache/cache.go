// Package modelcache caches each backend's advertised model list and derives
// replica-instance views from it.
//
// Backends may load several copies of the same model under the names
// "model", "model-2", "model-3", ... . The cache fetches GET /v1/models per
// backend with a short TTL and answers two questions for the selector: how
// many contiguous instances of a model exist, and which of them currently
// have zero in-flight requests.
//
// A failed fetch caches an empty set for the full TTL. That keeps a dead
// backend from being hammered once per request, at the cost of hiding its
// models for up to the TTL after it recovers.
package modelcache

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llama-balancer/internal/inflight"
)

const (
	// DefaultTTL is how long a fetched model set stays fresh.
	DefaultTTL = 10 * time.Second

	fetchConnectTimeout = 5 * time.Second
	fetchReadTimeout    = 2 * time.Second
)

type entry struct {
	models    map[string]struct{}
	expiresAt time.Time
}

// Cache is safe for concurrent use. Fetches run outside the lock so a slow
// backend does not stall lookups for the others.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	ttl     time.Duration
	client  *fasthttp.Client
	tracker *inflight.Tracker
}

// New creates a Cache. A zero or negative ttl uses DefaultTTL.
func New(ttl time.Duration, tracker *inflight.Tracker) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		client: &fasthttp.Client{
			ReadTimeout: fetchReadTimeout,
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, fetchConnectTimeout)
			},
		},
		tracker: tracker,
	}
}

// AvailableModels returns the model-ID set advertised by backend, fetching
// when the cached entry is missing or stale. The returned map is a copy.
func (c *Cache) AvailableModels(backend string) map[string]struct{} {
	if backend == "" {
		return map[string]struct{}{}
	}

	now := time.Now()
	c.mu.Lock()
	if e, ok := c.entries[backend]; ok && e.expiresAt.After(now) {
		out := copySet(e.models)
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	models := c.fetch(backend)

	c.mu.Lock()
	c.entries[backend] = entry{models: models, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return copySet(models)
}

// CountInstances counts the contiguous replica run for model on backend:
// the bare name plus "-2", "-3", ... until the first gap.
func (c *Cache) CountInstances(backend, model string) int {
	models := c.AvailableModels(backend)
	count := 0
	if _, ok := models[model]; ok {
		count++
	}
	for i := 2; ; i++ {
		if _, ok := models[model+"-"+strconv.Itoa(i)]; !ok {
			break
		}
		count++
	}
	return count
}

// InstancesInflight walks the instance run of model on backend in order
// (bare name first) and returns the summed in-flight count plus the
// instances that are currently idle. The walk stops at the first name
// missing from the model set, including the bare name itself.
func (c *Cache) InstancesInflight(backend, model string) (total int, idle []string) {
	models := c.AvailableModels(backend)

	candidate := model
	for i := 1; ; i++ {
		if i > 1 {
			candidate = model + "-" + strconv.Itoa(i)
		}
		if _, ok := models[candidate]; !ok {
			break
		}
		n := c.tracker.Get(backend, candidate)
		total += n
		if n == 0 {
			idle = append(idle, candidate)
		}
	}
	return total, idle
}

// fetch retrieves /v1/models from backend. Both common response shapes are
// accepted: {"data":[{"id":...}|{"name":...}|"..."]} and a bare list of the
// same element forms. Errors yield an empty set.
func (c *Cache) fetch(backend string) map[string]struct{} {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(backend, "/") + "/v1/models")
	req.Header.SetMethod(fasthttp.MethodGet)

	models := make(map[string]struct{})
	if err := c.client.Do(req, resp); err != nil {
		return models
	}
	if !strings.HasPrefix(string(resp.Header.ContentType()), "application/json") {
		return models
	}
	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return models
	}

	parsed := gjson.ParseBytes(body)
	items := parsed
	if parsed.IsObject() {
		items = parsed.Get("data")
	}
	if !items.IsArray() {
		return models
	}
	items.ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.Type == gjson.String:
			models[item.Str] = struct{}{}
		case item.IsObject():
			id := item.Get("id")
			if id.Type != gjson.String || id.Str == "" {
				id = item.Get("name")
			}
			if id.Type == gjson.String && id.Str != "" {
				models[id.Str] = struct{}{}
			}
		}
		return true
	})
	return models
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
