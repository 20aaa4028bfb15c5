// Package health polls each backend's /llmhealth endpoint and keeps a short
// observation window per backend.
//
// Backends answer either plain text ("idle" / "busy") or a JSON object with
// a "status" field and an optional "gpu_util_max5s" number. Every probe is
// reduced to a ternary sample: idle, busy, or invalid (unreachable, timed
// out, or unparseable JSON). Consumers read a conservative collapse of the
// window: any invalid sample makes the backend invalid, any busy sample
// makes it busy, and an empty window also reads busy so a backend never
// receives traffic before it has been observed.
package health

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llama-balancer/internal/metrics"
)

const (
	// WindowSize is the number of samples kept per backend. At one sample
	// per second this is a five-second observation window.
	WindowSize = 5

	sampleInterval      = time.Second
	probeConnectTimeout = 5 * time.Second
	probeReadTimeout    = 2 * time.Second
)

// Sample is one probe observation.
type Sample int8

const (
	SampleIdle    Sample = 0
	SampleBusy    Sample = 1
	SampleInvalid Sample = -1
)

// Status is the collapsed window state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusInvalid Status = "invalid"
)

// Metrics is the last raw probe result for one backend, kept for the
// monitoring snapshot.
type Metrics struct {
	Status       Status   `json:"status"`
	GPUUtilMax5s *float64 `json:"gpu_util_max5s"`
	UpdatedAt    string   `json:"updated_at"`
	URL          string   `json:"url"`
}

// Monitor polls all configured backends once per second.
//
// The bases func is called at the top of every cycle so catalog changes are
// picked up without restarting the monitor.
type Monitor struct {
	mu      sync.Mutex
	windows map[string][]Sample
	last    map[string]Metrics

	bases   func() []string
	client  *fasthttp.Client
	log     *slog.Logger
	metrics *metrics.Registry

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMonitor creates a Monitor. Call Start to begin polling.
// met may be nil.
func NewMonitor(bases func() []string, log *slog.Logger, met *metrics.Registry) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		windows: make(map[string][]Sample),
		last:    make(map[string]Metrics),
		bases:   bases,
		client: &fasthttp.Client{
			ReadTimeout: probeReadTimeout,
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, probeConnectTimeout)
			},
		},
		log:     log,
		metrics: met,
		done:    make(chan struct{}),
	}
}

// Start launches the polling loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Close stops the polling loop and waits for it to exit.
func (m *Monitor) Close() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

// ConservativeStatus collapses the window for base. An unknown or empty
// window reads busy, never idle.
func (m *Monitor) ConservativeStatus(base string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.windows[base]
	if len(window) == 0 {
		return StatusBusy
	}
	busy := false
	for _, s := range window {
		switch {
		case s == SampleInvalid:
			return StatusInvalid
		case s >= SampleBusy:
			busy = true
		}
	}
	if busy {
		return StatusBusy
	}
	return StatusIdle
}

// SnapshotMetrics returns the last probe result for each requested base.
// Bases that have never been probed map to nil.
func (m *Monitor) SnapshotMetrics(bases []string) map[string]*Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*Metrics, len(bases))
	for _, b := range bases {
		if last, ok := m.last[b]; ok {
			cp := last
			out[b] = &cp
		} else {
			out[b] = nil
		}
	}
	return out
}

// record appends one sample and refreshes the last-metrics entry under a
// single lock acquisition.
func (m *Monitor) record(base string, s Sample, util *float64, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.windows[base]
	if len(window) == WindowSize {
		copy(window, window[1:])
		window = window[:WindowSize-1]
	}
	m.windows[base] = append(window, s)

	status := StatusBusy
	switch s {
	case SampleInvalid:
		status = StatusInvalid
	case SampleIdle:
		status = StatusIdle
	}
	m.last[base] = Metrics{
		Status:       status,
		GPUUtilMax5s: util,
		UpdatedAt:    isoUTC(time.Now()),
		URL:          url,
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	for {
		bases := m.bases()
		if len(bases) == 0 {
			if !m.sleep(sampleInterval) {
				return
			}
			continue
		}

		started := time.Now()
		for _, base := range bases {
			m.probeOne(base)
		}

		// Drift compensation: probe time counts against the cadence.
		rest := sampleInterval - time.Since(started)
		if rest < 0 {
			rest = 0
		}
		if !m.sleep(rest) {
			return
		}
	}
}

// sleep waits for d or until Close. Returns false when closing.
func (m *Monitor) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-m.done:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.done:
		return false
	}
}

func (m *Monitor) probeOne(base string) {
	url := strings.TrimRight(base, "/") + "/llmhealth"

	sample, util, err := m.probe(url)
	if err != nil {
		sample, util = SampleInvalid, nil
		m.log.Debug("health probe failed",
			slog.String("base", base),
			slog.String("error", err.Error()),
		)
	}
	if m.metrics != nil {
		m.metrics.RecordHealthProbe(base, string(sampleStatus(sample)))
	}
	m.record(base, sample, util, url)
}

// probe issues one GET and interprets the response body. Any transport
// error or undecodable JSON body surfaces as an error (an invalid sample);
// the HTTP status code itself is not inspected.
func (m *Monitor) probe(url string) (Sample, *float64, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := m.client.Do(req, resp); err != nil {
		return SampleInvalid, nil, err
	}

	body := resp.Body()
	if !strings.HasPrefix(string(resp.Header.ContentType()), "application/json") {
		return interpretHealthText(string(body)), nil, nil
	}

	if !gjson.ValidBytes(body) {
		return SampleInvalid, nil, errBadJSON
	}
	parsed := gjson.ParseBytes(body)

	sample := interpretHealthText(string(body))
	if parsed.IsObject() {
		if s := parsed.Get("status"); s.Type == gjson.String {
			sample = interpretHealthText(s.Str)
		}
		if u := parsed.Get("gpu_util_max5s"); u.Type == gjson.Number {
			v := u.Num
			return sample, &v, nil
		}
	}
	return sample, nil, nil
}

var errBadJSON = errors.New("undecodable JSON health body")

// interpretHealthText maps a status string to a sample. Unknown values read
// busy, never idle.
func interpretHealthText(text string) Sample {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "idle":
		return SampleIdle
	case "busy":
		return SampleBusy
	default:
		return SampleBusy
	}
}

func sampleStatus(s Sample) Status {
	switch s {
	case SampleInvalid:
		return StatusInvalid
	case SampleIdle:
		return StatusIdle
	default:
		return StatusBusy
	}
}

// isoUTC formats t the way the monitoring consumers expect:
// RFC 3339 with microseconds and a "Z" suffix.
func isoUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}
