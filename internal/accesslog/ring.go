// Package accesslog keeps a rolling in-memory window of chat requests for
// the stats endpoint, optionally teeing each record into a durable sink.
package accesslog

import (
	"sync"
	"time"
)

// DefaultRetention bounds the in-memory window.
const DefaultRetention = time.Hour

// Entry is one recorded chat request.
type Entry struct {
	IP       string
	Model    string
	Username string
	Time     time.Time
}

// Sink receives every recorded entry, e.g. for analytics storage. Record
// calls it inline, so implementations must not block.
type Sink interface {
	Log(Entry)
}

// Ring holds the last retention window of entries. Old entries are pruned
// on every insert, so memory stays proportional to request rate.
type Ring struct {
	mu        sync.Mutex
	entries   []Entry
	retention time.Duration
	sink      Sink

	now func() time.Time
}

// NewRing creates a ring with the given retention. A zero or negative
// retention uses DefaultRetention. sink may be nil.
func NewRing(retention time.Duration, sink Sink) *Ring {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ring{
		retention: retention,
		sink:      sink,
		now:       time.Now,
	}
}

// Record appends one request.
func (r *Ring) Record(ip, model, username string) {
	now := r.now().UTC()
	e := Entry{IP: ip, Model: model, Username: username, Time: now}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.prune(now)
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.Log(e)
	}
}

// prune drops entries older than the retention window. Entries are
// appended in time order, so a single scan from the front suffices.
// Callers must hold mu.
func (r *Ring) prune(now time.Time) {
	cutoff := now.Add(-r.retention)
	i := 0
	for i < len(r.entries) && r.entries[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.entries = append(r.entries[:0], r.entries[i:]...)
	}
}

// Stats is the aggregate view served by the stats endpoint.
type Stats struct {
	TotalRequests   int            `json:"total_requests"`
	UniqueIPs       int            `json:"unique_ips"`
	UniqueModels    int            `json:"unique_models"`
	UniqueUsernames int            `json:"unique_usernames"`
	IPCounts        map[string]int `json:"ip_counts"`
	ModelCounts     map[string]int `json:"model_counts"`
	UsernameCounts  map[string]int `json:"username_counts"`
	TimeSeries      map[string]int `json:"time_series"`
	RetentionHours  float64        `json:"retention_hours"`
	OldestLog       *string        `json:"oldest_log"`
	NewestLog       *string        `json:"newest_log"`
}

// Stats aggregates the current window. Usernames are only counted when the
// request carried one; time series buckets are one-minute UTC bins.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now().UTC())

	s := Stats{
		TotalRequests:  len(r.entries),
		IPCounts:       make(map[string]int),
		ModelCounts:    make(map[string]int),
		UsernameCounts: make(map[string]int),
		TimeSeries:     make(map[string]int),
		RetentionHours: r.retention.Hours(),
	}

	for _, e := range r.entries {
		s.IPCounts[e.IP]++
		s.ModelCounts[e.Model]++
		if e.Username != "" {
			s.UsernameCounts[e.Username]++
		}
		bin := e.Time.Truncate(time.Minute).Format("2006-01-02T15:04:05Z")
		s.TimeSeries[bin]++
	}

	s.UniqueIPs = len(s.IPCounts)
	s.UniqueModels = len(s.ModelCounts)
	s.UniqueUsernames = len(s.UsernameCounts)

	if len(r.entries) > 0 {
		oldest := isoZ(r.entries[0].Time)
		newest := isoZ(r.entries[len(r.entries)-1].Time)
		s.OldestLog = &oldest
		s.NewestLog = &newest
	}
	return s
}

// Len reports the current window size.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func isoZ(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}
