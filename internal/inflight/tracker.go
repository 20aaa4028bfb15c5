// Package inflight counts concurrently dispatched requests per
// (backend, model) pair.
//
// The counts drive both the per-server request-max admission check and the
// idle-instance scan in the selector. Counters are incremented just before a
// request is dispatched upstream and decremented exactly once when the
// response stream terminates, so the numbers reflect requests actually held
// open against a backend.
package inflight

import "sync"

// Tracker is safe for concurrent use. The zero count is never stored:
// a model entry is removed when its count reaches zero, keeping snapshots
// free of dead keys.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]map[string]int // backend -> model -> count
}

func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]map[string]int)}
}

// Get returns the current count for (backend, model). Empty backend or
// model reads as zero.
func (t *Tracker) Get(backend, model string) int {
	if backend == "" || model == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[backend][model]
}

// Total returns the count summed over all models of backend.
func (t *Tracker) Total(backend string) int {
	if backend == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.counts[backend] {
		total += n
	}
	return total
}

// CanAccept reports whether backend can take one more request under
// requestMax. requestMax ≤ 0 means unlimited. The cap applies to the
// backend's total across all models; model only guards against empty keys.
func (t *Tracker) CanAccept(backend, model string, requestMax int) bool {
	if backend == "" || model == "" {
		return false
	}
	if requestMax <= 0 {
		return true
	}
	return t.Total(backend) < requestMax
}

// Inc increments the count for (backend, model). No-op on empty keys.
func (t *Tracker) Inc(backend, model string) {
	if backend == "" || model == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.counts[backend]
	if m == nil {
		m = make(map[string]int)
		t.counts[backend] = m
	}
	m[model]++
}

// Dec decrements the count for (backend, model), removing the entry when it
// reaches zero. The read-check-write runs under one lock acquisition.
func (t *Tracker) Dec(backend, model string) {
	if backend == "" || model == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.counts[backend]
	if m == nil {
		return
	}
	if m[model] <= 1 {
		delete(m, model)
		if len(m) == 0 {
			delete(t.counts, backend)
		}
		return
	}
	m[model]--
}

// Snapshot returns a copy of the per-model counts for backend.
func (t *Tracker) Snapshot(backend string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts[backend]))
	for model, n := range t.counts[backend] {
		out[model] = n
	}
	return out
}
