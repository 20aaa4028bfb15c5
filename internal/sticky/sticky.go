// Package sticky binds a client identity to the backend that last served it
// for a given model, so follow-up requests land on a warm KV cache.
//
// Bindings are keyed by (ident, model) where ident is a username when one
// could be extracted from the request, else the client IP. Values carry the
// server name, not a URL; callers resolve names through the registry.
//
// One exclusivity rule is enforced on update: a (model, server) pair belongs
// to at most one ident. When ident A claims a server for a model, any other
// ident's binding to that same (model, server) pair is dropped, so two
// chatty clients cannot both stick to the one warm instance.
//
// Two implementations are provided: MemoryStore for single-instance
// deployments and RedisStore for sharing affinity across balancer replicas.
package sticky

import (
	"sync"
	"time"
)

// DefaultTTL is how long a binding stays valid without being refreshed.
const DefaultTTL = 3 * time.Minute

// Entry is one binding, as exposed in the monitoring snapshot.
type Entry struct {
	Ident     string    `json:"ident"`
	Model     string    `json:"model"`
	Server    string    `json:"backend"`
	UpdatedAt time.Time `json:"-"`
}

// Store is the affinity table.
type Store interface {
	// Get returns the server name bound to (ident, model), if a live
	// binding exists. Expired bindings read as absent.
	Get(ident, model string) (server string, ok bool)

	// Update binds (ident, model) to server, refreshing the TTL and
	// enforcing (model, server) exclusivity.
	Update(ident, server, model string)

	// Cleanup drops expired bindings.
	Cleanup()

	// Snapshot returns all live bindings.
	Snapshot() []Entry

	// Len returns the number of live bindings.
	Len() int
}

type memKey struct {
	ident string
	model string
}

type memValue struct {
	server    string
	updatedAt time.Time
}

// MemoryStore is the in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[memKey]memValue

	// now is swappable in tests.
	now func() time.Time
}

// NewMemoryStore creates a MemoryStore. A zero or negative ttl uses
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl: ttl,
		m:   make(map[memKey]memValue),
		now: time.Now,
	}
}

// Get implements Store. An expired binding is removed on read.
func (s *MemoryStore) Get(ident, model string) (string, bool) {
	key := memKey{ident: ident, model: model}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.m[key]
	if !ok {
		return "", false
	}
	if s.now().Sub(v.updatedAt) > s.ttl {
		delete(s.m, key)
		return "", false
	}
	return v.server, true
}

// Update implements Store.
func (s *MemoryStore) Update(ident, server, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.m {
		if k.model == model && v.server == server && k.ident != ident {
			delete(s.m, k)
		}
	}
	s.m[memKey{ident: ident, model: model}] = memValue{
		server:    server,
		updatedAt: s.now(),
	}
}

// Cleanup implements Store.
func (s *MemoryStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if now.Sub(v.updatedAt) > s.ttl {
			delete(s.m, k)
		}
	}
}

// Snapshot implements Store. Entries are live at the time of the call;
// expired ones are skipped without being removed.
func (s *MemoryStore) Snapshot() []Entry {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.m))
	for k, v := range s.m {
		if now.Sub(v.updatedAt) > s.ttl {
			continue
		}
		out = append(out, Entry{
			Ident:     k.ident,
			Model:     k.model,
			Server:    v.server,
			UpdatedAt: v.updatedAt,
		})
	}
	return out
}

// Len implements Store.
func (s *MemoryStore) Len() int {
	return len(s.Snapshot())
}
