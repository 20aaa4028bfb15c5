package sticky

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	entPrefix = "sticky:ent:" // sticky:ent:<ident>\x1f<model> -> <server>\x1f<rfc3339>
	ownPrefix = "sticky:own:" // sticky:own:<model>\x1f<server> -> <ident>

	// sep joins key parts. Idents and model names never contain the unit
	// separator, so the split is unambiguous.
	sep = "\x1f"

	queryTimeout = 500 * time.Millisecond
)

// updateScript claims (model, server) for ident atomically: it drops the
// previous owner's binding for the pair (only if that binding still points
// at this server), then writes both the binding and the owner key with a
// fresh TTL.
//
// KEYS[1] = owner key, KEYS[2] = binding key
// ARGV[1] = ident, ARGV[2] = model, ARGV[3] = ttl millis,
// ARGV[4] = binding key prefix, ARGV[5] = binding value, ARGV[6] = server
var updateScript = redis.NewScript(`
local sep = string.char(31)
local owner = redis.call('GET', KEYS[1])
if owner and owner ~= ARGV[1] then
  local oldKey = ARGV[4] .. owner .. sep .. ARGV[2]
  local old = redis.call('GET', oldKey)
  if old and string.sub(old, 1, string.len(ARGV[6]) + 1) == ARGV[6] .. sep then
    redis.call('DEL', oldKey)
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[5], 'PX', ARGV[3])
return 1
`)

// RedisStore shares the affinity table across balancer replicas. Expiry is
// delegated to Redis key TTLs; Cleanup is a no-op.
//
// All operations degrade gracefully: a Redis error reads as "no binding"
// and update failures are logged at WARN, so the balancer keeps serving
// (with weaker affinity) when Redis is down.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	ctx    context.Context
	log    *slog.Logger
}

// NewRedisStore wraps an existing client. The caller owns the client
// lifecycle. A zero or negative ttl uses DefaultTTL.
func NewRedisStore(ctx context.Context, client *redis.Client, ttl time.Duration, log *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{client: client, ttl: ttl, ctx: ctx, log: log}
}

// Get implements Store.
func (s *RedisStore) Get(ident, model string) (string, bool) {
	ctx, cancel := context.WithTimeout(s.ctx, queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, entPrefix+ident+sep+model).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("sticky redis get failed", slog.String("error", err.Error()))
		}
		return "", false
	}
	server, _, ok := strings.Cut(val, sep)
	if !ok || server == "" {
		return "", false
	}
	return server, true
}

// Update implements Store.
func (s *RedisStore) Update(ident, server, model string) {
	ctx, cancel := context.WithTimeout(s.ctx, queryTimeout)
	defer cancel()

	keys := []string{
		ownPrefix + model + sep + server,
		entPrefix + ident + sep + model,
	}
	value := server + sep + time.Now().UTC().Format(time.RFC3339Nano)
	argv := []interface{}{
		ident,
		model,
		strconv.FormatInt(s.ttl.Milliseconds(), 10),
		entPrefix,
		value,
		server,
	}
	if err := updateScript.Run(ctx, s.client, keys, argv...).Err(); err != nil {
		s.log.Warn("sticky redis update failed", slog.String("error", err.Error()))
	}
}

// Cleanup implements Store. Redis expires keys on its own.
func (s *RedisStore) Cleanup() {}

// Snapshot implements Store by scanning the binding keyspace.
func (s *RedisStore) Snapshot() []Entry {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	var out []Entry
	iter := s.client.Scan(ctx, 0, entPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ident, model, ok := strings.Cut(strings.TrimPrefix(key, entPrefix), sep)
		if !ok {
			continue
		}
		val, err := s.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		server, stamp, _ := strings.Cut(val, sep)
		updated, _ := time.Parse(time.RFC3339Nano, stamp)
		out = append(out, Entry{
			Ident:     ident,
			Model:     model,
			Server:    server,
			UpdatedAt: updated,
		})
	}
	if err := iter.Err(); err != nil {
		s.log.Warn("sticky redis scan failed", slog.String("error", err.Error()))
	}
	return out
}

// Len implements Store.
func (s *RedisStore) Len() int {
	return len(s.Snapshot())
}
