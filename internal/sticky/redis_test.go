package sticky

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(context.Background(), client, time.Minute, nil), mr
}

func TestRedisGetUpdateRoundtrip(t *testing.T) {
	s, _ := newRedisStore(t)

	if _, ok := s.Get("alice", "llama3"); ok {
		t.Fatal("Get on empty store returned a binding")
	}

	s.Update("alice", "gpu-1", "llama3")
	server, ok := s.Get("alice", "llama3")
	if !ok || server != "gpu-1" {
		t.Fatalf("Get = (%q, %v), want (gpu-1, true)", server, ok)
	}
}

func TestRedisExclusivityPerModelServer(t *testing.T) {
	s, _ := newRedisStore(t)

	s.Update("alice", "gpu-1", "llama3")
	s.Update("bob", "gpu-1", "llama3")

	if _, ok := s.Get("alice", "llama3"); ok {
		t.Fatal("alice kept the binding after bob claimed the same (model, server)")
	}
	if server, ok := s.Get("bob", "llama3"); !ok || server != "gpu-1" {
		t.Fatalf("bob's binding = (%q, %v), want (gpu-1, true)", server, ok)
	}
}

func TestRedisRebindDoesNotClobberMovedEntry(t *testing.T) {
	s, _ := newRedisStore(t)

	// alice moves from gpu-1 to gpu-2; the stale owner key for gpu-1 must
	// not let bob's claim of gpu-1 delete alice's new binding.
	s.Update("alice", "gpu-1", "llama3")
	s.Update("alice", "gpu-2", "llama3")
	s.Update("bob", "gpu-1", "llama3")

	if server, ok := s.Get("alice", "llama3"); !ok || server != "gpu-2" {
		t.Fatalf("alice's binding = (%q, %v), want (gpu-2, true)", server, ok)
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	s, mr := newRedisStore(t)

	s.Update("alice", "gpu-1", "llama3")
	mr.FastForward(time.Minute + time.Second)

	if _, ok := s.Get("alice", "llama3"); ok {
		t.Fatal("expired binding still readable")
	}
}

func TestRedisSnapshot(t *testing.T) {
	s, _ := newRedisStore(t)

	s.Update("alice", "gpu-1", "llama3")
	s.Update("bob", "gpu-2", "qwen")

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot = %+v, want 2 entries", snap)
	}
	seen := make(map[string]Entry)
	for _, e := range snap {
		seen[e.Ident] = e
	}
	if e := seen["alice"]; e.Model != "llama3" || e.Server != "gpu-1" {
		t.Fatalf("alice entry = %+v", e)
	}
	if e := seen["bob"]; e.Model != "qwen" || e.Server != "gpu-2" {
		t.Fatalf("bob entry = %+v", e)
	}
}
