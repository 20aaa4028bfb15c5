package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 18000 {
		t.Fatalf("Port = %d, want 18000", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.ServerListPath != "server-list.json" {
		t.Fatalf("ServerListPath = %q", cfg.ServerListPath)
	}
	if cfg.StickyStore != "memory" {
		t.Fatalf("StickyStore = %q, want memory", cfg.StickyStore)
	}
	if len(cfg.ClickHouse.Addr) != 0 {
		t.Fatalf("ClickHouse.Addr = %v, want empty", cfg.ClickHouse.Addr)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "19000")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STICKY_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("CLICKHOUSE_ADDR", "ch1:9000, ch2:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 19000 {
		t.Fatalf("Port = %d, want 19000", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want lowered debug", cfg.LogLevel)
	}
	if cfg.StickyStore != "redis" {
		t.Fatalf("StickyStore = %q", cfg.StickyStore)
	}
	if len(cfg.ClickHouse.Addr) != 2 || cfg.ClickHouse.Addr[1] != "ch2:9000" {
		t.Fatalf("ClickHouse.Addr = %v", cfg.ClickHouse.Addr)
	}
}

func TestLoadRejectsRedisStoreWithoutURL(t *testing.T) {
	t.Setenv("STICKY_STORE", "redis")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for STICKY_STORE=redis without REDIS_URL")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unknown LOG_LEVEL")
	}
}
