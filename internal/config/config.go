// Package config loads runtime settings and the server catalog.
//
// Process settings come from environment variables (preferred for
// containers), optionally seeded from a .env file. The server catalog and
// routing rules live in a separate JSON file (SERVER_LIST_JSON, default
// "server-list.json") so operators can edit the fleet without touching the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Settings is the process-level configuration container.
type Settings struct {
	// Port is the TCP port the HTTP server listens on. Default: 18000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// ServerListPath is the JSON file holding the server catalog and
	// routing rules. Default: "server-list.json".
	ServerListPath string

	// StickyStore selects the affinity table backend:
	//   "memory" — in-process table, not shared across replicas. Default.
	//   "redis"  — Redis-backed table (requires REDIS_URL).
	StickyStore string

	// Redis holds the connection URL for the Redis-backed sticky store.
	// Required only when StickyStore is "redis".
	Redis RedisConfig

	// ClickHouse configures the optional access log analytics sink. The
	// sink is enabled when Addr is non-empty.
	ClickHouse ClickHouseConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink connection settings.
type ClickHouseConfig struct {
	// Addr lists clickhouse native-protocol addresses, comma separated in
	// CLICKHOUSE_ADDR. Empty disables the sink.
	Addr     []string
	Database string
	Username string
	Password string
	// Table overrides the destination table name.
	Table string
}

// Load reads settings from environment variables, seeded from .env when
// present.
func Load() (*Settings, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 18000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVER_LIST_JSON", "server-list.json")
	v.SetDefault("STICKY_STORE", "memory")

	cfg := &Settings{
		Port:           v.GetInt("PORT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		ServerListPath: v.GetString("SERVER_LIST_JSON"),
		StickyStore:    strings.ToLower(v.GetString("STICKY_STORE")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     splitNonEmpty(v.GetString("CLICKHOUSE_ADDR")),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
			Table:    v.GetString("CLICKHOUSE_TABLE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Settings) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.StickyStore {
	case "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid STICKY_STORE %q; must be one of: memory, redis",
			c.StickyStore,
		)
	}

	if c.StickyStore == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STICKY_STORE=redis; " +
				"set STICKY_STORE=memory to use the built-in in-process table",
		)
	}

	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
