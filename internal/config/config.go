// Package config defines the configuration of the route cache service and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ROUTED_* environment variables.
type Config struct {
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	S3         S3Config         `toml:"s3"`
	PoolSource PoolSourceConfig `toml:"pool_source"`
	Cache      CacheConfig      `toml:"cache"`
	Refresh    RefreshConfig    `toml:"refresh"`
	Search     SearchConfig     `toml:"search"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	// Chains are bootstrapped at startup instead of on first query.
	Chains   []string `toml:"chains"`
	LogLevel string   `toml:"log_level"`
}

// RedisConfig holds Redis connection parameters. Redis is the shared route
// store and carries the pool update topic.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds PostgreSQL connection parameters for the pool source.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for the snapshot
// pool source.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PoolSourceConfig selects where full pool sets are fetched from.
type PoolSourceConfig struct {
	// Kind is "postgres" or "s3".
	Kind             string   `toml:"kind"`
	BootstrapTimeout duration `toml:"bootstrap_timeout"`
	// UpdatesWSURL, when set, adds a WebSocket stream of pool update
	// envelopes alongside the Redis update topic.
	UpdatesWSURL string `toml:"updates_ws_url"`
}

// CacheConfig controls the shared route cache.
type CacheConfig struct {
	TTL       duration `toml:"ttl"`
	KeyPrefix string   `toml:"key_prefix"`
}

// RefreshConfig controls recomputation of cached routes.
type RefreshConfig struct {
	ComputeTimeout duration `toml:"compute_timeout"`
	Workers        int      `toml:"workers"`
	QueueSize      int      `toml:"queue_size"`
	// DistributedLock serializes background refreshes of a key across
	// instances through a Redis lock.
	DistributedLock bool     `toml:"distributed_lock"`
	LockTTL         duration `toml:"lock_ttl"`
}

// SearchConfig controls the isolated route search.
type SearchConfig struct {
	MaxHops   int      `toml:"max_hops"`
	MaxRoutes int      `toml:"max_routes"`
	Workers   int      `toml:"workers"`
	Timeout   duration `toml:"timeout"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// RateLimit is the number of route queries a client may issue per
	// RateWindow. Zero disables limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds operator alert channels. Alerts are sent for the event
// types listed in Events, or all of them when Events is empty.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "pool-snapshots",
			Prefix:         "pools",
			ForcePathStyle: true,
		},
		PoolSource: PoolSourceConfig{
			Kind:             "postgres",
			BootstrapTimeout: duration{30 * time.Second},
		},
		Cache: CacheConfig{
			TTL: duration{10 * time.Minute},
		},
		Refresh: RefreshConfig{
			ComputeTimeout: duration{20 * time.Second},
			Workers:        4,
			QueueSize:      256,
			LockTTL:        duration{time.Minute},
		},
		Search: SearchConfig{
			MaxHops:   3,
			MaxRoutes: 1,
			Workers:   4,
			Timeout:   duration{15 * time.Second},
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RateWindow: duration{time.Second},
		},
		Notify: NotifyConfig{
			Cooldown: duration{5 * time.Minute},
		},
		LogLevel: "info",
	}
}

var validPoolSources = map[string]bool{
	"postgres": true,
	"s3":       true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	kind := strings.ToLower(c.PoolSource.Kind)
	if !validPoolSources[kind] {
		errs = append(errs, fmt.Sprintf("pool_source: unknown kind %q (valid: postgres, s3)", c.PoolSource.Kind))
	}
	if c.PoolSource.BootstrapTimeout.Duration <= 0 {
		errs = append(errs, "pool_source: bootstrap_timeout must be positive")
	}
	if u := c.PoolSource.UpdatesWSURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Sprintf("pool_source: updates_ws_url must be a ws:// or wss:// URL, got %q", u))
	}

	if kind == "postgres" && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if kind == "s3" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Cache.TTL.Duration <= 0 {
		errs = append(errs, "cache: ttl must be positive")
	}

	if c.Refresh.ComputeTimeout.Duration <= 0 {
		errs = append(errs, "refresh: compute_timeout must be positive")
	}
	if c.Refresh.Workers < 1 {
		errs = append(errs, "refresh: workers must be >= 1")
	}
	if c.Refresh.QueueSize < 1 {
		errs = append(errs, "refresh: queue_size must be >= 1")
	}
	if c.Refresh.DistributedLock && c.Refresh.LockTTL.Duration <= 0 {
		errs = append(errs, "refresh: lock_ttl must be positive when distributed_lock is set")
	}

	if c.Search.MaxHops < 1 || c.Search.MaxHops > 3 {
		errs = append(errs, fmt.Sprintf("search: max_hops must be 1-3, got %d", c.Search.MaxHops))
	}
	if c.Search.MaxRoutes < 1 {
		errs = append(errs, "search: max_routes must be >= 1")
	}
	if c.Search.Workers < 1 {
		errs = append(errs, "search: workers must be >= 1")
	}
	if c.Search.Timeout.Duration <= 0 {
		errs = append(errs, "search: timeout must be positive")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be positive when rate_limit is set")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	for _, chain := range c.Chains {
		if strings.TrimSpace(chain) == "" {
			errs = append(errs, "chains: entries must not be empty")
			break
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
