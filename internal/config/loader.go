package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ROUTED_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ROUTED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty).
func applyEnvOverrides(cfg *Config) {
	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ROUTED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ROUTED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ROUTED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ROUTED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ROUTED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ROUTED_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ROUTED_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ROUTED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ROUTED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ROUTED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ROUTED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ROUTED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ROUTED_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ROUTED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ROUTED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ROUTED_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ROUTED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ROUTED_S3_REGION")
	setStr(&cfg.S3.Bucket, "ROUTED_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "ROUTED_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "ROUTED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ROUTED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ROUTED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ROUTED_S3_FORCE_PATH_STYLE")

	// ── Pool source ──
	setStr(&cfg.PoolSource.Kind, "ROUTED_POOL_SOURCE_KIND")
	setDuration(&cfg.PoolSource.BootstrapTimeout, "ROUTED_POOL_SOURCE_BOOTSTRAP_TIMEOUT")
	setStr(&cfg.PoolSource.UpdatesWSURL, "ROUTED_POOL_SOURCE_UPDATES_WS_URL")

	// ── Cache ──
	setDuration(&cfg.Cache.TTL, "ROUTED_CACHE_TTL")
	setStr(&cfg.Cache.KeyPrefix, "ROUTED_CACHE_KEY_PREFIX")

	// ── Refresh ──
	setDuration(&cfg.Refresh.ComputeTimeout, "ROUTED_REFRESH_COMPUTE_TIMEOUT")
	setInt(&cfg.Refresh.Workers, "ROUTED_REFRESH_WORKERS")
	setInt(&cfg.Refresh.QueueSize, "ROUTED_REFRESH_QUEUE_SIZE")
	setBool(&cfg.Refresh.DistributedLock, "ROUTED_REFRESH_DISTRIBUTED_LOCK")
	setDuration(&cfg.Refresh.LockTTL, "ROUTED_REFRESH_LOCK_TTL")

	// ── Search ──
	setInt(&cfg.Search.MaxHops, "ROUTED_SEARCH_MAX_HOPS")
	setInt(&cfg.Search.MaxRoutes, "ROUTED_SEARCH_MAX_ROUTES")
	setInt(&cfg.Search.Workers, "ROUTED_SEARCH_WORKERS")
	setDuration(&cfg.Search.Timeout, "ROUTED_SEARCH_TIMEOUT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ROUTED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ROUTED_SERVER_PORT")
	setInt(&cfg.Server.RateLimit, "ROUTED_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ROUTED_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ROUTED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ROUTED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ROUTED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ROUTED_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "ROUTED_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStringSlice(&cfg.Chains, "ROUTED_CHAINS")
	setStr(&cfg.LogLevel, "ROUTED_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
