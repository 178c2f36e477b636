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
// built-in defaults, applies EXITD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXITD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.Address, "EXITD_WALLET_ADDRESS")
	setStr(&cfg.Wallet.PrivateKey, "EXITD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "EXITD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "EXITD_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "EXITD_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, "EXITD_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "EXITD_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "EXITD_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "EXITD_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "EXITD_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "EXITD_POLYMARKET_API_PASSPHRASE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EXITD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXITD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXITD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXITD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXITD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXITD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXITD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXITD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXITD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXITD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXITD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXITD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXITD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXITD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXITD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXITD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "EXITD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXITD_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXITD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXITD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXITD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXITD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXITD_S3_FORCE_PATH_STYLE")

	// ── Rate limit ──
	setFloat64(&cfg.RateLimit.RequestsPerSecond, "EXITD_RATE_LIMIT_REQUESTS_PER_SECOND")
	setInt(&cfg.RateLimit.Burst, "EXITD_RATE_LIMIT_BURST")

	// ── Monitoring ──
	setFloat64(&cfg.Monitoring.EarlyExitEdgeFloor, "EXITD_MONITORING_EARLY_EXIT_EDGE_FLOOR")
	setDuration(&cfg.Monitoring.TimeUrgentWindow, "EXITD_MONITORING_TIME_URGENT_WINDOW")
	setFloat64(&cfg.Monitoring.MaxSpread, "EXITD_MONITORING_MAX_SPREAD")
	setFloat64(&cfg.Monitoring.MinDepth, "EXITD_MONITORING_MIN_DEPTH")
	setDuration(&cfg.Monitoring.NormalInterval, "EXITD_MONITORING_NORMAL_INTERVAL")
	setDuration(&cfg.Monitoring.UrgentInterval, "EXITD_MONITORING_URGENT_INTERVAL")
	setFloat64(&cfg.Monitoring.UrgencyMargin, "EXITD_MONITORING_URGENCY_MARGIN")
	setDuration(&cfg.Monitoring.SnapshotTTL, "EXITD_MONITORING_SNAPSHOT_TTL")

	// ── Breaker ──
	setFloat64(&cfg.Breaker.MaxDailyLoss, "EXITD_BREAKER_MAX_DAILY_LOSS")
	setInt(&cfg.Breaker.MaxConsecutiveLosses, "EXITD_BREAKER_MAX_CONSECUTIVE_LOSSES")
	setDuration(&cfg.Breaker.PollInterval, "EXITD_BREAKER_POLL_INTERVAL")

	// ── Edge ──
	setStr(&cfg.Edge.Stream, "EXITD_EDGE_STREAM")
	setDuration(&cfg.Edge.MaxStale, "EXITD_EDGE_MAX_STALE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "EXITD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "EXITD_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "EXITD_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Prefix, "EXITD_ARCHIVE_PREFIX")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "EXITD_METRICS_ENABLED")
	setInt(&cfg.Metrics.Port, "EXITD_METRICS_PORT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXITD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXITD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXITD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXITD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "EXITD_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
