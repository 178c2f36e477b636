// Package config defines the top-level configuration for the exit daemon and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantegy/exitd/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXITD_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Monitoring MonitoringConfig `toml:"monitoring"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Edge       EdgeConfig       `toml:"edge"`
	Archive    ArchiveConfig    `toml:"archive"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials used to sign exit orders.
type WalletConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the audit
// archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RateLimitConfig bounds outbound data-API calls. All supervisors share one
// bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// MonitoringConfig mirrors domain.MonitoringConfig in TOML form.
type MonitoringConfig struct {
	StopLossPct        map[string]float64 `toml:"stop_loss_pct"`
	ProfitTargetPct    map[string]float64 `toml:"profit_target_pct"`
	Trailing           TrailingConfig     `toml:"trailing"`
	PartialStages      []PartialStage     `toml:"partial_stages"`
	EarlyExitEdgeFloor float64            `toml:"early_exit_edge_floor"`
	TimeUrgentWindow   duration           `toml:"time_urgent_window"`
	MaxSpread          float64            `toml:"max_spread"`
	MinDepth           float64            `toml:"min_depth"`
	NormalInterval     duration           `toml:"normal_interval"`
	UrgentInterval     duration           `toml:"urgent_interval"`
	UrgencyMargin      float64            `toml:"urgency_margin"`
	SnapshotTTL        duration           `toml:"snapshot_ttl"`
}

// TrailingConfig holds trailing-stop parameters.
type TrailingConfig struct {
	ActivationPct   float64 `toml:"activation_pct"`
	InitialDistance float64 `toml:"initial_distance"`
	TighteningRate  float64 `toml:"tightening_rate"`
	FloorDistance   float64 `toml:"floor_distance"`
}

// PartialStage is one staged fractional close.
type PartialStage struct {
	Name         string  `toml:"name"`
	Threshold    float64 `toml:"threshold"`
	ExitFraction float64 `toml:"exit_fraction"`
}

// BreakerConfig holds account-level circuit breaker limits.
type BreakerConfig struct {
	MaxDailyLoss         float64  `toml:"max_daily_loss"`
	MaxConsecutiveLosses int      `toml:"max_consecutive_losses"`
	PollInterval         duration `toml:"poll_interval"`
}

// EdgeConfig points at the edge-model signal stream. When Stream is empty no
// edge-driven conditions are evaluated.
type EdgeConfig struct {
	Stream   string   `toml:"stream"`
	MaxStale duration `toml:"max_stale"`
}

// ArchiveConfig controls audit-log archival to object storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	Prefix        string   `toml:"prefix"`
}

// MetricsConfig holds the Prometheus endpoint parameters.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "exitd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "exitd-audit",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Monitoring: MonitoringConfig{
			StopLossPct: map[string]float64{
				"low":    -0.08,
				"medium": -0.12,
				"high":   -0.18,
			},
			ProfitTargetPct: map[string]float64{
				"low":    0.15,
				"medium": 0.25,
				"high":   0.40,
			},
			Trailing: TrailingConfig{
				ActivationPct:   0.10,
				InitialDistance: 0.05,
				TighteningRate:  0.10,
				FloorDistance:   0.015,
			},
			PartialStages: []PartialStage{
				{Name: "first", Threshold: 0.15, ExitFraction: 0.50},
				{Name: "second", Threshold: 0.25, ExitFraction: 0.25},
			},
			EarlyExitEdgeFloor: 0.02,
			TimeUrgentWindow:   duration{4 * time.Hour},
			MaxSpread:          0.05,
			MinDepth:           100,
			NormalInterval:     duration{30 * time.Second},
			UrgentInterval:     duration{5 * time.Second},
			UrgencyMargin:      0.02,
			SnapshotTTL:        duration{2 * time.Second},
		},
		Breaker: BreakerConfig{
			MaxDailyLoss:         -500,
			MaxConsecutiveLosses: 5,
			PollInterval:         duration{time.Minute},
		},
		Edge: EdgeConfig{
			Stream:   "signals:edge",
			MaxStale: duration{10 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			Prefix:        "audit",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Notify: NotifyConfig{
			Events: []string{"exit_triggered", "position_closed", "breaker_tripped", "error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Monitoring returns the validated domain monitoring config derived from the
// TOML section. Unknown confidence tiers are rejected.
func (c *Config) DomainMonitoring() (domain.MonitoringConfig, error) {
	stop := make(map[domain.Confidence]float64, len(c.Monitoring.StopLossPct))
	for tier, v := range c.Monitoring.StopLossPct {
		ct, err := domain.ParseConfidence(tier)
		if err != nil {
			return domain.MonitoringConfig{}, fmt.Errorf("monitoring: stop_loss_pct: %w", err)
		}
		stop[ct] = v
	}
	target := make(map[domain.Confidence]float64, len(c.Monitoring.ProfitTargetPct))
	for tier, v := range c.Monitoring.ProfitTargetPct {
		ct, err := domain.ParseConfidence(tier)
		if err != nil {
			return domain.MonitoringConfig{}, fmt.Errorf("monitoring: profit_target_pct: %w", err)
		}
		target[ct] = v
	}

	stages := make([]domain.PartialStage, len(c.Monitoring.PartialStages))
	for i, st := range c.Monitoring.PartialStages {
		stages[i] = domain.PartialStage{
			Name:         st.Name,
			Threshold:    st.Threshold,
			ExitFraction: st.ExitFraction,
		}
	}

	mc := domain.MonitoringConfig{
		StopLossPct:     stop,
		ProfitTargetPct: target,
		Trailing: domain.TrailingConfig{
			ActivationPct:   c.Monitoring.Trailing.ActivationPct,
			InitialDistance: c.Monitoring.Trailing.InitialDistance,
			TighteningRate:  c.Monitoring.Trailing.TighteningRate,
			FloorDistance:   c.Monitoring.Trailing.FloorDistance,
		},
		PartialStages:      stages,
		EarlyExitEdgeFloor: c.Monitoring.EarlyExitEdgeFloor,
		TimeUrgentWindow:   c.Monitoring.TimeUrgentWindow.Duration,
		MaxSpread:          c.Monitoring.MaxSpread,
		MinDepth:           c.Monitoring.MinDepth,
		NormalInterval:     c.Monitoring.NormalInterval.Duration,
		UrgentInterval:     c.Monitoring.UrgentInterval.Duration,
		UrgencyMargin:      c.Monitoring.UrgencyMargin,
		SnapshotTTL:        c.Monitoring.SnapshotTTL.Duration,
	}
	if err := mc.Validate(); err != nil {
		return domain.MonitoringConfig{}, err
	}
	return mc, nil
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: one credential source must be specified.
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 1 (EOA) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}
	ak := c.Polymarket.ApiKey != ""
	as := c.Polymarket.ApiSecret != ""
	ap := c.Polymarket.ApiPassphrase != ""
	if ak || as || ap {
		if !(ak && as && ap) {
			errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
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
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3: only when archival is enabled.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	// Rate limit
	if c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, "rate_limit: requests_per_second must be > 0")
	}
	if c.RateLimit.Burst < 1 {
		errs = append(errs, "rate_limit: burst must be >= 1")
	}

	// Monitoring: delegate to the domain validator for threshold ordering.
	if _, err := c.DomainMonitoring(); err != nil {
		errs = append(errs, err.Error())
	}

	// Breaker
	if c.Breaker.MaxDailyLoss >= 0 {
		errs = append(errs, "breaker: max_daily_loss must be negative")
	}
	if c.Breaker.MaxConsecutiveLosses < 1 {
		errs = append(errs, "breaker: max_consecutive_losses must be >= 1")
	}
	if c.Breaker.PollInterval.Duration <= 0 {
		errs = append(errs, "breaker: poll_interval must be positive")
	}

	// Metrics
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, fmt.Sprintf("metrics: port must be 1-65535, got %d", c.Metrics.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
