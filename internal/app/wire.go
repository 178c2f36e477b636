package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/quantegy/exitd/internal/blob/s3"
	"github.com/quantegy/exitd/internal/breaker"
	"github.com/quantegy/exitd/internal/cache/redis"
	"github.com/quantegy/exitd/internal/config"
	"github.com/quantegy/exitd/internal/crypto"
	"github.com/quantegy/exitd/internal/domain"
	"github.com/quantegy/exitd/internal/edge"
	"github.com/quantegy/exitd/internal/executor"
	"github.com/quantegy/exitd/internal/gateway/polymarket"
	"github.com/quantegy/exitd/internal/notify"
	"github.com/quantegy/exitd/internal/pricecache"
	"github.com/quantegy/exitd/internal/ratelimit"
	"github.com/quantegy/exitd/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the daemon needs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Persistence
	Positions domain.PositionStore
	Audit     domain.AuditStore
	Accounts  domain.AccountFeed

	// Redis
	SignalBus domain.SignalBus
	Locks     domain.LockManager

	// Market access
	Gateway *polymarket.Client
	Feed    *polymarket.Feed
	Cache   domain.SnapshotCache
	Limiter domain.RateLimiter

	// Monitoring collaborators. Edges is nil when no edge stream is
	// configured; Archiver is nil when archival is disabled.
	Edges    *edge.StreamModel
	Breaker  *breaker.Breaker
	Executor *executor.Executor
	Notifier *notify.Notifier
	Archiver *s3blob.Archiver
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Accounts = postgres.NewAccountFeed(pool, cfg.Wallet.Address)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)

	// --- Signing and CLOB gateway ---
	privateKey, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: load signing key: %w", err)
	}
	signer, err := crypto.NewSigner(privateKey, cfg.Polymarket.ChainID)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: signer: %w", err)
	}

	var hmacAuth *crypto.HMACAuth
	if cfg.Polymarket.ApiKey != "" {
		hmacAuth = &crypto.HMACAuth{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
	}
	gateway := polymarket.NewClient(cfg.Polymarket.ClobHost, signer, hmacAuth, cfg.Polymarket.SignatureType)
	if hmacAuth == nil {
		// No API credentials in config: derive them from the signing key.
		if err := gateway.DeriveAPIKey(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: derive api key: %w", err)
		}
	}
	deps.Gateway = gateway

	// --- Market data ---
	deps.Limiter = ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	monCfg, err := cfg.DomainMonitoring()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: monitoring config: %w", err)
	}
	deps.Cache = pricecache.New(gateway, deps.Limiter, monCfg.SnapshotTTL, logger)
	deps.Feed = polymarket.NewFeed(cfg.Polymarket.WsHost, deps.Cache, logger)

	// --- Edge model ---
	if cfg.Edge.Stream != "" {
		deps.Edges = edge.New(deps.SignalBus, cfg.Edge.Stream, cfg.Edge.MaxStale.Duration, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Breaker and executor ---
	deps.Breaker = breaker.New(breaker.Config{
		MaxDailyLoss:         cfg.Breaker.MaxDailyLoss,
		MaxConsecutiveLosses: cfg.Breaker.MaxConsecutiveLosses,
		PollInterval:         cfg.Breaker.PollInterval.Duration,
	}, deps.Accounts, deps.SignalBus, logger)

	deps.Executor = executor.New(
		gateway,
		deps.Positions,
		deps.Cache,
		deps.Limiter,
		deps.SignalBus,
		deps.Audit,
		deps.Notifier,
		logger,
	)

	// --- Audit archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Audit,
			time.Duration(cfg.Archive.RetentionDays)*24*time.Hour,
			cfg.Archive.Interval.Duration,
			cfg.Archive.Prefix,
			logger,
		)
	}

	return deps, cleanup, nil
}
