package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/meridianlabs/stakehouse/internal/blob/s3"
	"github.com/meridianlabs/stakehouse/internal/cache/redis"
	"github.com/meridianlabs/stakehouse/internal/config"
	"github.com/meridianlabs/stakehouse/internal/crypto"
	"github.com/meridianlabs/stakehouse/internal/domain"
	"github.com/meridianlabs/stakehouse/internal/engine"
	"github.com/meridianlabs/stakehouse/internal/escrow/treasury"
	"github.com/meridianlabs/stakehouse/internal/metrics"
	"github.com/meridianlabs/stakehouse/internal/notify"
	"github.com/meridianlabs/stakehouse/internal/service"
	"github.com/meridianlabs/stakehouse/internal/store/postgres"
)

// Dependencies bundles every dependency that the application modes need to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	MarketStore   domain.MarketStore
	PositionStore domain.PositionStore
	ClaimStore    domain.ClaimStore
	AuditStore    domain.AuditStore

	// Redis-backed infrastructure
	OddsCache   domain.OddsCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Settlement
	Engine     *engine.Engine
	Settlement *service.SettlementService
	Metrics    *metrics.SettlementMetrics

	// Attestor signs resolution attestations; nil when no authority key is
	// configured.
	Attestor *crypto.Attestor

	// Notifications
	Notifier *notify.Notifier
}

// singleAuthority authorizes exactly one resolution authority address.
type singleAuthority struct {
	addr common.Address
}

func (p singleAuthority) IsAuthority(addr common.Address) bool {
	return addr == p.addr
}

// needsS3 reports whether the configured mode requires object storage.
func needsS3(cfg *config.Config) bool {
	return cfg.Archive.Enabled || cfg.Mode == "archive" || cfg.Mode == "full"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. The returned engine has already
// been restored from the persistent mirror.
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
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.ClaimStore = postgres.NewClaimStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

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

	deps.OddsCache = redis.NewOddsCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Escrow treasury client ---
	escrow := treasury.NewClient(cfg.Treasury.BaseURL, &crypto.HMACAuth{
		Key:    cfg.Treasury.APIKey,
		Secret: cfg.Treasury.APISecret,
	})

	// --- Settlement engine and service ---
	authority := common.HexToAddress(cfg.Authority.Address)
	eng := engine.New(engine.Params{
		MinStake:        cfg.Engine.MinStake,
		MaxStakePerSide: cfg.Engine.MaxStakePerSide,
	}, singleAuthority{addr: authority}, escrow, time.Now)

	deps.Engine = eng
	deps.Metrics = metrics.New()
	deps.Settlement = service.NewSettlementService(
		eng,
		deps.MarketStore,
		deps.PositionStore,
		deps.ClaimStore,
		deps.AuditStore,
		deps.OddsCache,
		deps.SignalBus,
		deps.Metrics,
		logger,
	)

	if err := deps.Settlement.Restore(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: restore settlement state: %w", err)
	}

	// --- Attestor (optional, requires a signing key) ---
	if cfg.Authority.PrivateKey != "" || cfg.Authority.EncryptedKeyPath != "" {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Authority.PrivateKey,
			EncryptedKeyPath: cfg.Authority.EncryptedKeyPath,
			KeyPassword:      cfg.Authority.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: authority key: %w", err)
		}
		attestor, err := crypto.NewAttestor(keyHex, cfg.Authority.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: attestor: %w", err)
		}
		deps.Attestor = attestor
	}

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg) {
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

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.MarketStore, deps.ClaimStore, deps.AuditStore)
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

	return deps, cleanup, nil
}

