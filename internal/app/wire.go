package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/futarchia/marketd/internal/blob/s3"
	"github.com/futarchia/marketd/internal/cache/redis"
	"github.com/futarchia/marketd/internal/chain"
	"github.com/futarchia/marketd/internal/config"
	"github.com/futarchia/marketd/internal/crypto"
	"github.com/futarchia/marketd/internal/domain"
	"github.com/futarchia/marketd/internal/metrics"
	"github.com/futarchia/marketd/internal/notify"
	"github.com/futarchia/marketd/internal/store/postgres"
)

// Dependencies bundles every dependency the service goroutines need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Orders    domain.OrderStore
	Books     domain.BookStore
	History   domain.PriceHistoryStore
	Proposals domain.ProposalStore

	// Caches
	BookCache   domain.BookCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Chain
	Backend    chain.Backend
	Oracle     *chain.Oracle
	Settlement *chain.SettlementContract
	Signer     *crypto.TxSigner

	// Blob storage; nil unless archival is enabled.
	Archiver *s3blob.FillArchiver

	// Notifications
	Notifier *notify.Notifier

	Metrics *metrics.Metrics
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

	deps := &Dependencies{
		Metrics: metrics.New(),
	}

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
	orderStore := postgres.NewOrderStore(pool)
	deps.Orders = orderStore
	deps.Books = postgres.NewBookStore(pool)
	deps.History = postgres.NewPriceHistoryStore(pool)
	deps.Proposals = postgres.NewProposalStore(pool)

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

	deps.BookCache = redis.NewBookCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Chain ---
	backend, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: chain: %w", err)
	}
	closers = append(closers, backend.Close)
	deps.Backend = backend

	if deps.Oracle, err = chain.NewOracle(backend); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: oracle: %w", err)
	}
	if deps.Settlement, err = chain.NewSettlementContract(backend); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: settlement contract: %w", err)
	}
	if deps.Signer, err = crypto.NewTxSigner(cfg.Wallet.PrivateKey, cfg.Chain.ChainID); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: tx signer: %w", err)
	}

	// --- S3 blob storage (only when archival is on) ---
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

		reader := s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewFillArchiver(
			s3blob.NewWriter(s3Client), reader, reader, orderStore, logger,
		)
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
