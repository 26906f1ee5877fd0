package app

import (
	"context"
	"fmt"
	"log/slog"

	fileblob "github.com/dexquant/tradebot/internal/blob/file"
	s3blob "github.com/dexquant/tradebot/internal/blob/s3"
	"github.com/dexquant/tradebot/internal/cache/redis"
	"github.com/dexquant/tradebot/internal/config"
	"github.com/dexquant/tradebot/internal/crypto"
	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/notify"
	"github.com/dexquant/tradebot/internal/store/postgres"
	"github.com/dexquant/tradebot/internal/venue"
)

// Dependencies bundles the infrastructure the application modes need: the
// risk state store, the market cache, the optional archive, the order
// gateway, and the notifier. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	RiskStore      domain.RiskSnapshotStore
	ExecutionStore *postgres.ExecutionStore
	MarketCache    domain.MarketCache
	Archiver       *s3blob.Archiver
	StateFile      *fileblob.Sink
	Gateway        domain.OrderGateway
	Notifier       *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL: risk snapshots, events, and execution reports ---
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
	deps.RiskStore = postgres.NewRiskStore(pool)
	deps.ExecutionStore = postgres.NewExecutionStore(pool)

	// --- Redis: shared last-tick and last-book view ---
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

	deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTimeout.Duration)

	// --- S3 archive (optional) ---
	if cfg.S3.Enabled {
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

		deps.Archiver = s3blob.NewArchiver(s3Client)
	}

	// Local state file is the archive fallback when S3 is disabled.
	if deps.Archiver == nil && cfg.Risk.StateFile != "" {
		deps.StateFile = fileblob.NewSink(cfg.Risk.StateFile)
	}

	// --- Venue order gateways ---
	gateways := make([]*venue.Gateway, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		var auth *crypto.HMACAuth
		if vc.APIKey != "" {
			secret, err := crypto.LoadSecret(crypto.SecretConfig{
				Raw:           vc.APISecret,
				EncryptedPath: vc.APISecretFile,
				Password:      cfg.SecretPassword,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: venue %s secret: %w", vc.Name, err)
			}
			auth = &crypto.HMACAuth{
				Key:        vc.APIKey,
				Secret:     secret,
				Passphrase: vc.Passphrase,
			}
		}
		gateways = append(gateways, venue.NewGateway(vc.Name, vc.APIURL, auth))
	}
	deps.Gateway = venue.NewRouter(gateways)

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
