package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/binarysim/internal/auth"
	s3blob "github.com/alanyoungcy/binarysim/internal/blob/s3"
	"github.com/alanyoungcy/binarysim/internal/cache/redis"
	"github.com/alanyoungcy/binarysim/internal/config"
	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/notify"
	"github.com/alanyoungcy/binarysim/internal/server/handler"
	"github.com/alanyoungcy/binarysim/internal/service"
	"github.com/alanyoungcy/binarysim/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	SessionStore  domain.SessionStore
	TradeStore    domain.TradeStore
	BalanceStore  domain.BalanceStore
	UserStore     domain.UserStore
	DepositStore  domain.DepositStore
	ActivityStore domain.ActivityStore

	// Caches
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil unless archiving is enabled.
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks pings each external dependency for GET /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// needsS3 returns true when the mode runs the archive cron.
func needsS3(cfg *config.Config) bool {
	return cfg.Archive.Enabled && cfg.Mode != "server"
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

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL (every mode) ---
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
	deps.HealthChecks["postgres"] = pgClient.Ping

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.SessionStore = postgres.NewSessionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.BalanceStore = postgres.NewBalanceStore(pool)
	deps.UserStore = postgres.NewUserStore(pool)
	deps.DepositStore = postgres.NewDepositStore(pool)
	deps.ActivityStore = postgres.NewActivityStore(pool)

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
	deps.HealthChecks["redis"] = redisClient.Ping

	streamMaxLen := int64(10000)
	if cfg.Redis.StreamMaxLen > 0 {
		streamMaxLen = cfg.Redis.StreamMaxLen
	}
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, streamMaxLen)

	// --- S3 cold storage (only when the archive cron runs here) ---
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
		deps.HealthChecks["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.SessionStore,
			deps.TradeStore,
			deps.ActivityStore,
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

// Services holds the domain services shared by the HTTP server and the
// background workers.
type Services struct {
	Tokens     *auth.Tokens
	Clock      *service.SessionClock
	Outcomes   *service.OutcomeService
	Trades     *service.TradeLedger
	Settlement *service.SettlementEngine
	Balances   *service.BalanceLedger
	Deposits   *service.DepositService
	Accounts   *service.AccountService
	Activity   *service.ActivityLog
}

// NewServices builds the service layer on top of deps.
func NewServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Services {
	t := cfg.Trading

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)

	clock := service.NewSessionClock(deps.SessionStore, deps.LockManager, deps.SignalBus, service.ClockConfig{
		HorizonCount: t.HorizonCount,
		MaxAttempts:  t.HorizonMaxAttempts,
		Interval:     t.HorizonInterval.Duration,
	}, logger)

	settlement := service.NewSettlementEngine(
		deps.TradeStore, deps.LockManager, deps.SignalBus, deps.Notifier,
		service.NewPayout(t.PayoutRate),
		service.SettlementConfig{BatchSize: t.SettleBatchSize, Interval: t.SettleInterval.Duration},
		logger,
	).WithActivity(deps.ActivityStore)

	return &Services{
		Tokens:   tokens,
		Clock:    clock,
		Outcomes: service.NewOutcomeService(deps.SessionStore, clock, deps.ActivityStore, deps.SignalBus, logger),
		Trades: service.NewTradeLedger(deps.TradeStore, deps.SessionStore, deps.BalanceStore,
			deps.RateLimiter, deps.SignalBus, service.TradeConfig{
				MinStake:       t.MinStake,
				MaxStake:       t.MaxStake,
				Asset:          t.Asset,
				PlaceRateLimit: t.PlaceRateLimit,
			}, logger),
		Settlement: settlement,
		Balances: service.NewBalanceLedger(deps.BalanceStore, deps.TradeStore, settlement, deps.SignalBus,
			service.SyncConfig{
				MaxAttempts:    t.SyncMaxAttempts,
				PendingBackoff: t.SyncPendingBackoff.Duration,
				ErrorBackoff:   t.SyncErrorBackoff.Duration,
				BatchSize:      t.SettleBatchSize,
			}, logger),
		Deposits: service.NewDepositService(deps.DepositStore, deps.UserStore, deps.ActivityStore,
			deps.Notifier, deps.SignalBus, logger),
		Accounts: service.NewAccountService(deps.UserStore, tokens, deps.ActivityStore, logger),
		Activity: service.NewActivityLog(deps.ActivityStore),
	}
}
