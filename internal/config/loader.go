package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BINSIM_* environment variable overrides, and
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

// applyEnvOverrides overwrites Config fields from BINSIM_* variables so that
// secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BINSIM_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BINSIM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BINSIM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BINSIM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BINSIM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BINSIM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BINSIM_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BINSIM_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BINSIM_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BINSIM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BINSIM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BINSIM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BINSIM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BINSIM_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "BINSIM_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "BINSIM_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BINSIM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BINSIM_S3_REGION")
	setStr(&cfg.S3.Bucket, "BINSIM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BINSIM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BINSIM_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "BINSIM_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BINSIM_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BINSIM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BINSIM_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "BINSIM_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BINSIM_SERVER_RATE_WINDOW")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "BINSIM_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "BINSIM_AUTH_ISSUER")
	setDuration(&cfg.Auth.TokenTTL, "BINSIM_AUTH_TOKEN_TTL")
	setStr(&cfg.Auth.BootstrapAdmin, "BINSIM_AUTH_BOOTSTRAP_ADMIN")
	setStr(&cfg.Auth.BootstrapPassword, "BINSIM_AUTH_BOOTSTRAP_PASSWORD")

	// ── Trading ──
	setInt64(&cfg.Trading.MinStake, "BINSIM_TRADING_MIN_STAKE")
	setInt64(&cfg.Trading.MaxStake, "BINSIM_TRADING_MAX_STAKE")
	setDecimal(&cfg.Trading.PayoutRate, "BINSIM_TRADING_PAYOUT_RATE")
	setStr(&cfg.Trading.Asset, "BINSIM_TRADING_ASSET")
	setInt(&cfg.Trading.HorizonCount, "BINSIM_TRADING_HORIZON_COUNT")
	setInt(&cfg.Trading.HorizonMaxAttempts, "BINSIM_TRADING_HORIZON_MAX_ATTEMPTS")
	setDuration(&cfg.Trading.HorizonInterval, "BINSIM_TRADING_HORIZON_INTERVAL")
	setDuration(&cfg.Trading.SettleInterval, "BINSIM_TRADING_SETTLE_INTERVAL")
	setInt(&cfg.Trading.SettleBatchSize, "BINSIM_TRADING_SETTLE_BATCH_SIZE")
	setInt(&cfg.Trading.SyncMaxAttempts, "BINSIM_TRADING_SYNC_MAX_ATTEMPTS")
	setDuration(&cfg.Trading.SyncPendingBackoff, "BINSIM_TRADING_SYNC_PENDING_BACKOFF")
	setDuration(&cfg.Trading.SyncErrorBackoff, "BINSIM_TRADING_SYNC_ERROR_BACKOFF")
	setInt(&cfg.Trading.PlaceRateLimit, "BINSIM_TRADING_PLACE_RATE_LIMIT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BINSIM_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "BINSIM_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "BINSIM_ARCHIVE_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BINSIM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BINSIM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BINSIM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BINSIM_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BINSIM_MODE")
	setStr(&cfg.LogLevel, "BINSIM_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
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
