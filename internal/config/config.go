// Package config defines the top-level configuration for the binary options
// simulator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BINSIM_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Trading  TradingConfig  `toml:"trading"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
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
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the per-IP request budget per RateWindow. Zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// AuthConfig holds token signing and bootstrap credentials.
type AuthConfig struct {
	JWTSecret         string   `toml:"jwt_secret"`
	Issuer            string   `toml:"issuer"`
	TokenTTL          duration `toml:"token_ttl"`
	BootstrapAdmin    string   `toml:"bootstrap_admin"`
	BootstrapPassword string   `toml:"bootstrap_password"`
}

// TradingConfig holds session scheduling, stake and settlement parameters.
type TradingConfig struct {
	MinStake   int64           `toml:"min_stake"`
	MaxStake   int64           `toml:"max_stake"`
	PayoutRate decimal.Decimal `toml:"payout_rate"`
	Asset      string          `toml:"asset"`

	HorizonCount       int      `toml:"horizon_count"`
	HorizonMaxAttempts int      `toml:"horizon_max_attempts"`
	HorizonInterval    duration `toml:"horizon_interval"`

	SettleInterval  duration `toml:"settle_interval"`
	SettleBatchSize int      `toml:"settle_batch_size"`

	SyncMaxAttempts    int      `toml:"sync_max_attempts"`
	SyncPendingBackoff duration `toml:"sync_pending_backoff"`
	SyncErrorBackoff   duration `toml:"sync_error_backoff"`

	// PlaceRateLimit caps trade placements per user per minute. Zero disables it.
	PlaceRateLimit int `toml:"place_rate_limit"`
}

// ArchiveConfig holds cold-storage export parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "binarysim",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "binarysim-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Auth: AuthConfig{
			Issuer:   "binarysim",
			TokenTTL: duration{24 * time.Hour},
		},
		Trading: TradingConfig{
			MinStake:           100_000,
			MaxStake:           10_000_000_000,
			PayoutRate:         decimal.New(9, -1),
			Asset:              "BTC/USD",
			HorizonCount:       30,
			HorizonMaxAttempts: 100,
			HorizonInterval:    duration{30 * time.Second},
			SettleInterval:     duration{5 * time.Second},
			SettleBatchSize:    500,
			SyncMaxAttempts:    10,
			SyncPendingBackoff: duration{2 * time.Second},
			SyncErrorBackoff:   duration{time.Second},
			PlaceRateLimit:     30,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Notify: NotifyConfig{
			Events: []string{"integrity_violation", "deposit_requested", "admin_action", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// maxStakeCeiling matches domain.MaxAmount.
const maxStakeCeiling int64 = 1_000_000_000_000_000

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
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

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
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

	// S3 is only needed by the archiver.
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
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
	}

	// Auth
	if c.Mode != "worker" {
		if len(c.Auth.JWTSecret) < 16 {
			errs = append(errs, "auth: jwt_secret must be at least 16 characters")
		}
		if c.Auth.TokenTTL.Duration <= 0 {
			errs = append(errs, "auth: token_ttl must be > 0")
		}
	}
	if (c.Auth.BootstrapAdmin == "") != (c.Auth.BootstrapPassword == "") {
		errs = append(errs, "auth: bootstrap_admin and bootstrap_password must be set together")
	}

	// Trading
	if c.Trading.MinStake <= 0 {
		errs = append(errs, "trading: min_stake must be > 0")
	}
	if c.Trading.MaxStake < c.Trading.MinStake || c.Trading.MaxStake > maxStakeCeiling {
		errs = append(errs, fmt.Sprintf("trading: max_stake must be between min_stake and %d", maxStakeCeiling))
	}
	if !c.Trading.PayoutRate.IsPositive() {
		errs = append(errs, "trading: payout_rate must be > 0")
	}
	if c.Trading.HorizonCount < 1 {
		errs = append(errs, "trading: horizon_count must be >= 1")
	}
	if c.Trading.HorizonMaxAttempts < c.Trading.HorizonCount {
		errs = append(errs, "trading: horizon_max_attempts must be >= horizon_count")
	}
	if c.Trading.HorizonInterval.Duration <= 0 {
		errs = append(errs, "trading: horizon_interval must be > 0")
	}
	if c.Trading.SettleInterval.Duration <= 0 {
		errs = append(errs, "trading: settle_interval must be > 0")
	}
	if c.Trading.SettleBatchSize < 1 {
		errs = append(errs, "trading: settle_batch_size must be >= 1")
	}
	if c.Trading.SyncMaxAttempts < 1 {
		errs = append(errs, "trading: sync_max_attempts must be >= 1")
	}

	// Server
	if strings.EqualFold(c.Mode, "server") && !c.Server.Enabled {
		errs = append(errs, "server: mode \"server\" requires server.enabled")
	}
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
