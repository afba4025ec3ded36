package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite3"` // "sqlite3" or "pgx"
	DatabaseDSN    string `env:"DATABASE_DSN" envDefault:"./data/mailsync.db"`

	// Sync
	SyncInterval       time.Duration `env:"SYNC_INTERVAL" envDefault:"2m"`
	SweepTimeout       time.Duration `env:"SWEEP_TIMEOUT" envDefault:"10m"`
	AccountPause       time.Duration `env:"ACCOUNT_PAUSE" envDefault:"1500ms"`
	UpsertTimeout      time.Duration `env:"UPSERT_TIMEOUT" envDefault:"10s"`
	InitialSyncLimit   int           `env:"INITIAL_SYNC_LIMIT" envDefault:"50"`
	SkipAlertThreshold int           `env:"SKIP_ALERT_THRESHOLD" envDefault:"5"`

	// Email
	IMAPDialTimeout time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"20s"`
	IMAPOpTimeout   time.Duration `env:"IMAP_OP_TIMEOUT" envDefault:"30s"`

	// HTTP trigger surface (empty address disables it)
	HTTPAddr    string `env:"HTTP_ADDR"`
	JWTSecret   string `env:"JWT_SECRET"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	// Telegram alerts (optional)
	TelegramToken   string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID  int64  `env:"TELEGRAM_ALERT_CHAT_ID"`
	TelegramTopicID int    `env:"TELEGRAM_ALERT_TOPIC_ID"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// AlertsEnabled returns true if Telegram alerting is configured
func (c *Config) AlertsEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// HTTPEnabled returns true if the trigger surface should be served
func (c *Config) HTTPEnabled() bool {
	return c.HTTPAddr != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite3 or pgx, got %q", c.DatabaseDriver)
	}

	// 32 bytes for AES-256
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}

	if c.HTTPEnabled() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when HTTP_ADDR is set (leave HTTP_ADDR empty to disable the HTTP API)")
	}

	if c.SyncInterval <= 0 || c.SweepTimeout <= 0 || c.IMAPDialTimeout <= 0 || c.IMAPOpTimeout <= 0 || c.UpsertTimeout <= 0 {
		return fmt.Errorf("intervals and timeouts must be positive")
	}
	if c.AccountPause < 0 {
		return fmt.Errorf("ACCOUNT_PAUSE must not be negative")
	}
	if c.InitialSyncLimit < 0 {
		return fmt.Errorf("INITIAL_SYNC_LIMIT must not be negative")
	}

	return nil
}
