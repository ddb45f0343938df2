// Package config defines the top-level configuration for treasuryd and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TREASURYD_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Wallet   WalletConfig   `toml:"wallet"`
	Treasury TreasuryConfig `toml:"treasury"`
	Engine   EngineConfig   `toml:"engine"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig selects and parameterizes the ledger adapter.
type LedgerConfig struct {
	// Driver is "evm" for a JSON-RPC node or "memory" for the in-process
	// simulated ledger used in development.
	Driver         string   `toml:"driver"`
	RPCURL         string   `toml:"rpc_url"`
	ChainID        int64    `toml:"chain_id"`
	TokenAddress   string   `toml:"token_address"`
	RouterAddress  string   `toml:"router_address"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
	PollInterval   duration `toml:"poll_interval"`
	GasLimit       uint64   `toml:"gas_limit"`
}

// WalletConfig holds the platform signing identity.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// TreasuryConfig holds the treasury account that receives consumption.
type TreasuryConfig struct {
	Address string `toml:"address"`
}

// EngineConfig holds settlement parameters. Rates are in basis points.
type EngineConfig struct {
	FeeBps                 int64    `toml:"fee_bps"`
	BatchThreshold         int64    `toml:"batch_threshold"`
	FreshnessWindow        duration `toml:"freshness_window"`
	EscalationBps          int64    `toml:"escalation_bps"`
	PreviousOwnerBps       int64    `toml:"previous_owner_bps"`
	CommissionBps          int64    `toml:"commission_bps"`
	FlushInterval          duration `toml:"flush_interval"`
	UnknownGrace           duration `toml:"unknown_grace"`
	IncludeUnconfirmedBets bool     `toml:"include_unconfirmed_bets"`
	BuildRateLimit         int      `toml:"build_rate_limit"` // per user per minute, 0 disables
	AuditRetentionDays     int      `toml:"audit_retention_days"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
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

// ServerConfig holds operator HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"` // requests per client IP per minute, 0 disables
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			Driver:         "evm",
			RPCURL:         "http://localhost:8545",
			ChainID:        31337,
			ConfirmTimeout: duration{60 * time.Second},
			PollInterval:   duration{2 * time.Second},
			GasLimit:       200_000,
		},
		Engine: EngineConfig{
			FeeBps:             500,
			BatchThreshold:     100,
			FreshnessWindow:    duration{24 * time.Hour},
			EscalationBps:      11_000,
			PreviousOwnerBps:   9_500,
			CommissionBps:      500,
			FlushInterval:      duration{10 * time.Minute},
			UnknownGrace:       duration{15 * time.Minute},
			BuildRateLimit:     30,
			AuditRetentionDays: 90,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "treasuryd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "treasuryd-reports",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8000,
			RateLimit: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"payout_failed", "flush_failed", "market_settled", "payout_unrecorded"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"flush":   true,
	"migrate": true,
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
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, flush, migrate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	needsLedger := c.Mode != "migrate"

	// Ledger
	if needsLedger {
		switch c.Ledger.Driver {
		case "evm":
			if c.Ledger.RPCURL == "" {
				errs = append(errs, "ledger: rpc_url must not be empty for driver evm")
			}
			if c.Ledger.ChainID <= 0 {
				errs = append(errs, "ledger: chain_id must be positive")
			}
			if c.Ledger.TokenAddress == "" {
				errs = append(errs, "ledger: token_address must not be empty for driver evm")
			}
		case "memory":
		default:
			errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: evm, memory)", c.Ledger.Driver))
		}
		if c.Ledger.ConfirmTimeout.Duration <= 0 {
			errs = append(errs, "ledger: confirm_timeout must be > 0")
		}
		if c.Ledger.PollInterval.Duration <= 0 {
			errs = append(errs, "ledger: poll_interval must be > 0")
		}
	}

	// Wallet and treasury
	if needsLedger {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" && c.Ledger.Driver != "memory" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if strings.TrimSpace(c.Treasury.Address) == "" {
			errs = append(errs, "treasury: address must not be empty")
		}
	}

	// Engine
	e := c.Engine
	if e.FeeBps < 0 || e.FeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: fee_bps must be in [0, 10000), got %d", e.FeeBps))
	}
	if e.BatchThreshold < 0 {
		errs = append(errs, "engine: batch_threshold must be >= 0")
	}
	if e.FreshnessWindow.Duration <= 0 {
		errs = append(errs, "engine: freshness_window must be > 0")
	}
	if e.EscalationBps < 10_000 {
		errs = append(errs, fmt.Sprintf("engine: escalation_bps must be >= 10000, got %d", e.EscalationBps))
	}
	if e.PreviousOwnerBps < 0 || e.PreviousOwnerBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: previous_owner_bps must be in [0, 10000], got %d", e.PreviousOwnerBps))
	}
	if e.CommissionBps < 0 || e.CommissionBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: commission_bps must be in [0, 10000], got %d", e.CommissionBps))
	}
	if e.FlushInterval.Duration < 0 {
		errs = append(errs, "engine: flush_interval must be >= 0")
	}
	if e.UnknownGrace.Duration <= 0 {
		errs = append(errs, "engine: unknown_grace must be > 0")
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
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
