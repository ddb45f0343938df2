package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TREASURYD_* environment variable overrides, and
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

// applyEnvOverrides reads well-known TREASURYD_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.Driver, "TREASURYD_LEDGER_DRIVER")
	setStr(&cfg.Ledger.RPCURL, "TREASURYD_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "TREASURYD_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.TokenAddress, "TREASURYD_LEDGER_TOKEN_ADDRESS")
	setStr(&cfg.Ledger.RouterAddress, "TREASURYD_LEDGER_ROUTER_ADDRESS")
	setDuration(&cfg.Ledger.ConfirmTimeout, "TREASURYD_LEDGER_CONFIRM_TIMEOUT")
	setDuration(&cfg.Ledger.PollInterval, "TREASURYD_LEDGER_POLL_INTERVAL")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "TREASURYD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "TREASURYD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "TREASURYD_WALLET_KEY_PASSWORD")

	// ── Treasury ──
	setStr(&cfg.Treasury.Address, "TREASURYD_TREASURY_ADDRESS")

	// ── Engine ──
	setInt64(&cfg.Engine.FeeBps, "TREASURYD_ENGINE_FEE_BPS")
	setInt64(&cfg.Engine.BatchThreshold, "TREASURYD_ENGINE_BATCH_THRESHOLD")
	setDuration(&cfg.Engine.FreshnessWindow, "TREASURYD_ENGINE_FRESHNESS_WINDOW")
	setInt64(&cfg.Engine.EscalationBps, "TREASURYD_ENGINE_ESCALATION_BPS")
	setInt64(&cfg.Engine.PreviousOwnerBps, "TREASURYD_ENGINE_PREVIOUS_OWNER_BPS")
	setInt64(&cfg.Engine.CommissionBps, "TREASURYD_ENGINE_COMMISSION_BPS")
	setDuration(&cfg.Engine.FlushInterval, "TREASURYD_ENGINE_FLUSH_INTERVAL")
	setDuration(&cfg.Engine.UnknownGrace, "TREASURYD_ENGINE_UNKNOWN_GRACE")
	setBool(&cfg.Engine.IncludeUnconfirmedBets, "TREASURYD_ENGINE_INCLUDE_UNCONFIRMED_BETS")
	setInt(&cfg.Engine.BuildRateLimit, "TREASURYD_ENGINE_BUILD_RATE_LIMIT")
	setInt(&cfg.Engine.AuditRetentionDays, "TREASURYD_ENGINE_AUDIT_RETENTION_DAYS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TREASURYD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TREASURYD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TREASURYD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TREASURYD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TREASURYD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TREASURYD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TREASURYD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TREASURYD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TREASURYD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TREASURYD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TREASURYD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TREASURYD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TREASURYD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TREASURYD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TREASURYD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TREASURYD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TREASURYD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TREASURYD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TREASURYD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TREASURYD_S3_REGION")
	setStr(&cfg.S3.Bucket, "TREASURYD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TREASURYD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TREASURYD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TREASURYD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TREASURYD_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TREASURYD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TREASURYD_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TREASURYD_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TREASURYD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "TREASURYD_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TREASURYD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TREASURYD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TREASURYD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TREASURYD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TREASURYD_MODE")
	setStr(&cfg.LogLevel, "TREASURYD_LOG_LEVEL")
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
