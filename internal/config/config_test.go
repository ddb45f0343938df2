package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Ledger.Driver = "memory"
	cfg.Treasury.Address = "0x00000000000000000000000000000000000000aa"
	return cfg
}

func TestDefaultsMatchEngineConstants(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, int64(500), cfg.Engine.FeeBps)
	require.Equal(t, int64(100), cfg.Engine.BatchThreshold)
	require.Equal(t, 24*time.Hour, cfg.Engine.FreshnessWindow.Duration)
	require.Equal(t, int64(11_000), cfg.Engine.EscalationBps)
	require.Equal(t, int64(9_500), cfg.Engine.PreviousOwnerBps)
}

func TestValidateAcceptsMemoryLedger(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.Treasury.Address = ""
	cfg.Engine.EscalationBps = 9_000
	cfg.Postgres.PoolMinConns = 50

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, `unknown mode "trade"`)
	require.Contains(t, msg, "treasury: address must not be empty")
	require.Contains(t, msg, "escalation_bps must be >= 10000")
	require.Contains(t, msg, "pool_min_conns must not exceed pool_max_conns")
}

func TestValidateEVMNeedsKeyAndToken(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Driver = "evm"

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "token_address must not be empty")
	require.Contains(t, err.Error(), "either private_key or encrypted_key_path")
}

func TestMigrateModeSkipsLedgerChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "migrate"
	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "treasuryd.toml")
	body := `
mode = "flush"

[ledger]
driver = "memory"
confirm_timeout = "5s"

[treasury]
address = "0xtreasury"

[engine]
fee_bps = 250
freshness_window = "1h"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("TREASURYD_ENGINE_BATCH_THRESHOLD", "42")
	t.Setenv("TREASURYD_NOTIFY_EVENTS", "payout_failed, flush_failed,")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "flush", cfg.Mode)
	require.Equal(t, "memory", cfg.Ledger.Driver)
	require.Equal(t, 5*time.Second, cfg.Ledger.ConfirmTimeout.Duration)
	require.Equal(t, int64(250), cfg.Engine.FeeBps)
	require.Equal(t, time.Hour, cfg.Engine.FreshnessWindow.Duration)
	require.Equal(t, int64(42), cfg.Engine.BatchThreshold)
	require.Equal(t, []string{"payout_failed", "flush_failed"}, cfg.Notify.Events)
	// untouched keys keep their defaults
	require.Equal(t, int64(11_000), cfg.Engine.EscalationBps)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Server.APIKey = "secret"
	cfg.Postgres.Password = ""

	out := RedactedConfig(&cfg)
	require.Equal(t, "***", out.Wallet.PrivateKey)
	require.Equal(t, "***", out.Server.APIKey)
	require.Empty(t, out.Postgres.Password)
	require.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)

	out.Notify.Events[0] = "changed"
	require.NotEqual(t, "changed", cfg.Notify.Events[0])
}

func TestServerSettingsFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treasuryd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[treasury]\naddress = \"0xtreasury\"\n"), 0o600))
	t.Setenv("TREASURYD_LEDGER_DRIVER", "memory")
	t.Setenv("TREASURYD_SERVER_CORS_ORIGINS", "https://ops.example.com, https://admin.example.com")
	t.Setenv("TREASURYD_SERVER_RATE_LIMIT", "0")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"https://ops.example.com", "https://admin.example.com"}, cfg.Server.CORSOrigins)
	require.Equal(t, 0, cfg.Server.RateLimit)
	require.NoError(t, cfg.Validate())

	cfg.Server.RateLimit = -1
	require.ErrorContains(t, cfg.Validate(), "server: rate_limit must be >= 0")
}
