package app

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/config"
	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/ledger/memledger"
)

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "flush"
	cfg.Ledger.Driver = "memory"
	cfg.Treasury.Address = "treasury"
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false
	cfg.Server.Enabled = false
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireMemoryDriver(t *testing.T) {
	cfg := memoryConfig()
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	require.IsType(t, &memledger.Ledger{}, deps.Ledger)
	require.Equal(t, memledger.Asset, deps.Asset)
	require.NotEmpty(t, deps.Signer.Address())
	require.Nil(t, deps.Reports)
	require.Nil(t, deps.Archiver)
	require.Empty(t, deps.Checks)
	require.NotNil(t, deps.Predictions)
	require.NotNil(t, deps.Referrals)
}

func TestWireRejectsBadKey(t *testing.T) {
	cfg := memoryConfig()
	cfg.Wallet.PrivateKey = "not-hex"

	_, _, err := Wire(context.Background(), cfg, quietLogger())
	require.ErrorContains(t, err, "wire: signer")
}

func TestFlushModePaysQueue(t *testing.T) {
	ctx := context.Background()
	a := New(memoryConfig(), quietLogger(), Options{ForceFlush: true})
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	ledger := deps.Ledger.(*memledger.Ledger)
	ledger.Mint(deps.Signer.Address(), 1_000)
	ledger.Mint("alice", 0)

	_, err = deps.Queue.Enqueue(ctx, "alice", 40)
	require.NoError(t, err)

	require.NoError(t, a.FlushMode(ctx, deps))
	require.Equal(t, int64(40), ledger.Balance("alice"))

	obs, err := deps.ObligationStore.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Empty(t, obs)
}

func TestFlushModeReportsFailures(t *testing.T) {
	ctx := context.Background()
	a := New(memoryConfig(), quietLogger(), Options{ForceFlush: true})
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	// The platform identity holds nothing, so the payout cannot be sent.
	_, err = deps.Queue.Enqueue(ctx, "alice", 40)
	require.NoError(t, err)

	require.ErrorContains(t, a.FlushMode(ctx, deps), "1 of 1 obligations failed")
}

func TestServeModeStopsOnCancel(t *testing.T) {
	cfg := memoryConfig()
	cfg.Mode = "serve"
	a := New(cfg, quietLogger(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve mode did not stop")
	}
	a.Close()
}

func TestRunEveryRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := runEvery(ctx, time.Hour, func(context.Context) {
		calls.Add(1)
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), calls.Load())
}
