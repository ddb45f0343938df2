package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/ledger/memledger"
)

func TestDistributePaysFromPlatform(t *testing.T) {
	h := newHarness(t)

	res := h.dist.Distribute(h.ctx, "alice", 300, domain.PayoutReferral)
	require.True(t, res.Success, res.Error)
	require.False(t, res.Unknown)
	require.NotEmpty(t, res.Reference)
	require.Equal(t, int64(300), h.ledger.Balance("alice"))
	require.Equal(t, platformFund-300, h.ledger.Balance(h.signer.Address()))

	tx, err := h.ledger.FetchTransaction(h.ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.PayoutReferral.Tag(), tx.Tag)
	require.Contains(t, h.stores.Audit.Events(), domain.AuditPayout)
}

func TestDistributeReportsFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.FailTransfersTo("alice", domain.ErrLedgerTxFailed, 1)

	res := h.dist.Distribute(h.ctx, "alice", 300, domain.PayoutRefund)
	require.False(t, res.Success)
	require.False(t, res.Unknown)
	require.NotEmpty(t, res.Error)
	require.Zero(t, h.ledger.Balance("alice"))
	require.Contains(t, h.stores.Audit.Events(), domain.AuditPayoutFailed)

	res = h.dist.Distribute(h.ctx, "alice", 300, domain.PayoutRefund)
	require.True(t, res.Success)
}

func TestDistributeRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	require.False(t, h.dist.Distribute(h.ctx, "", 10, domain.PayoutReferral).Success)
	require.False(t, h.dist.Distribute(h.ctx, "alice", 0, domain.PayoutReferral).Success)
	require.Zero(t, h.ledger.Stats().Broadcasts)
}

func TestDistributeInsufficientPlatformBalance(t *testing.T) {
	h := newHarness(t)

	res := h.dist.Distribute(h.ctx, "alice", platformFund+1, domain.PayoutPrediction)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "insufficient balance")
}

func TestDistributeUnknownOutcomeCarriesReference(t *testing.T) {
	h := newHarness(t)
	h.ledger.TimeoutTransfersTo("alice", 1)

	res := h.dist.Distribute(h.ctx, "alice", 300, domain.PayoutPrediction)
	require.False(t, res.Success)
	require.True(t, res.Unknown)
	require.NotEmpty(t, res.Reference)

	// The transfer landed even though the broadcaster could not tell.
	_, err := h.ledger.FetchTransaction(h.ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, int64(300), h.ledger.Balance("alice"))
}

func TestDistributeSerializesPerIdentity(t *testing.T) {
	h := newHarness(t, memledger.WithLatency(5*time.Millisecond))

	const n = 8
	var wg sync.WaitGroup
	results := make([]domain.DistributionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.dist.Distribute(h.ctx, fmt.Sprintf("user-%d", i), 10, domain.PayoutReferral)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	st := h.ledger.Stats()
	require.Equal(t, n, st.Broadcasts)
	require.Equal(t, 1, st.MaxInflight)
	require.Equal(t, platformFund-n*10, h.ledger.Balance(h.signer.Address()))
}

func TestDistributeSerializesAcrossDistributors(t *testing.T) {
	h := newHarness(t, memledger.WithLatency(5*time.Millisecond))
	// A second process with the same identity shares only the lock manager.
	other := NewDistributor(h.ledger, NewSignerGate(h.signer, h.locks, time.Minute, 0), nil, quietLogger())

	var wg sync.WaitGroup
	results := make([]domain.DistributionResult, 8)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			results[2*i] = h.dist.Distribute(h.ctx, fmt.Sprintf("a-%d", i), 10, domain.PayoutReferral)
		}(i)
		go func(i int) {
			defer wg.Done()
			results[2*i+1] = other.Distribute(h.ctx, fmt.Sprintf("b-%d", i), 10, domain.PayoutReferral)
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	require.Equal(t, 1, h.ledger.Stats().MaxInflight)
}
