package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

func registerPair(t *testing.T, h *harness) {
	t.Helper()
	_, err := h.refs.Register(h.ctx, "ref", "ref-wallet", "")
	require.NoError(t, err)
	_, err = h.refs.Register(h.ctx, "user", "user-wallet", "ref")
	require.NoError(t, err)
}

func TestRegisterFirstReferrerWins(t *testing.T) {
	h := newHarness(t)
	registerPair(t, h)
	_, err := h.refs.Register(h.ctx, "other", "other-wallet", "")
	require.NoError(t, err)

	rec, err := h.refs.Register(h.ctx, "user", "user-wallet", "other")
	require.NoError(t, err)
	require.Equal(t, "ref", rec.ReferrerID)

	ref, err := h.stores.Referrals.Get(h.ctx, "ref")
	require.NoError(t, err)
	require.Equal(t, 1, ref.TotalReferrals)
	require.Contains(t, h.stores.Audit.Events(), domain.AuditReferralSet)
}

func TestRegisterRejectsSelfAndUnknownReferrer(t *testing.T) {
	h := newHarness(t)

	_, err := h.refs.Register(h.ctx, "alice", "alice-wallet", "alice")
	require.ErrorIs(t, err, domain.ErrInvalidAddress)

	_, err = h.refs.Register(h.ctx, "alice", "alice-wallet", "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSmallCommissionIsQueued(t *testing.T) {
	h := newHarness(t)
	registerPair(t, h)

	res, err := h.refs.RecordCommission(h.ctx, "user", 1000)
	require.NoError(t, err)
	require.Equal(t, int64(50), res.Amount)
	require.Equal(t, "ref-wallet", res.Recipient)
	require.True(t, res.Queued)
	require.Nil(t, res.Payout)
	require.Zero(t, h.ledger.Stats().Broadcasts)

	ob := obligation(t, h, "ref-wallet")
	require.Equal(t, int64(50), ob.AccumulatedAmount)

	_, err = h.refs.RecordCommission(h.ctx, "user", 1000)
	require.NoError(t, err)
	sum, err := h.queue.Flush(h.ctx, domain.FlushOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Processed)
	require.Equal(t, int64(100), h.ledger.Balance("ref-wallet"))

	rec, err := h.stores.Referrals.Get(h.ctx, "ref")
	require.NoError(t, err)
	require.Equal(t, int64(100), rec.TotalEarnings)
}

func TestLargeCommissionIsPaidDirectly(t *testing.T) {
	h := newHarness(t)
	registerPair(t, h)

	res, err := h.refs.RecordCommission(h.ctx, "user", 4000)
	require.NoError(t, err)
	require.Equal(t, int64(200), res.Amount)
	require.False(t, res.Queued)
	require.NotNil(t, res.Payout)
	require.True(t, res.Payout.Success)
	require.Equal(t, int64(200), h.ledger.Balance("ref-wallet"))
	require.Contains(t, h.stores.Audit.Events(), domain.AuditCommission)
}

func TestFailedCommissionPayoutIsQueued(t *testing.T) {
	h := newHarness(t)
	registerPair(t, h)
	h.ledger.FailTransfersTo("ref-wallet", domain.ErrLedgerTxFailed, 1)

	res, err := h.refs.RecordCommission(h.ctx, "user", 4000)
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.False(t, res.Payout.Success)
	require.Equal(t, int64(200), obligation(t, h, "ref-wallet").AccumulatedAmount)
}

func TestCommissionWithoutReferrer(t *testing.T) {
	h := newHarness(t)
	_, err := h.refs.Register(h.ctx, "loner", "loner-wallet", "")
	require.NoError(t, err)

	res, err := h.refs.RecordCommission(h.ctx, "loner", 1000)
	require.NoError(t, err)
	require.Zero(t, res)

	_, err = h.refs.RecordCommission(h.ctx, "loner", 0)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestLeaderboardOrdersByEarnings(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"a", "b"} {
		_, err := h.refs.Register(h.ctx, u, u+"-wallet", "")
		require.NoError(t, err)
	}
	_, err := h.refs.Register(h.ctx, "a1", "a1-wallet", "a")
	require.NoError(t, err)
	_, err = h.refs.Register(h.ctx, "b1", "b1-wallet", "b")
	require.NoError(t, err)

	_, err = h.refs.RecordCommission(h.ctx, "a1", 1000)
	require.NoError(t, err)
	_, err = h.refs.RecordCommission(h.ctx, "b1", 1600)
	require.NoError(t, err)

	top, err := h.refs.Leaderboard(h.ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "b", top[0].UserID)
	require.Equal(t, int64(80), top[0].TotalEarnings)
	require.Equal(t, "a", top[1].UserID)
}

func TestUnknownCommissionPayoutsAreAllTracked(t *testing.T) {
	h := newHarness(t)
	registerPair(t, h)
	h.ledger.DropTransfersTo("ref-wallet", 2)

	for range 2 {
		res, err := h.refs.RecordCommission(h.ctx, "user", 4000)
		require.NoError(t, err)
		require.True(t, res.Queued)
		require.True(t, res.Payout.Unknown)
	}

	ob := obligation(t, h, "ref-wallet")
	require.Equal(t, int64(400), ob.AccumulatedAmount)
	require.Len(t, ob.Pending, 2)
	require.Equal(t, int64(400), ob.InFlight())
	require.Zero(t, ob.Sendable())
}
