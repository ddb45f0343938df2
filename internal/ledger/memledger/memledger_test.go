package memledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/crypto"
	"github.com/alanyoungcy/treasuryd/internal/domain"
)

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateSigner()
	require.NoError(t, err)
	return s
}

func TestTransferCarriesTag(t *testing.T) {
	ctx := context.Background()
	l := New()
	l.Mint("alice", 100)

	unsigned, err := l.BuildTransfer(ctx, "alice", "treasury", 40, domain.PurposeMapAction.Tag())
	require.NoError(t, err)
	ref, err := l.Submit(unsigned)
	require.NoError(t, err)

	tx, err := l.FetchTransaction(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "alice", tx.Sender)
	require.Equal(t, "treasury", tx.Receiver)
	require.Equal(t, int64(40), tx.Amount)
	require.True(t, tx.Tagged)
	p, ok := tx.Tag.Purpose()
	require.True(t, ok)
	require.Equal(t, domain.PurposeMapAction, p)
	require.Equal(t, int64(60), l.Balance("alice"))
}

func TestBroadcastRejectsForeignSender(t *testing.T) {
	ctx := context.Background()
	l := New()
	platform := newSigner(t)
	l.Mint("alice", 10)

	unsigned, err := l.BuildTransfer(ctx, "alice", "bob", 5, domain.PayoutReferral.Tag())
	require.NoError(t, err)
	_, err = l.SignAndBroadcast(ctx, unsigned, platform)
	require.ErrorIs(t, err, domain.ErrLedgerTxFailed)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	l := New()
	platform := newSigner(t)
	l.Mint(platform.Address(), 1_000)

	send := func(to string) (string, error) {
		unsigned, err := l.BuildTransfer(ctx, platform.Address(), to, 10, domain.PayoutObligation.Tag())
		require.NoError(t, err)
		return l.SignAndBroadcast(ctx, unsigned, platform)
	}

	boom := errors.New("boom")
	l.FailTransfersTo("bob", boom, 1)
	_, err := send("bob")
	require.ErrorIs(t, err, boom)
	_, err = send("bob")
	require.NoError(t, err)

	l.TimeoutTransfersTo("carol", 1)
	ref, err := send("carol")
	require.ErrorIs(t, err, domain.ErrConfirmationUnknown)
	_, err = l.FetchTransaction(ctx, ref)
	require.NoError(t, err)

	l.DropTransfersTo("dave", 1)
	ref, err = send("dave")
	require.ErrorIs(t, err, domain.ErrConfirmationUnknown)
	_, err = l.FetchTransaction(ctx, ref)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Equal(t, int64(1_000), l.TotalSupply())
	require.Equal(t, int64(10), l.Balance("bob"))
	require.Equal(t, int64(10), l.Balance("carol"))
	require.Zero(t, l.Balance("dave"))
}

func TestPendingTransferLandsLater(t *testing.T) {
	ctx := context.Background()
	l := New()
	platform := newSigner(t)
	l.Mint(platform.Address(), 100)

	l.PendTransfersTo("erin", 1)
	unsigned, err := l.BuildTransfer(ctx, platform.Address(), "erin", 40, domain.PayoutObligation.Tag())
	require.NoError(t, err)
	ref, err := l.SignAndBroadcast(ctx, unsigned, platform)
	require.ErrorIs(t, err, domain.ErrConfirmationUnknown)
	require.NotEmpty(t, ref)

	_, err = l.FetchTransaction(ctx, ref)
	require.ErrorIs(t, err, domain.ErrTransactionPending)
	require.NotErrorIs(t, err, domain.ErrNotFound)
	require.Zero(t, l.Balance("erin"))

	require.Equal(t, 1, l.LandPending())
	tx, err := l.FetchTransaction(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, int64(40), tx.Amount)
	require.Equal(t, int64(40), l.Balance("erin"))
	require.Equal(t, int64(100), l.TotalSupply())
	require.Zero(t, l.LandPending())
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	l := New()
	l.SetUnavailable(true)
	_, err := l.BuildTransfer(ctx, "a", "b", 1, domain.PurposeOther.Tag())
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	_, err = l.LatestSequencingToken(ctx)
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestSeizeChecksExpectedPriceAtomically(t *testing.T) {
	ctx := context.Background()
	l := New()
	platform := newSigner(t)
	l.Mint("bidder", 1_000)

	_, err := l.CreateAuction(ctx, domain.AuctionState{AssetID: "a1", Owner: "owner", StartPrice: 100, Treasury: "treasury"}, platform)
	require.NoError(t, err)

	order := domain.SeizeOrder{AssetID: "a1", Bidder: "bidder", ExpectedPrice: 100, Payment: 110, TreasuryBps: 500}
	rcpt, err := l.ExecuteSeize(ctx, order, platform)
	require.NoError(t, err)
	require.Equal(t, int64(110), rcpt.NewPrice)
	require.Equal(t, "owner", rcpt.PreviousOwner)
	require.Equal(t, rcpt.TreasuryShare+rcpt.OwnerShare, int64(110))
	require.Equal(t, int64(5), l.Balance("treasury"))
	require.Equal(t, int64(105), l.Balance("owner"))

	// replaying the same order sees a moved price
	_, err = l.ExecuteSeize(ctx, order, platform)
	require.ErrorIs(t, err, domain.ErrStalePrice)

	underpaid := domain.SeizeOrder{AssetID: "a1", Bidder: "bidder", ExpectedPrice: 110, Payment: 120, TreasuryBps: 500}
	_, err = l.ExecuteSeize(ctx, underpaid, platform)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	st, err := l.FetchAuction(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "bidder", st.Owner)
	require.Equal(t, int64(110), st.Price)
	require.Equal(t, int64(1_000), l.TotalSupply())
}

func TestEnsureAccountChargesRent(t *testing.T) {
	ctx := context.Background()
	l := New(WithAccountRent(2))
	platform := newSigner(t)
	l.Mint(platform.Address(), 10)

	created, err := l.EnsureAccount(ctx, "newbie", platform)
	require.NoError(t, err)
	require.True(t, created)
	created, err = l.EnsureAccount(ctx, "newbie", platform)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(8), l.Balance(platform.Address()))
}
