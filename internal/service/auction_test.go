package service

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

func createAuction(t *testing.T, h *harness, asset, owner string, price int64) AuctionView {
	t.Helper()
	v, err := h.auctions.Create(h.ctx, asset, owner, price, "first!")
	require.NoError(t, err)
	return v
}

func TestCreateAuctionMirrorsLedger(t *testing.T) {
	h := newHarness(t)

	v := createAuction(t, h, "crown", "alice", 1000)
	require.Equal(t, "alice", v.CurrentOwner)
	require.Equal(t, int64(1000), v.CurrentPrice)
	require.Equal(t, int64(1100), v.MinRequiredPrice)
	require.Equal(t, treasury, v.TreasuryAddress)

	st, err := h.ledger.FetchAuction(h.ctx, "crown")
	require.NoError(t, err)
	require.Equal(t, "alice", st.Owner)

	_, err = h.auctions.Create(h.ctx, "crown", "bob", 500, "")
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = h.auctions.Create(h.ctx, "sceptre", "bob", 0, "")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSeizeEscalatesPriceAndTransfersOwnership(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	h.ledger.Mint("bob", 5000)

	res, err := h.auctions.Seize(h.ctx, "crown", "bob", "mine now")
	require.NoError(t, err)
	require.Equal(t, "bob", res.NewOwner)
	require.Equal(t, "alice", res.PreviousOwner)
	require.Equal(t, int64(1100), res.NewPrice)
	require.Equal(t, int64(55), res.TreasuryShare)
	require.Equal(t, int64(1045), res.OwnerShare)
	require.NotEmpty(t, res.Reference)

	require.Equal(t, int64(3900), h.ledger.Balance("bob"))
	require.Equal(t, int64(1045), h.ledger.Balance("alice"))
	require.Equal(t, int64(55), h.ledger.Balance(treasury))

	v, err := h.auctions.Get(h.ctx, "crown")
	require.NoError(t, err)
	require.Equal(t, "bob", v.CurrentOwner)
	require.Equal(t, int64(1100), v.CurrentPrice)
	require.Equal(t, int64(1210), v.MinRequiredPrice)
	require.Equal(t, "mine now", v.TauntMessage)
	require.Contains(t, h.stores.Audit.Events(), domain.AuditAuctionSeized)

	msgs, err := h.bus.StreamRead(h.ctx, "auctions", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var published domain.SeizeResult
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &published))
	require.Equal(t, "bob", published.NewOwner)
}

func TestSeizeChainKeepsEscalating(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	for _, u := range []string{"bob", "carol", "dave"} {
		h.ledger.Mint(u, 10_000)
	}

	want := []int64{1100, 1210, 1331}
	for i, u := range []string{"bob", "carol", "dave"} {
		res, err := h.auctions.Seize(h.ctx, "crown", u, "")
		require.NoError(t, err)
		require.Equal(t, want[i], res.NewPrice)
	}
	st, err := h.ledger.FetchAuction(h.ctx, "crown")
	require.NoError(t, err)
	require.Equal(t, "dave", st.Owner)
	require.Equal(t, int64(1331), st.Price)
}

func TestSeizeRejectsLongTauntBeforeLedger(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	h.ledger.Mint("bob", 5000)

	_, err := h.auctions.Seize(h.ctx, "crown", "bob", strings.Repeat("x", 101))
	require.ErrorIs(t, err, domain.ErrMessageTooLong)
	st := h.ledger.Stats()
	require.Zero(t, st.Seizes)
	require.Zero(t, st.AuctionReads)

	v, err := h.auctions.Get(h.ctx, "crown")
	require.NoError(t, err)
	require.Equal(t, "alice", v.CurrentOwner)
	require.Equal(t, int64(5000), h.ledger.Balance("bob"))
}

func TestSeizeCountsTauntInCharacters(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	h.ledger.Mint("bob", 5000)

	_, err := h.auctions.Seize(h.ctx, "crown", "bob", strings.Repeat("é", 100))
	require.NoError(t, err)
}

func TestSeizeStalePriceResyncsMirror(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	h.ledger.Mint("bob", 10_000)
	h.ledger.Mint("carol", 10_000)

	// carol seizes through the ledger program directly; the mirror misses it.
	_, err := h.ledger.ExecuteSeize(h.ctx, domain.SeizeOrder{
		AssetID:       "crown",
		Bidder:        "carol",
		Treasury:      treasury,
		ExpectedPrice: 1000,
		Payment:       1100,
		TreasuryBps:   500,
	}, h.signer)
	require.NoError(t, err)

	_, err = h.auctions.Seize(h.ctx, "crown", "bob", "")
	require.ErrorIs(t, err, domain.ErrStalePrice)
	require.Equal(t, int64(10_000), h.ledger.Balance("bob"))

	v, err := h.auctions.Get(h.ctx, "crown")
	require.NoError(t, err)
	require.Equal(t, "carol", v.CurrentOwner)
	require.Equal(t, int64(1100), v.CurrentPrice)

	res, err := h.auctions.Seize(h.ctx, "crown", "bob", "")
	require.NoError(t, err)
	require.Equal(t, int64(1210), res.NewPrice)
	require.Equal(t, "carol", res.PreviousOwner)
}

func TestSeizeRejectsCurrentOwnerAndUnknownAsset(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	h.ledger.Mint("alice", 5000)

	_, err := h.auctions.Seize(h.ctx, "crown", "alice", "")
	require.ErrorIs(t, err, domain.ErrInvalidAddress)

	_, err = h.auctions.Seize(h.ctx, "nothing", "bob", "")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Zero(t, h.ledger.Stats().Seizes)
}

func TestSeizeWithoutFundsLeavesAuctionUnchanged(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	h.ledger.Mint("bob", 500)

	_, err := h.auctions.Seize(h.ctx, "crown", "bob", "")
	require.ErrorIs(t, err, domain.ErrLedgerTxFailed)

	v, err := h.auctions.Get(h.ctx, "crown")
	require.NoError(t, err)
	require.Equal(t, "alice", v.CurrentOwner)
	require.Equal(t, int64(1000), v.CurrentPrice)
}

func TestAuctionWritesWaitForSignerLock(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	h.ledger.Mint("bob", 5000)

	// Another process signing as the same identity holds the lock.
	unlock, err := h.locks.Acquire(h.ctx, h.gate.LockKey(), time.Minute)
	require.NoError(t, err)

	type outcome struct {
		res domain.SeizeResult
		err error
	}
	seized := make(chan outcome, 1)
	created := make(chan error, 1)
	go func() {
		res, err := h.auctions.Seize(h.ctx, "crown", "bob", "mine now")
		seized <- outcome{res, err}
	}()
	go func() {
		_, err := h.auctions.Create(h.ctx, "sceptre", "carol", 500, "")
		created <- err
	}()

	select {
	case <-seized:
		t.Fatal("seize signed while another process held the signer lock")
	case <-created:
		t.Fatal("create signed while another process held the signer lock")
	case <-time.After(300 * time.Millisecond):
	}
	require.Zero(t, h.ledger.Stats().Seizes)

	unlock()
	select {
	case o := <-seized:
		require.NoError(t, o.err)
		require.Equal(t, "bob", o.res.NewOwner)
	case <-time.After(5 * time.Second):
		t.Fatal("seize did not finish after the signer lock was released")
	}
	select {
	case err := <-created:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("create did not finish after the signer lock was released")
	}
}

func TestAuctionAndPayoutsShareSignerGate(t *testing.T) {
	h := newHarness(t)
	createAuction(t, h, "crown", "alice", 1000)
	h.ledger.Mint("bob", 5000)

	release, err := h.gate.Acquire(h.ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.auctions.Seize(h.ctx, "crown", "bob", "")
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("seize bypassed the in-process signer gate")
	case <-time.After(200 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("seize did not finish after the gate was released")
	}

	res := h.dist.Distribute(h.ctx, "dave", 10, domain.PayoutReferral)
	require.True(t, res.Success, res.Error)
}
