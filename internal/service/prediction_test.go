package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/ledger/memledger"
	"github.com/alanyoungcy/treasuryd/internal/notify"
)

func TestPlaceAndConfirmBet(t *testing.T) {
	h := newHarness(t)
	h.ledger.Mint("alice", 100)

	bet, req, err := h.pred.PlaceBet(h.ctx, "alice", "m1", domain.DirectionYes, 100)
	require.NoError(t, err)
	require.Equal(t, domain.BetPending, bet.Status)
	require.Equal(t, domain.PurposePredictionBet, req.Purpose)
	require.Equal(t, int64(100), req.Amount)

	ref, err := h.ledger.Submit(req.UnsignedTransaction)
	require.NoError(t, err)
	bet, err = h.pred.ConfirmBet(h.ctx, bet.ID, ref)
	require.NoError(t, err)
	require.Equal(t, domain.BetConfirmed, bet.Status)
	require.Equal(t, ref, bet.PaymentReference)
	require.Equal(t, int64(100), h.ledger.Balance(treasury))

	_, err = h.pred.ConfirmBet(h.ctx, bet.ID, ref)
	require.ErrorIs(t, err, domain.ErrTerminalStatus)
}

func TestConfirmBetRejectsMismatchedPayment(t *testing.T) {
	h := newHarness(t)
	bet, _, err := h.pred.PlaceBet(h.ctx, "alice", "m1", domain.DirectionYes, 100)
	require.NoError(t, err)

	// Paid the wrong amount, and with the wrong purpose.
	short := h.pay("alice", 60, domain.PurposePredictionBet)
	_, err = h.pred.ConfirmBet(h.ctx, bet.ID, short)
	require.ErrorIs(t, err, domain.ErrVerificationMismatch)

	other := h.pay("alice", 100, domain.PurposeMapAction)
	_, err = h.pred.ConfirmBet(h.ctx, bet.ID, other)
	require.ErrorIs(t, err, domain.ErrVerificationMismatch)

	require.Equal(t, domain.BetPending, h.bet(bet.ID).Status)
}

func TestConfirmBetCannotReuseReference(t *testing.T) {
	h := newHarness(t)
	first := h.confirmedBet("m1", "alice", domain.DirectionYes, 100)

	second, _, err := h.pred.PlaceBet(h.ctx, "alice", "m1", domain.DirectionYes, 100)
	require.NoError(t, err)
	_, err = h.pred.ConfirmBet(h.ctx, second.ID, first.PaymentReference)
	require.ErrorIs(t, err, domain.ErrReplay)
}

func TestSettleSplitsPoolProRata(t *testing.T) {
	h := newHarness(t)
	small := h.confirmedBet("m1", "alice", domain.DirectionYes, 70)
	large := h.confirmedBet("m1", "bob", domain.DirectionYes, 630)
	loser := h.confirmedBet("m1", "carol", domain.DirectionNo, 300)
	treasuryBefore := h.ledger.Balance(treasury)

	rep, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSettled, rep.Outcome)
	require.Equal(t, int64(1000), rep.TotalPool)
	require.Equal(t, int64(700), rep.YesPool)
	require.Equal(t, int64(300), rep.NoPool)
	require.Equal(t, int64(50), rep.Fee)
	require.Equal(t, int64(950), rep.Distributable)
	require.Zero(t, rep.Dust)
	require.Zero(t, rep.FailedPayouts())

	prizes := map[string]int64{}
	var sum int64
	for _, p := range rep.Payouts {
		prizes[p.BetID] = p.Prize
		sum += p.Prize
		require.Equal(t, domain.BetWonPaid, p.Status)
	}
	require.Equal(t, int64(95), prizes[small.ID])
	require.Equal(t, int64(855), prizes[large.ID])
	require.Equal(t, rep.Distributable, sum)

	require.Equal(t, int64(95), h.ledger.Balance("alice"))
	require.Equal(t, int64(855), h.ledger.Balance("bob"))
	require.Zero(t, h.ledger.Balance("carol"))
	require.Equal(t, treasuryBefore+50, h.ledger.Balance(treasury))
	require.NotNil(t, rep.FeeResult)
	require.True(t, rep.FeeResult.Success)

	require.Equal(t, domain.BetLost, h.bet(loser.ID).Status)
	paid := h.bet(small.ID)
	require.Equal(t, domain.BetWonPaid, paid.Status)
	require.Equal(t, int64(95), paid.PayoutAmount)
	require.NotEmpty(t, paid.PayoutReference)

	rec, err := h.stores.Settlements.Get(h.ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.SettlementCompleted, rec.Status)
}

func TestSettleSendsDustToTreasury(t *testing.T) {
	h := newHarness(t)
	for _, w := range []string{"a", "b", "c"} {
		h.confirmedBet("m1", w, domain.DirectionYes, 1)
	}
	h.confirmedBet("m1", "d", domain.DirectionNo, 1)
	treasuryBefore := h.ledger.Balance(treasury)

	rep, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Zero(t, rep.Fee)
	require.Equal(t, int64(4), rep.Distributable)
	require.Equal(t, int64(1), rep.Dust)
	for _, p := range rep.Payouts {
		require.Equal(t, int64(1), p.Prize)
	}
	require.Equal(t, treasuryBefore+1, h.ledger.Balance(treasury))
}

func TestSettleWithoutWinnersMovesNothing(t *testing.T) {
	h := newHarness(t)
	a := h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	b := h.confirmedBet("m1", "bob", domain.DirectionYes, 200)
	broadcasts := h.ledger.Stats().Broadcasts

	rep, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionNo)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNoWinners, rep.Outcome)
	require.Empty(t, rep.Payouts)
	require.Empty(t, rep.Losers)
	require.Equal(t, broadcasts, h.ledger.Stats().Broadcasts)
	require.Equal(t, domain.BetConfirmed, h.bet(a.ID).Status)
	require.Equal(t, domain.BetConfirmed, h.bet(b.ID).Status)

	// The market is still open and can be settled later.
	_, err = h.stores.Settlements.Get(h.ctx, "m1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	rep, err = h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSettled, rep.Outcome)
}

func TestSettleWithoutBets(t *testing.T) {
	h := newHarness(t)

	rep, err := h.pred.SettleMarket(h.ctx, "empty", domain.DirectionYes)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNoBets, rep.Outcome)
	require.Zero(t, h.ledger.Stats().Broadcasts)
}

func TestSettleIgnoresUnconfirmedBetsByDefault(t *testing.T) {
	h := newHarness(t)
	h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	pending, _, err := h.pred.PlaceBet(h.ctx, "bob", "m1", domain.DirectionYes, 900)
	require.NoError(t, err)

	rep, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Equal(t, int64(100), rep.TotalPool)
	require.Len(t, rep.Payouts, 1)
	require.Equal(t, domain.BetPending, h.bet(pending.ID).Status)
}

func TestSettleOneFailedPayoutDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	var bets []domain.PredictionBet
	for i := 0; i < 5; i++ {
		bets = append(bets, h.confirmedBet("m1", fmt.Sprintf("winner-%d", i), domain.DirectionYes, 100))
	}
	h.confirmedBet("m1", "loser", domain.DirectionNo, 500)
	h.ledger.FailTransfersTo("winner-2", domain.ErrLedgerTxFailed, 1)

	rep, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Equal(t, 1, rep.FailedPayouts())

	counts := map[domain.BetStatus]int{}
	for _, b := range bets {
		counts[h.bet(b.ID).Status]++
	}
	require.Equal(t, 4, counts[domain.BetWonPaid])
	require.Equal(t, 1, counts[domain.BetWonFailed])

	failed := h.bet(bets[2].ID)
	require.Equal(t, domain.BetWonFailed, failed.Status)
	require.Equal(t, int64(190), failed.PayoutAmount)
	require.NotEmpty(t, failed.LastError)
	require.Contains(t, h.alerts.Events(), notify.EventPayoutFailed)
	require.Zero(t, h.ledger.Balance("winner-2"))

	// The operator retries once the ledger recovers.
	lines, err := h.pred.RetryFailedPayouts(h.ctx, "m1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, domain.BetWonPaid, lines[0].Status)
	require.Equal(t, domain.BetWonPaid, h.bet(bets[2].ID).Status)
	require.Equal(t, int64(190), h.ledger.Balance("winner-2"))

	lines, err = h.pred.RetryFailedPayouts(h.ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestRetryResolvesTimedOutPayoutWithoutResending(t *testing.T) {
	h := newHarness(t)
	w := h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	h.confirmedBet("m1", "bob", domain.DirectionNo, 100)
	h.ledger.TimeoutTransfersTo("alice", 1)

	rep, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Equal(t, 1, rep.FailedPayouts())
	failed := h.bet(w.ID)
	require.Equal(t, domain.BetWonFailed, failed.Status)
	require.NotEmpty(t, failed.PayoutReference)
	require.Equal(t, int64(190), h.ledger.Balance("alice"))
	broadcasts := h.ledger.Stats().Broadcasts

	lines, err := h.pred.RetryFailedPayouts(h.ctx, "m1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.True(t, lines[0].Result.Success)
	require.Equal(t, domain.BetWonPaid, h.bet(w.ID).Status)
	require.Equal(t, broadcasts, h.ledger.Stats().Broadcasts)
	require.Equal(t, int64(190), h.ledger.Balance("alice"))
}

func TestRetryWaitsOutDroppedPayoutBeforeResending(t *testing.T) {
	h := newHarness(t)
	w := h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	h.confirmedBet("m1", "bob", domain.DirectionNo, 100)
	h.ledger.DropTransfersTo("alice", 1)

	_, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Equal(t, domain.BetWonFailed, h.bet(w.ID).Status)

	lines, err := h.pred.RetryFailedPayouts(h.ctx, "m1")
	require.NoError(t, err)
	require.True(t, lines[0].Result.Unknown)
	require.Equal(t, domain.BetWonFailed, h.bet(w.ID).Status)
	require.Zero(t, h.ledger.Balance("alice"))

	h.advance(time.Hour)
	lines, err = h.pred.RetryFailedPayouts(h.ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.BetWonPaid, lines[0].Status)
	require.Equal(t, int64(190), h.ledger.Balance("alice"))
}

func TestRetryNeverResendsPendingPayout(t *testing.T) {
	h := newHarness(t)
	w := h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	h.confirmedBet("m1", "bob", domain.DirectionNo, 100)
	h.ledger.PendTransfersTo("alice", 1)

	_, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Equal(t, domain.BetWonFailed, h.bet(w.ID).Status)
	broadcasts := h.ledger.Stats().Broadcasts

	h.advance(time.Hour)
	lines, err := h.pred.RetryFailedPayouts(h.ctx, "m1")
	require.NoError(t, err)
	require.True(t, lines[0].Result.Unknown)
	require.Equal(t, broadcasts, h.ledger.Stats().Broadcasts)
	require.Zero(t, h.ledger.Balance("alice"))

	require.Equal(t, 1, h.ledger.LandPending())
	lines, err = h.pred.RetryFailedPayouts(h.ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.BetWonPaid, lines[0].Status)
	require.Equal(t, broadcasts, h.ledger.Stats().Broadcasts)
	require.Equal(t, int64(190), h.ledger.Balance("alice"))
}

func TestUnknownFeesFromTwoMarketsAreBothOwed(t *testing.T) {
	h := newHarness(t)
	for _, m := range []string{"m1", "m2"} {
		h.confirmedBet(m, "alice", domain.DirectionYes, 1000)
		h.confirmedBet(m, "bob", domain.DirectionNo, 1000)
	}
	treasuryBefore := h.ledger.Balance(treasury)
	h.ledger.DropTransfersTo(treasury, 2)

	for _, m := range []string{"m1", "m2"} {
		rep, err := h.pred.SettleMarket(h.ctx, m, domain.DirectionYes)
		require.NoError(t, err)
		require.Equal(t, int64(100), rep.Fee)
		require.True(t, rep.FeeResult.Unknown)
	}

	ob := obligation(t, h, treasury)
	require.Equal(t, int64(200), ob.AccumulatedAmount)
	require.Len(t, ob.Pending, 2)

	h.advance(20 * time.Minute)
	_, err := h.queue.Flush(h.ctx, domain.FlushOptions{Force: true})
	require.NoError(t, err)
	_, err = h.queue.Flush(h.ctx, domain.FlushOptions{Force: true})
	require.NoError(t, err)

	require.Equal(t, treasuryBefore+200, h.ledger.Balance(treasury))
	_, err = h.stores.Obligations.Get(h.ctx, treasury)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// unrecordedBets fails every transition to WON_PAID.
type unrecordedBets struct {
	domain.BetStore
}

func (b unrecordedBets) Transition(ctx context.Context, id string, from []domain.BetStatus, to domain.BetStatus, upd domain.BetUpdate) (domain.PredictionBet, error) {
	if to == domain.BetWonPaid {
		return domain.PredictionBet{}, errors.New("database is read-only")
	}
	return b.BetStore.Transition(ctx, id, from, to, upd)
}

func TestPaidButUnrecordedPrizeAlerts(t *testing.T) {
	h := newHarness(t)
	w := h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	h.confirmedBet("m1", "bob", domain.DirectionNo, 100)
	h.pred.bets = unrecordedBets{BetStore: h.stores.Bets}

	rep, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	require.Len(t, rep.Payouts, 1)
	ref := rep.Payouts[0].Result.Reference
	require.True(t, rep.Payouts[0].Result.Success)
	require.NotEmpty(t, ref)
	require.Equal(t, int64(190), h.ledger.Balance("alice"))
	require.Equal(t, domain.BetConfirmed, h.bet(w.ID).Status)

	require.Contains(t, h.alerts.Events(), notify.EventPayoutUnrecorded)
	var found bool
	for _, msg := range h.alerts.Messages() {
		if strings.Contains(msg, ref) && strings.Contains(msg, w.ID) {
			found = true
		}
	}
	require.True(t, found, "alert should name the bet and the transfer reference")
}

func TestSettleTwiceIsRejected(t *testing.T) {
	h := newHarness(t)
	h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	h.confirmedBet("m1", "bob", domain.DirectionNo, 100)

	_, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)
	broadcasts := h.ledger.Stats().Broadcasts

	_, err = h.pred.SettleMarket(h.ctx, "m1", domain.DirectionNo)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, err = h.pred.RefundMarket(h.ctx, "m1")
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	require.Equal(t, broadcasts, h.ledger.Stats().Broadcasts)

	_, _, err = h.pred.PlaceBet(h.ctx, "carol", "m1", domain.DirectionYes, 10)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestConcurrentSettlementRunsOnce(t *testing.T) {
	h := newHarness(t, memledger.WithLatency(5*time.Millisecond))
	for i := 0; i < 4; i++ {
		h.confirmedBet("m1", fmt.Sprintf("w-%d", i), domain.DirectionYes, 100)
	}
	h.confirmedBet("m1", "loser", domain.DirectionNo, 100)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.True(t,
			errors.Is(err, domain.ErrSettlementInProgress) || errors.Is(err, domain.ErrAlreadySettled), err.Error())
	}
	require.Equal(t, 1, ok)
	for i := 0; i < 4; i++ {
		require.Equal(t, int64(118), h.ledger.Balance(fmt.Sprintf("w-%d", i)))
	}
}

func TestRefundReturnsStakes(t *testing.T) {
	h := newHarness(t)
	a := h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	b := h.confirmedBet("m1", "bob", domain.DirectionNo, 250)
	h.ledger.FailTransfersTo("bob", domain.ErrLedgerTxFailed, 1)

	rep, err := h.pred.RefundMarket(h.ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeRefunded, rep.Outcome)
	require.Equal(t, int64(350), rep.TotalPool)
	require.Equal(t, 1, rep.FailedPayouts())
	require.Equal(t, int64(100), h.ledger.Balance("alice"))
	require.Equal(t, domain.BetRefunded, h.bet(a.ID).Status)
	require.Equal(t, domain.BetRefunded, h.bet(b.ID).Status)

	// The failed refund is owed through the obligation queue.
	ob := obligation(t, h, "bob")
	require.Equal(t, int64(250), ob.AccumulatedAmount)
	_, err = h.queue.Flush(h.ctx, domain.FlushOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(250), h.ledger.Balance("bob"))
}

func TestRefundWithoutBetsStillClosesMarket(t *testing.T) {
	h := newHarness(t)

	rep, err := h.pred.RefundMarket(h.ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeNoBets, rep.Outcome)
	_, _, err = h.pred.PlaceBet(h.ctx, "alice", "m1", domain.DirectionYes, 10)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestSettlementIsReportedAndPublished(t *testing.T) {
	h := newHarness(t)
	h.confirmedBet("m1", "alice", domain.DirectionYes, 100)
	h.confirmedBet("m1", "bob", domain.DirectionNo, 100)

	rep, err := h.pred.SettleMarket(h.ctx, "m1", domain.DirectionYes)
	require.NoError(t, err)

	require.Len(t, h.reports.reports, 1)
	require.Equal(t, rep.ID, h.reports.reports[0].ID)
	require.Contains(t, h.stores.Audit.Events(), domain.AuditMarketSettled)
	require.Contains(t, h.alerts.Events(), notify.EventMarketSettled)

	msgs, err := h.bus.StreamRead(h.ctx, domain.SettlementChannel, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var ev domain.SettlementEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	require.Equal(t, "m1", ev.MarketID)
	require.Equal(t, domain.OutcomeSettled, ev.Outcome)
	require.Equal(t, 1, ev.Paid)
	require.Equal(t, int64(10), ev.Fee)
}

func TestPlanSettlementArithmetic(t *testing.T) {
	bet := func(dir domain.Direction, amount int64) domain.PredictionBet {
		return domain.PredictionBet{ID: fmt.Sprintf("%s-%d", dir, amount), Direction: dir, Amount: amount}
	}

	cases := []struct {
		name    string
		bets    []domain.PredictionBet
		winning domain.Direction
		outcome domain.SettlementOutcome
		fee     int64
		dust    int64
	}{
		{"empty", nil, domain.DirectionYes, domain.OutcomeNoBets, 0, 0},
		{"no winners", []domain.PredictionBet{bet(domain.DirectionNo, 10)}, domain.DirectionYes, domain.OutcomeNoWinners, 0, 0},
		{"single winner takes all", []domain.PredictionBet{bet(domain.DirectionYes, 10), bet(domain.DirectionNo, 90)}, domain.DirectionYes, domain.OutcomeSettled, 5, 0},
		{"uneven split", []domain.PredictionBet{bet(domain.DirectionNo, 7), bet(domain.DirectionNo, 11), bet(domain.DirectionYes, 1000)}, domain.DirectionNo, domain.OutcomeSettled, 50, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := planSettlement(tc.bets, tc.winning, 500)
			require.NoError(t, err)
			require.Equal(t, tc.outcome, p.outcome)
			require.Equal(t, tc.fee, p.fee)
			require.Equal(t, tc.dust, p.dust)
			if p.outcome != domain.OutcomeSettled {
				require.Empty(t, p.winners)
				return
			}
			var paid int64
			for _, w := range p.winners {
				paid += w.prize
			}
			require.Equal(t, p.distributable, paid+p.dust)
			require.Equal(t, p.total, p.distributable+p.fee)
		})
	}
}
