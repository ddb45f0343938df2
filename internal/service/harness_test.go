package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/cache/local"
	"github.com/alanyoungcy/treasuryd/internal/crypto"
	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/ledger/memledger"
	"github.com/alanyoungcy/treasuryd/internal/store/memory"
)

const (
	treasury     = "treasury"
	platformFund = int64(1_000_000)
)

type alertLog struct {
	mu       sync.Mutex
	events   []string
	messages []string
}

func (a *alertLog) Notify(_ context.Context, event, _, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.messages = append(a.messages, message)
	return nil
}

func (a *alertLog) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

func (a *alertLog) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type reportLog struct {
	mu      sync.Mutex
	reports []domain.SettlementReport
}

func (r *reportLog) WriteReport(_ context.Context, rep domain.SettlementReport) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return "settlements/" + rep.MarketID + "/" + rep.ID + ".json", nil
}

// harness wires every service over the in-process ledger and stores.
type harness struct {
	t   *testing.T
	ctx context.Context

	mu  sync.Mutex
	now time.Time

	ledger  *memledger.Ledger
	stores  *memory.Stores
	signer  *crypto.Signer
	gate    *SignerGate
	locks   *local.LockManager
	bus     *local.SignalBus
	alerts  *alertLog
	reports *reportLog

	builder  *Builder
	verifier *Verifier
	dist     *Distributor
	queue    *ObligationQueue
	auctions *AuctionService
	pred     *PredictionService
	refs     *ReferralService
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...memledger.Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		locks:   local.NewLockManager(),
		bus:     local.NewSignalBus(100),
		alerts:  &alertLog{},
		reports: &reportLog{},
	}
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	h.signer = signer

	h.ledger = memledger.New(append([]memledger.Option{memledger.WithClock(h.clock)}, opts...)...)
	h.ledger.Mint(signer.Address(), platformFund)
	h.ledger.Mint(treasury, 0)
	h.stores = memory.New(h.clock)
	log := quietLogger()

	h.builder = NewBuilder(h.ledger, local.NewRateLimiter(), BuilderConfig{TreasuryAddress: treasury}, log)
	h.builder.now = h.clock
	h.verifier = NewVerifier(h.ledger, h.stores.Verified, h.stores.Audit, VerifierConfig{
		TreasuryAddress: treasury,
		Asset:           memledger.Asset,
		FreshnessWindow: 24 * time.Hour,
	}, log)
	h.verifier.now = h.clock
	h.gate = NewSignerGate(signer, h.locks, time.Minute, 0)
	h.dist = NewDistributor(h.ledger, h.gate, h.stores.Audit, log)
	h.queue = NewObligationQueue(h.stores.Obligations, h.dist, h.ledger, h.locks, h.stores.Audit, h.alerts,
		QueueConfig{Threshold: 100, UnknownGrace: 15 * time.Minute}, log)
	h.queue.now = h.clock
	h.auctions = NewAuctionService(h.ledger, h.stores.Auctions, h.gate, h.locks, h.stores.Audit, h.bus, AuctionConfig{
		TreasuryAddress:  treasury,
		EscalationBps:    11_000,
		PreviousOwnerBps: 9_500,
	}, log)
	h.auctions.now = h.clock
	h.pred = NewPredictionService(PredictionDeps{
		Bets:        h.stores.Bets,
		Settlements: h.stores.Settlements,
		Builder:     h.builder,
		Verifier:    h.verifier,
		Payer:       h.dist,
		Queue:       h.queue,
		Ledger:      h.ledger,
		Locks:       h.locks,
		Reports:     h.reports,
		Audit:       h.stores.Audit,
		Bus:         h.bus,
		Alerts:      h.alerts,
	}, PredictionConfig{TreasuryAddress: treasury, FeeBps: 500, UnknownGrace: 15 * time.Minute}, log)
	h.pred.now = h.clock
	h.refs = NewReferralService(h.stores.Referrals, h.dist, h.queue, h.stores.Audit,
		ReferralConfig{CommissionBps: 500, Threshold: 100}, log)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// pay builds a consumption transfer and submits it as the user's wallet
// would, returning the ledger reference.
func (h *harness) pay(user string, amount int64, purpose domain.Purpose) string {
	h.t.Helper()
	h.ledger.Mint(user, amount)
	req, err := h.builder.Build(h.ctx, user, amount, purpose)
	require.NoError(h.t, err)
	ref, err := h.ledger.Submit(req.UnsignedTransaction)
	require.NoError(h.t, err)
	return ref
}

// confirmedBet places, pays for and confirms a bet.
func (h *harness) confirmedBet(market, wallet string, dir domain.Direction, amount int64) domain.PredictionBet {
	h.t.Helper()
	h.ledger.Mint(wallet, amount)
	bet, req, err := h.pred.PlaceBet(h.ctx, wallet, market, dir, amount)
	require.NoError(h.t, err)
	ref, err := h.ledger.Submit(req.UnsignedTransaction)
	require.NoError(h.t, err)
	bet, err = h.pred.ConfirmBet(h.ctx, bet.ID, ref)
	require.NoError(h.t, err)
	require.Equal(h.t, domain.BetConfirmed, bet.Status)
	return bet
}

func (h *harness) bet(id string) domain.PredictionBet {
	h.t.Helper()
	b, err := h.stores.Bets.Get(h.ctx, id)
	require.NoError(h.t, err)
	return b
}
