// Package memledger is an in-process ledger with the semantics the engine
// relies on: tagged transfers, reference lookup, confirmation timeouts, and
// an auction program that re-checks the expected price atomically. It backs
// the "memory" ledger driver and the service tests.
package memledger

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// Asset is the asset identifier every transfer on this ledger carries.
const Asset = "MEM"

// transfer is the unsigned payload produced by BuildTransfer.
type transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Asset  string `json:"asset"`
	Tag    []byte `json:"tag"`
	Nonce  uint64 `json:"nonce"`
}

// fault is an injected broadcast behaviour for one recipient.
type fault struct {
	err     error // broadcast fails with err, nothing is applied
	timeout bool  // transfer applies but the caller sees an unknown outcome
	drop    bool  // nothing applies and the caller sees an unknown outcome
	pend    bool  // held unmined until LandPending; the caller sees an unknown outcome
	times   int   // remaining occurrences; <0 means forever
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu            sync.Mutex
	now           func() time.Time
	latency       time.Duration
	escalationBps int64
	accountRent   int64

	seq         uint64
	unavailable bool
	balances    map[string]int64
	accounts    map[string]bool
	txs         map[string]domain.LedgerTransaction
	auctions    map[string]domain.AuctionState
	faults      map[string]*fault
	pending     map[string]transfer

	inflight    map[string]int
	maxInflight int

	buildCalls     int
	broadcastCalls int
	seizeCalls     int
	auctionReads   int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLatency makes every broadcast block for d (or until ctx is done).
func WithLatency(d time.Duration) Option { return func(l *Ledger) { l.latency = d } }

// WithEscalation sets the minimum price escalation the auction program
// enforces. Defaults to 11000 bps.
func WithEscalation(bps int64) Option { return func(l *Ledger) { l.escalationBps = bps } }

// WithAccountRent charges the payer this much for every account EnsureAccount
// creates.
func WithAccountRent(amount int64) Option { return func(l *Ledger) { l.accountRent = amount } }

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:           time.Now,
		escalationBps: 11_000,
		balances:      make(map[string]int64),
		accounts:      make(map[string]bool),
		txs:           make(map[string]domain.LedgerTransaction),
		auctions:      make(map[string]domain.AuctionState),
		faults:        make(map[string]*fault),
		pending:       make(map[string]transfer),
		inflight:      make(map[string]int),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ---------------------------------------------------------------------------
// Test and development controls
// ---------------------------------------------------------------------------

// Mint credits amount to addr and opens its account.
func (l *Ledger) Mint(addr string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
	l.accounts[addr] = true
}

// Balance returns addr's balance.
func (l *Ledger) Balance(addr string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// TotalSupply sums every balance. Transfers and seizures never change it.
func (l *Ledger) TotalSupply() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for _, b := range l.balances {
		sum += b
	}
	return sum
}

// SetUnavailable makes every call fail with ErrLedgerUnavailable.
func (l *Ledger) SetUnavailable(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = v
}

// FailTransfersTo makes the next n broadcasts to recipient fail with err
// (n <= 0 for every broadcast).
func (l *Ledger) FailTransfersTo(recipient string, err error, n int) {
	l.setFault(recipient, &fault{err: err, times: n})
}

// TimeoutTransfersTo applies the next n transfers to recipient but reports
// an unknown outcome to the broadcaster.
func (l *Ledger) TimeoutTransfersTo(recipient string, n int) {
	l.setFault(recipient, &fault{timeout: true, times: n})
}

// DropTransfersTo loses the next n transfers to recipient and reports an
// unknown outcome.
func (l *Ledger) DropTransfersTo(recipient string, n int) {
	l.setFault(recipient, &fault{drop: true, times: n})
}

// PendTransfersTo holds the next n transfers to recipient in the mempool:
// nothing applies, the caller sees an unknown outcome, and FetchTransaction
// reports them as pending until LandPending.
func (l *Ledger) PendTransfersTo(recipient string, n int) {
	l.setFault(recipient, &fault{pend: true, times: n})
}

// LandPending applies every held transfer under its original reference and
// returns how many landed.
func (l *Ledger) LandPending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	refs := make([]string, 0, len(l.pending))
	for ref := range l.pending {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		l.applyAs(l.pending[ref], ref)
		delete(l.pending, ref)
	}
	return len(refs)
}

// ClearFaults removes every injected fault.
func (l *Ledger) ClearFaults() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = make(map[string]*fault)
}

func (l *Ledger) setFault(recipient string, f *fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[recipient] = f
}

// Submit applies a transfer signed by its sender outside the engine, the
// way a wallet would, and returns its reference.
func (l *Ledger) Submit(unsigned []byte) (string, error) {
	t, err := decode(unsigned)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(t), nil
}

// Inject stores tx verbatim, for fabricating ledger history in tests.
func (l *Ledger) Inject(tx domain.LedgerTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[tx.Reference] = tx
}

// Transactions returns every recorded transaction ordered by reference.
func (l *Ledger) Transactions() []domain.LedgerTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.LedgerTransaction, 0, len(l.txs))
	for _, tx := range l.txs {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

// Stats reports call counters.
type Stats struct {
	Builds       int
	Broadcasts   int
	Seizes       int
	AuctionReads int
	MaxInflight  int // highest concurrent broadcasts seen for one identity
}

// Stats returns the call counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Builds:       l.buildCalls,
		Broadcasts:   l.broadcastCalls,
		Seizes:       l.seizeCalls,
		AuctionReads: l.auctionReads,
		MaxInflight:  l.maxInflight,
	}
}

// ---------------------------------------------------------------------------
// domain.LedgerClient
// ---------------------------------------------------------------------------

// BuildTransfer implements domain.LedgerClient.
func (l *Ledger) BuildTransfer(_ context.Context, from, to string, amount int64, tag domain.TransferTag) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buildCalls++
	if l.unavailable {
		return nil, fmt.Errorf("memledger: build: %w", domain.ErrLedgerUnavailable)
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("memledger: build: %w", domain.ErrInvalidAddress)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("memledger: build: %w", domain.ErrInvalidAmount)
	}
	l.seq++
	return json.Marshal(transfer{From: from, To: to, Amount: amount, Asset: Asset, Tag: tag.Bytes(), Nonce: l.seq})
}

// FetchTransaction implements domain.LedgerClient.
func (l *Ledger) FetchTransaction(_ context.Context, reference string) (domain.LedgerTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return domain.LedgerTransaction{}, fmt.Errorf("memledger: fetch: %w", domain.ErrLedgerUnavailable)
	}
	if _, ok := l.pending[reference]; ok {
		return domain.LedgerTransaction{}, fmt.Errorf("memledger: fetch %s: %w", reference, domain.ErrTransactionPending)
	}
	tx, ok := l.txs[reference]
	if !ok {
		return domain.LedgerTransaction{}, fmt.Errorf("memledger: fetch %s: %w", reference, domain.ErrNotFound)
	}
	return tx, nil
}

// SignAndBroadcast implements domain.LedgerClient.
func (l *Ledger) SignAndBroadcast(ctx context.Context, unsigned []byte, identity domain.SigningIdentity) (string, error) {
	t, err := decode(unsigned)
	if err != nil {
		return "", err
	}
	if t.From != identity.Address() {
		return "", fmt.Errorf("memledger: broadcast: signer %s cannot spend from %s: %w",
			identity.Address(), t.From, domain.ErrLedgerTxFailed)
	}
	digest := sha256.Sum256(unsigned)
	if _, err := identity.SignDigest(digest[:]); err != nil {
		return "", fmt.Errorf("memledger: sign: %w", err)
	}

	l.mu.Lock()
	l.broadcastCalls++
	if l.unavailable {
		l.mu.Unlock()
		return "", fmt.Errorf("memledger: broadcast: %w", domain.ErrLedgerUnavailable)
	}
	signer := identity.Address()
	l.inflight[signer]++
	if l.inflight[signer] > l.maxInflight {
		l.maxInflight = l.inflight[signer]
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inflight[signer]--
		l.mu.Unlock()
	}()

	if l.latency > 0 {
		select {
		case <-time.After(l.latency):
		case <-ctx.Done():
			return "", fmt.Errorf("memledger: broadcast: %w", ctx.Err())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.takeFault(t.To)
	if f != nil && f.err != nil {
		return "", fmt.Errorf("memledger: broadcast to %s: %w", t.To, f.err)
	}
	if f != nil && f.drop {
		return l.reference(), fmt.Errorf("memledger: broadcast to %s: %w", t.To, domain.ErrConfirmationUnknown)
	}
	if f != nil && f.pend {
		ref := l.reference()
		l.pending[ref] = t
		return ref, fmt.Errorf("memledger: broadcast to %s: %w", t.To, domain.ErrConfirmationUnknown)
	}
	if l.balances[t.From] < t.Amount {
		return "", fmt.Errorf("memledger: broadcast: insufficient balance in %s: %w", t.From, domain.ErrLedgerTxFailed)
	}
	ref := l.apply(t)
	if f != nil && f.timeout {
		return ref, fmt.Errorf("memledger: broadcast to %s: %w", t.To, domain.ErrConfirmationUnknown)
	}
	return ref, nil
}

// LatestSequencingToken implements domain.LedgerClient.
func (l *Ledger) LatestSequencingToken(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return "", fmt.Errorf("memledger: sequencing token: %w", domain.ErrLedgerUnavailable)
	}
	return strconv.FormatUint(l.seq, 10), nil
}

// EnsureAccount implements domain.LedgerClient.
func (l *Ledger) EnsureAccount(_ context.Context, owner string, identity domain.SigningIdentity) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return false, fmt.Errorf("memledger: ensure account: %w", domain.ErrLedgerUnavailable)
	}
	if l.accounts[owner] {
		return false, nil
	}
	payer := identity.Address()
	if l.balances[payer] < l.accountRent {
		return false, fmt.Errorf("memledger: ensure account: payer cannot cover rent: %w", domain.ErrLedgerTxFailed)
	}
	l.balances[payer] -= l.accountRent
	l.balances[owner] += l.accountRent
	l.accounts[owner] = true
	return true, nil
}

// CreateAuction implements domain.LedgerClient.
func (l *Ledger) CreateAuction(_ context.Context, state domain.AuctionState, _ domain.SigningIdentity) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return "", fmt.Errorf("memledger: create auction: %w", domain.ErrLedgerUnavailable)
	}
	if _, ok := l.auctions[state.AssetID]; ok {
		return "", fmt.Errorf("memledger: create auction %s: %w", state.AssetID, domain.ErrAlreadyExists)
	}
	now := l.now()
	state.Price = state.StartPrice
	state.CreatedAt = now
	l.auctions[state.AssetID] = state
	ref := l.reference()
	l.txs[ref] = domain.LedgerTransaction{Reference: ref, Sender: state.Owner, Receiver: state.Treasury, Asset: Asset, ConfirmedAt: now}
	return ref, nil
}

// ExecuteSeize implements domain.LedgerClient. Everything happens under one
// lock so the price check and the state change cannot interleave with
// another seize.
func (l *Ledger) ExecuteSeize(_ context.Context, order domain.SeizeOrder, _ domain.SigningIdentity) (domain.SeizeReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seizeCalls++
	if l.unavailable {
		return domain.SeizeReceipt{}, fmt.Errorf("memledger: seize: %w", domain.ErrLedgerUnavailable)
	}

	st, ok := l.auctions[order.AssetID]
	if !ok {
		return domain.SeizeReceipt{}, fmt.Errorf("memledger: seize %s: %w", order.AssetID, domain.ErrNotFound)
	}
	if st.Price != order.ExpectedPrice {
		return domain.SeizeReceipt{}, fmt.Errorf("memledger: seize %s: stored %d, expected %d: %w",
			order.AssetID, st.Price, order.ExpectedPrice, domain.ErrStalePrice)
	}
	minRequired, err := domain.ApplyBps(st.Price, l.escalationBps)
	if err != nil {
		return domain.SeizeReceipt{}, err
	}
	if order.Payment < minRequired {
		return domain.SeizeReceipt{}, fmt.Errorf("memledger: seize %s: paid %d below %d: %w",
			order.AssetID, order.Payment, minRequired, domain.ErrInvalidAmount)
	}
	if err := domain.ValidateTaunt(order.TauntMessage); err != nil {
		return domain.SeizeReceipt{}, err
	}
	if l.balances[order.Bidder] < order.Payment {
		return domain.SeizeReceipt{}, fmt.Errorf("memledger: seize: bidder balance below %d: %w",
			order.Payment, domain.ErrLedgerTxFailed)
	}
	treasuryShare, ownerShare, err := domain.SplitSeizePayment(order.Payment, order.TreasuryBps)
	if err != nil {
		return domain.SeizeReceipt{}, err
	}

	now := l.now()
	prev := st.Owner
	l.balances[order.Bidder] -= order.Payment
	l.balances[st.Treasury] += treasuryShare
	l.balances[prev] += ownerShare
	l.accounts[prev] = true

	st.Owner = order.Bidder
	st.Price = order.Payment
	st.TauntMessage = order.TauntMessage
	st.LastSeizedAt = now
	l.auctions[order.AssetID] = st

	ref := l.reference()
	l.txs[ref] = domain.LedgerTransaction{
		Reference:   ref,
		Sender:      order.Bidder,
		Receiver:    st.Treasury,
		Asset:       Asset,
		Amount:      order.Payment,
		Tag:         domain.PurposeAuctionFee.Tag(),
		Tagged:      true,
		ConfirmedAt: now,
	}
	return domain.SeizeReceipt{
		Reference:     ref,
		PreviousOwner: prev,
		NewPrice:      st.Price,
		TreasuryShare: treasuryShare,
		OwnerShare:    ownerShare,
		SeizedAt:      now,
	}, nil
}

// FetchAuction implements domain.LedgerClient.
func (l *Ledger) FetchAuction(_ context.Context, assetID string) (domain.AuctionState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.auctionReads++
	if l.unavailable {
		return domain.AuctionState{}, fmt.Errorf("memledger: fetch auction: %w", domain.ErrLedgerUnavailable)
	}
	st, ok := l.auctions[assetID]
	if !ok {
		return domain.AuctionState{}, fmt.Errorf("memledger: fetch auction %s: %w", assetID, domain.ErrNotFound)
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// helpers (l.mu held)
// ---------------------------------------------------------------------------

func (l *Ledger) apply(t transfer) string {
	return l.applyAs(t, l.reference())
}

func (l *Ledger) applyAs(t transfer, ref string) string {
	l.balances[t.From] -= t.Amount
	l.balances[t.To] += t.Amount
	l.accounts[t.To] = true
	tx := domain.LedgerTransaction{
		Reference:   ref,
		Sender:      t.From,
		Receiver:    t.To,
		Asset:       t.Asset,
		Amount:      t.Amount,
		ConfirmedAt: l.now(),
	}
	if tag, ok := domain.DecodeTransferTag(t.Tag); ok {
		tx.Tag, tx.Tagged = tag, true
	}
	l.txs[ref] = tx
	return ref
}

func (l *Ledger) reference() string {
	l.seq++
	return fmt.Sprintf("mem-%08d", l.seq)
}

func (l *Ledger) takeFault(recipient string) *fault {
	f, ok := l.faults[recipient]
	if !ok {
		return nil
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(l.faults, recipient)
		}
	}
	return f
}

func decode(unsigned []byte) (transfer, error) {
	var t transfer
	if err := json.Unmarshal(unsigned, &t); err != nil {
		return transfer{}, fmt.Errorf("memledger: decode transfer: %w", errors.Join(domain.ErrLedgerTxFailed, err))
	}
	return t, nil
}

var _ domain.LedgerClient = (*Ledger)(nil)
