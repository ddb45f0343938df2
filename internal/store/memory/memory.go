// Package memory implements the domain stores with maps guarded by mutexes.
// Each operation is atomic with the same guarantees as the Postgres stores,
// which makes it suitable for tests and single-process development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

type clock func() time.Time

// Stores bundles one instance of every store sharing a clock.
type Stores struct {
	Verified    *VerifiedTxStore
	Obligations *ObligationStore
	Bets        *BetStore
	Auctions    *AuctionStore
	Referrals   *ReferralStore
	Settlements *SettlementStore
	Audit       *AuditStore
}

// New creates an empty set of stores. now may be nil for time.Now.
func New(now func() time.Time) *Stores {
	if now == nil {
		now = time.Now
	}
	c := clock(now)
	return &Stores{
		Verified:    &VerifiedTxStore{now: c, rows: map[string]domain.VerifiedTransaction{}},
		Obligations: &ObligationStore{now: c, rows: map[string]domain.PendingObligation{}},
		Bets:        &BetStore{now: c, rows: map[string]domain.PredictionBet{}},
		Auctions:    &AuctionStore{rows: map[string]domain.AuctionAsset{}},
		Referrals:   &ReferralStore{now: c, rows: map[string]domain.ReferralRecord{}},
		Settlements: &SettlementStore{rows: map[string]domain.SettlementRecord{}},
		Audit:       &AuditStore{now: c},
	}
}

func applyPage[T any](rows []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return nil
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// VerifiedTxStore
// ---------------------------------------------------------------------------

// VerifiedTxStore implements domain.VerifiedTxStore.
type VerifiedTxStore struct {
	mu   sync.Mutex
	now  clock
	rows map[string]domain.VerifiedTransaction
}

// InsertIfAbsent implements domain.VerifiedTxStore.
func (s *VerifiedTxStore) InsertIfAbsent(_ context.Context, tx domain.VerifiedTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[tx.Reference]; ok {
		return false, nil
	}
	if tx.VerifiedAt.IsZero() {
		tx.VerifiedAt = s.now()
	}
	s.rows[tx.Reference] = tx
	return true, nil
}

// Get implements domain.VerifiedTxStore.
func (s *VerifiedTxStore) Get(_ context.Context, reference string) (domain.VerifiedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.rows[reference]
	if !ok {
		return domain.VerifiedTransaction{}, fmt.Errorf("memory: verified tx %s: %w", reference, domain.ErrNotFound)
	}
	return tx, nil
}

// ListByAddress implements domain.VerifiedTxStore.
func (s *VerifiedTxStore) ListByAddress(_ context.Context, address string, opts domain.ListOpts) ([]domain.VerifiedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.VerifiedTransaction
	for _, tx := range s.rows {
		if strings.EqualFold(tx.FromAddress, address) && inRange(tx.VerifiedAt, opts) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VerifiedAt.After(out[j].VerifiedAt) })
	return applyPage(out, opts), nil
}

// ---------------------------------------------------------------------------
// ObligationStore
// ---------------------------------------------------------------------------

// ObligationStore implements domain.ObligationStore.
type ObligationStore struct {
	mu   sync.Mutex
	now  clock
	rows map[string]domain.PendingObligation
}

// Merge implements domain.ObligationStore.
func (s *ObligationStore) Merge(_ context.Context, recipient string, amount int64) (domain.PendingObligation, error) {
	if amount <= 0 {
		return domain.PendingObligation{}, fmt.Errorf("memory: merge obligation: %w", domain.ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merge(recipient, amount), nil
}

// MergePending implements domain.ObligationStore.
func (s *ObligationStore) MergePending(_ context.Context, recipient, reference string, amount int64) (domain.PendingObligation, error) {
	if amount <= 0 {
		return domain.PendingObligation{}, fmt.Errorf("memory: merge pending obligation: %w", domain.ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[recipient]; ok {
		if _, dup := cur.FindPending(reference); dup {
			return clonePending(cur), nil
		}
	}
	s.merge(recipient, amount)
	s.addPending(recipient, reference, amount)
	return clonePending(s.rows[recipient]), nil
}

func (s *ObligationStore) merge(recipient string, amount int64) domain.PendingObligation {
	now := s.now()
	o, ok := s.rows[recipient]
	if !ok {
		o = domain.PendingObligation{RecipientAddress: recipient, CreatedAt: now}
	}
	o.AccumulatedAmount += amount
	o.UpdatedAt = now
	s.rows[recipient] = o
	return clonePending(o)
}

func (s *ObligationStore) addPending(recipient, reference string, amount int64) {
	o := s.rows[recipient]
	if _, dup := o.FindPending(reference); dup {
		return
	}
	now := s.now()
	pending := make([]domain.PendingTransfer, 0, len(o.Pending)+1)
	pending = append(pending, o.Pending...)
	o.Pending = append(pending, domain.PendingTransfer{Reference: reference, Amount: amount, Since: now})
	o.UpdatedAt = now
	s.rows[recipient] = o
}

// Get implements domain.ObligationStore.
func (s *ObligationStore) Get(_ context.Context, recipient string) (domain.PendingObligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.rows[recipient]
	if !ok {
		return domain.PendingObligation{}, fmt.Errorf("memory: obligation %s: %w", recipient, domain.ErrNotFound)
	}
	return clonePending(o), nil
}

// List implements domain.ObligationStore, oldest first.
func (s *ObligationStore) List(_ context.Context, opts domain.ListOpts) ([]domain.PendingObligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PendingObligation, 0, len(s.rows))
	for _, o := range s.rows {
		if inRange(o.CreatedAt, opts) {
			out = append(out, clonePending(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RecipientAddress < out[j].RecipientAddress
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return applyPage(out, opts), nil
}

// Settle implements domain.ObligationStore.
func (s *ObligationStore) Settle(_ context.Context, recipient, reference string, paid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.rows[recipient]
	if !ok {
		return fmt.Errorf("memory: settle obligation %s: %w", recipient, domain.ErrNotFound)
	}
	if paid <= 0 || paid > o.AccumulatedAmount {
		return fmt.Errorf("memory: settle obligation %s: paid %d of %d: %w", recipient, paid, o.AccumulatedAmount, domain.ErrInvalidAmount)
	}
	if reference != "" {
		if _, found := o.FindPending(reference); !found {
			return fmt.Errorf("memory: settle obligation %s: transfer %s: %w", recipient, reference, domain.ErrNotFound)
		}
		o.Pending = withoutPending(o.Pending, reference)
	}
	o.AccumulatedAmount -= paid
	if o.AccumulatedAmount == 0 {
		delete(s.rows, recipient)
		return nil
	}
	o.UpdatedAt = s.now()
	s.rows[recipient] = o
	return nil
}

// RecordFailure implements domain.ObligationStore.
func (s *ObligationStore) RecordFailure(_ context.Context, recipient, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.rows[recipient]
	if !ok {
		return fmt.Errorf("memory: record failure %s: %w", recipient, domain.ErrNotFound)
	}
	o.RetryCount++
	o.LastError = errMsg
	o.UpdatedAt = s.now()
	s.rows[recipient] = o
	return nil
}

// MarkPending implements domain.ObligationStore.
func (s *ObligationStore) MarkPending(_ context.Context, recipient, reference string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.rows[recipient]
	if !ok {
		return fmt.Errorf("memory: mark pending %s: %w", recipient, domain.ErrNotFound)
	}
	if amount <= 0 || o.InFlight()+amount > o.AccumulatedAmount {
		return fmt.Errorf("memory: mark pending %s: %d: %w", recipient, amount, domain.ErrInvalidAmount)
	}
	s.addPending(recipient, reference, amount)
	return nil
}

// ClearPending implements domain.ObligationStore.
func (s *ObligationStore) ClearPending(_ context.Context, recipient, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.rows[recipient]
	if !ok {
		return fmt.Errorf("memory: clear pending %s: %w", recipient, domain.ErrNotFound)
	}
	if _, found := o.FindPending(reference); !found {
		return fmt.Errorf("memory: clear pending %s: transfer %s: %w", recipient, reference, domain.ErrNotFound)
	}
	o.Pending = withoutPending(o.Pending, reference)
	o.UpdatedAt = s.now()
	s.rows[recipient] = o
	return nil
}

func withoutPending(in []domain.PendingTransfer, reference string) []domain.PendingTransfer {
	var out []domain.PendingTransfer
	for _, p := range in {
		if p.Reference != reference {
			out = append(out, p)
		}
	}
	return out
}

func clonePending(o domain.PendingObligation) domain.PendingObligation {
	if o.Pending != nil {
		o.Pending = append([]domain.PendingTransfer(nil), o.Pending...)
	}
	return o
}

// ---------------------------------------------------------------------------
// BetStore
// ---------------------------------------------------------------------------

// BetStore implements domain.BetStore.
type BetStore struct {
	mu   sync.Mutex
	now  clock
	rows map[string]domain.PredictionBet
}

// Create implements domain.BetStore.
func (s *BetStore) Create(_ context.Context, bet domain.PredictionBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[bet.ID]; ok {
		return fmt.Errorf("memory: bet %s: %w", bet.ID, domain.ErrAlreadyExists)
	}
	now := s.now()
	if bet.CreatedAt.IsZero() {
		bet.CreatedAt = now
	}
	bet.UpdatedAt = now
	s.rows[bet.ID] = bet
	return nil
}

// Get implements domain.BetStore.
func (s *BetStore) Get(_ context.Context, id string) (domain.PredictionBet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.rows[id]
	if !ok {
		return domain.PredictionBet{}, fmt.Errorf("memory: bet %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

// ListByMarket implements domain.BetStore, ordered by creation time.
func (s *BetStore) ListByMarket(_ context.Context, marketID string, statuses ...domain.BetStatus) ([]domain.PredictionBet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PredictionBet
	for _, b := range s.rows {
		if b.MarketID != marketID {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, b.Status) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Transition implements domain.BetStore.
func (s *BetStore) Transition(_ context.Context, id string, from []domain.BetStatus, to domain.BetStatus, upd domain.BetUpdate) (domain.PredictionBet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.rows[id]
	if !ok {
		return domain.PredictionBet{}, fmt.Errorf("memory: bet %s: %w", id, domain.ErrNotFound)
	}
	if !hasStatus(from, b.Status) {
		return b, fmt.Errorf("memory: bet %s is %s: %w", id, b.Status, domain.ErrTerminalStatus)
	}
	b.Status = to
	if upd.PaymentReference != "" {
		b.PaymentReference = upd.PaymentReference
	}
	if upd.PayoutAmount != 0 {
		b.PayoutAmount = upd.PayoutAmount
	}
	if upd.PayoutReference != "" {
		b.PayoutReference = upd.PayoutReference
	}
	b.LastError = upd.Error
	b.UpdatedAt = s.now()
	s.rows[id] = b
	return b, nil
}

func hasStatus(set []domain.BetStatus, s domain.BetStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// AuctionStore
// ---------------------------------------------------------------------------

// AuctionStore implements domain.AuctionStore.
type AuctionStore struct {
	mu   sync.Mutex
	rows map[string]domain.AuctionAsset
}

// Create implements domain.AuctionStore.
func (s *AuctionStore) Create(_ context.Context, a domain.AuctionAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.AssetID]; ok {
		return fmt.Errorf("memory: auction %s: %w", a.AssetID, domain.ErrAlreadyExists)
	}
	s.rows[a.AssetID] = a
	return nil
}

// Get implements domain.AuctionStore.
func (s *AuctionStore) Get(_ context.Context, assetID string) (domain.AuctionAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[assetID]
	if !ok {
		return domain.AuctionAsset{}, fmt.Errorf("memory: auction %s: %w", assetID, domain.ErrNotFound)
	}
	return a, nil
}

// ApplySeize implements domain.AuctionStore.
func (s *AuctionStore) ApplySeize(_ context.Context, expectedPrice int64, a domain.AuctionAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[a.AssetID]
	if !ok {
		return fmt.Errorf("memory: auction %s: %w", a.AssetID, domain.ErrNotFound)
	}
	if cur.CurrentPrice != expectedPrice {
		return fmt.Errorf("memory: auction %s at %d, expected %d: %w", a.AssetID, cur.CurrentPrice, expectedPrice, domain.ErrStalePrice)
	}
	a.CreatedAt = cur.CreatedAt
	s.rows[a.AssetID] = a
	return nil
}

// Replace implements domain.AuctionStore.
func (s *AuctionStore) Replace(_ context.Context, a domain.AuctionAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[a.AssetID] = a
	return nil
}

// ---------------------------------------------------------------------------
// ReferralStore
// ---------------------------------------------------------------------------

// ReferralStore implements domain.ReferralStore.
type ReferralStore struct {
	mu   sync.Mutex
	now  clock
	rows map[string]domain.ReferralRecord
}

// Register implements domain.ReferralStore.
func (s *ReferralStore) Register(_ context.Context, rec domain.ReferralRecord) (domain.ReferralRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cur, exists := s.rows[rec.UserID]
	if !exists {
		rec.TotalEarnings, rec.TotalReferrals = 0, 0
		rec.CreatedAt, rec.UpdatedAt = now, now
		cur = rec
	} else if cur.WalletAddress == "" && rec.WalletAddress != "" {
		cur.WalletAddress = rec.WalletAddress
	}

	set := false
	if rec.ReferrerID != "" && (!exists || cur.ReferrerID == "") {
		ref, ok := s.rows[rec.ReferrerID]
		if !ok {
			return domain.ReferralRecord{}, false, fmt.Errorf("memory: referrer %s: %w", rec.ReferrerID, domain.ErrNotFound)
		}
		cur.ReferrerID = rec.ReferrerID
		ref.TotalReferrals++
		ref.UpdatedAt = now
		s.rows[ref.UserID] = ref
		set = true
	}
	cur.UpdatedAt = now
	s.rows[cur.UserID] = cur
	return cur, set, nil
}

// Get implements domain.ReferralStore.
func (s *ReferralStore) Get(_ context.Context, userID string) (domain.ReferralRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[userID]
	if !ok {
		return domain.ReferralRecord{}, fmt.Errorf("memory: referral %s: %w", userID, domain.ErrNotFound)
	}
	return r, nil
}

// AddEarnings implements domain.ReferralStore.
func (s *ReferralStore) AddEarnings(_ context.Context, userID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[userID]
	if !ok {
		return fmt.Errorf("memory: referral %s: %w", userID, domain.ErrNotFound)
	}
	r.TotalEarnings += amount
	r.UpdatedAt = s.now()
	s.rows[userID] = r
	return nil
}

// Leaderboard implements domain.ReferralStore.
func (s *ReferralStore) Leaderboard(_ context.Context, limit int) ([]domain.ReferralRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReferralRecord
	for _, r := range s.rows {
		if r.TotalEarnings > 0 || r.TotalReferrals > 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalEarnings != out[j].TotalEarnings {
			return out[i].TotalEarnings > out[j].TotalEarnings
		}
		return out[i].UserID < out[j].UserID
	})
	return applyPage(out, domain.ListOpts{Limit: limit}), nil
}

// ---------------------------------------------------------------------------
// SettlementStore
// ---------------------------------------------------------------------------

// SettlementStore implements domain.SettlementStore.
type SettlementStore struct {
	mu   sync.Mutex
	rows map[string]domain.SettlementRecord
}

// Begin implements domain.SettlementStore.
func (s *SettlementStore) Begin(_ context.Context, rec domain.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[rec.MarketID]; ok {
		if cur.Status == domain.SettlementCompleted {
			return fmt.Errorf("memory: market %s: %w", rec.MarketID, domain.ErrAlreadySettled)
		}
		return fmt.Errorf("memory: market %s: %w", rec.MarketID, domain.ErrSettlementInProgress)
	}
	rec.Status = domain.SettlementInProgress
	s.rows[rec.MarketID] = rec
	return nil
}

// Complete implements domain.SettlementStore.
func (s *SettlementStore) Complete(_ context.Context, marketID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[marketID]
	if !ok {
		return fmt.Errorf("memory: settlement %s: %w", marketID, domain.ErrNotFound)
	}
	cur.Status = domain.SettlementCompleted
	cur.CompletedAt = at
	s.rows[marketID] = cur
	return nil
}

// Abandon implements domain.SettlementStore.
func (s *SettlementStore) Abandon(_ context.Context, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[marketID]; ok && cur.Status == domain.SettlementInProgress {
		delete(s.rows, marketID)
	}
	return nil
}

// Get implements domain.SettlementStore.
func (s *SettlementStore) Get(_ context.Context, marketID string) (domain.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[marketID]
	if !ok {
		return domain.SettlementRecord{}, fmt.Errorf("memory: settlement %s: %w", marketID, domain.ErrNotFound)
	}
	return cur, nil
}

// ---------------------------------------------------------------------------
// AuditStore
// ---------------------------------------------------------------------------

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.Mutex
	now     clock
	nextID  int64
	entries []domain.AuditEntry
}

// Log implements domain.AuditStore.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{ID: s.nextID, Event: event, Detail: detail, CreatedAt: s.now()})
	return nil
}

// List implements domain.AuditStore, newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inRange(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	return applyPage(out, opts), nil
}

// DeleteBefore implements domain.AuditStore.
func (s *AuditStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var n int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// Events returns every logged event name in order.
func (s *AuditStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Event
	}
	return out
}

var (
	_ domain.VerifiedTxStore = (*VerifiedTxStore)(nil)
	_ domain.ObligationStore = (*ObligationStore)(nil)
	_ domain.BetStore        = (*BetStore)(nil)
	_ domain.AuctionStore    = (*AuctionStore)(nil)
	_ domain.ReferralStore   = (*ReferralStore)(nil)
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.AuditStore      = (*AuditStore)(nil)
)
