package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// VerifiedTxStore is the durable verified set. InsertIfAbsent is the single
// atomic check-and-record that makes crediting idempotent.
type VerifiedTxStore interface {
	InsertIfAbsent(ctx context.Context, tx VerifiedTransaction) (inserted bool, err error)
	Get(ctx context.Context, reference string) (VerifiedTransaction, error)
	ListByAddress(ctx context.Context, address string, opts ListOpts) ([]VerifiedTransaction, error)
}

// ObligationStore persists the pending obligation queue.
type ObligationStore interface {
	// Merge adds amount to the recipient's row, creating it if needed.
	Merge(ctx context.Context, recipient string, amount int64) (PendingObligation, error)
	Get(ctx context.Context, recipient string) (PendingObligation, error)
	List(ctx context.Context, opts ListOpts) ([]PendingObligation, error)
	// MergePending adds amount and records it as an unresolved transfer in
	// one step.
	MergePending(ctx context.Context, recipient, reference string, amount int64) (PendingObligation, error)
	// Settle subtracts a paid amount and deletes the row once nothing is
	// owed. A non-empty reference also drops that pending transfer.
	Settle(ctx context.Context, recipient, reference string, paid int64) error
	// RecordFailure increments retry_count and stores the error text.
	RecordFailure(ctx context.Context, recipient, errMsg string) error
	// MarkPending records an unresolved transfer of an amount already owed.
	// Marking the same reference again is a no-op.
	MarkPending(ctx context.Context, recipient, reference string, amount int64) error
	// ClearPending forgets one unresolved transfer; its amount stays owed.
	ClearPending(ctx context.Context, recipient, reference string) error
}

// BetStore persists prediction bets.
type BetStore interface {
	Create(ctx context.Context, bet PredictionBet) error
	Get(ctx context.Context, id string) (PredictionBet, error)
	ListByMarket(ctx context.Context, marketID string, statuses ...BetStatus) ([]PredictionBet, error)
	// Transition moves a bet to `to` only if its current status is one of
	// `from`; otherwise it returns ErrTerminalStatus and changes nothing.
	Transition(ctx context.Context, id string, from []BetStatus, to BetStatus, upd BetUpdate) (PredictionBet, error)
}

// AuctionStore persists the off-chain auction mirror.
type AuctionStore interface {
	Create(ctx context.Context, a AuctionAsset) error
	Get(ctx context.Context, assetID string) (AuctionAsset, error)
	// ApplySeize writes a if the stored price still equals expectedPrice,
	// otherwise it returns ErrStalePrice.
	ApplySeize(ctx context.Context, expectedPrice int64, a AuctionAsset) error
	// Replace overwrites the mirror with ledger state.
	Replace(ctx context.Context, a AuctionAsset) error
}

// ReferralStore persists referral relationships and earnings.
type ReferralStore interface {
	// Register inserts rec, or sets its referrer if the stored row has none.
	// When the referrer is newly set the referrer's TotalReferrals is
	// incremented in the same transaction. It returns the stored row and
	// whether the referrer was set by this call.
	Register(ctx context.Context, rec ReferralRecord) (ReferralRecord, bool, error)
	Get(ctx context.Context, userID string) (ReferralRecord, error)
	AddEarnings(ctx context.Context, userID string, amount int64) error
	Leaderboard(ctx context.Context, limit int) ([]ReferralRecord, error)
}

// SettlementStore guards markets against concurrent or repeated settlement.
type SettlementStore interface {
	// Begin records an IN_PROGRESS settlement. It returns
	// ErrSettlementInProgress or ErrAlreadySettled if the market has a row.
	Begin(ctx context.Context, rec SettlementRecord) error
	Complete(ctx context.Context, marketID string, at time.Time) error
	// Abandon removes an IN_PROGRESS row so the market may be settled later.
	Abandon(ctx context.Context, marketID string) error
	Get(ctx context.Context, marketID string) (SettlementRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// DeleteBefore removes rows created strictly before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Audit event names.
const (
	AuditTxVerified        = "tx.verified"
	AuditPayout            = "payout.sent"
	AuditPayoutFailed      = "payout.failed"
	AuditObligationQueued  = "obligation.queued"
	AuditObligationFlushed = "obligation.flushed"
	AuditAuctionCreated    = "auction.created"
	AuditAuctionSeized     = "auction.seized"
	AuditBetPlaced         = "bet.placed"
	AuditBetConfirmed      = "bet.confirmed"
	AuditMarketSettled     = "market.settled"
	AuditMarketRefunded    = "market.refunded"
	AuditReferralSet       = "referral.registered"
	AuditCommission        = "referral.commission"
)
