package domain

import "time"

// DefaultBatchThreshold is the minimum accumulated amount that a non-forced
// flush pays out.
const DefaultBatchThreshold int64 = 100

// PendingObligation is value owed to one recipient that has not been paid
// yet. There is at most one row per recipient.
type PendingObligation struct {
	RecipientAddress  string
	AccumulatedAmount int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	RetryCount        int
	LastError         string

	// Transfers whose outcome is not known yet. Their amounts are part of
	// AccumulatedAmount but are never re-sent until each one resolves.
	Pending []PendingTransfer
}

// PendingTransfer is a broadcast payout awaiting resolution on the ledger.
type PendingTransfer struct {
	Reference string
	Amount    int64
	Since     time.Time
}

// InFlight is the sum of the unresolved transfer amounts.
func (o PendingObligation) InFlight() int64 {
	var n int64
	for _, p := range o.Pending {
		n += p.Amount
	}
	return n
}

// Sendable is what a flush may pay now without risking a double payment.
func (o PendingObligation) Sendable() int64 {
	return o.AccumulatedAmount - o.InFlight()
}

// FindPending returns the unresolved transfer with the given reference.
func (o PendingObligation) FindPending(reference string) (PendingTransfer, bool) {
	for _, p := range o.Pending {
		if p.Reference == reference {
			return p, true
		}
	}
	return PendingTransfer{}, false
}

// FlushOptions controls a queue flush.
type FlushOptions struct {
	Force     bool
	Threshold int64
}

// FlushOutcome classifies what happened to one obligation during a flush.
type FlushOutcome string

const (
	FlushPaid     FlushOutcome = "paid"
	FlushFailed   FlushOutcome = "failed"
	FlushUnknown  FlushOutcome = "unknown"
	FlushResolved FlushOutcome = "resolved"
	FlushSkipped  FlushOutcome = "skipped"
)

// FlushItem is the per-recipient line of a FlushSummary.
type FlushItem struct {
	Recipient string
	Amount    int64
	Outcome   FlushOutcome
	Reference string
	Error     string
}

// FlushSummary reports a flush: Processed obligations were paid and removed,
// Failed ones were attempted and kept, Remaining ones are still queued.
type FlushSummary struct {
	Processed int
	Failed    int
	Remaining int
	Items     []FlushItem
}
