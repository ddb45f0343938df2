package domain

import "time"

// ConsumptionRequest is built fresh for every user action that costs value.
// It is handed back to the client for signing and never persisted.
type ConsumptionRequest struct {
	UserAddress         string
	TreasuryAddress     string
	Amount              int64
	Purpose             Purpose
	UnsignedTransaction []byte
	SequencingToken     string
	BuiltAt             time.Time
}

// VerifiedTransaction is an append-only record of a ledger reference that
// passed verification. A reference appears at most once.
type VerifiedTransaction struct {
	Reference   string
	FromAddress string
	ToAddress   string
	Asset       string
	Amount      int64
	Purpose     Purpose
	ConfirmedAt time.Time
	VerifiedAt  time.Time
}

// VerifyClaim is what a client asserts about a transaction it broadcast.
type VerifyClaim struct {
	Reference string
	Sender    string
	Amount    int64
	// Purpose, when set, must match the tag carried on the ledger.
	Purpose *Purpose
}

// DistributionResult is the per-recipient outcome of a platform payout.
// Unknown is set when the broadcast timed out; Reference then identifies the
// transfer to resolve later.
type DistributionResult struct {
	Recipient string
	Amount    int64
	Kind      PayoutKind
	Success   bool
	Unknown   bool
	Reference string
	Error     string
}
