package domain

import (
	"context"
	"time"
)

// LedgerTransaction is the engine's view of a transfer fetched from the
// distributed ledger by reference.
type LedgerTransaction struct {
	Reference   string
	Sender      string
	Receiver    string
	Asset       string // token contract / mint the amount is denominated in
	Amount      int64  // base units
	Tag         TransferTag
	Tagged      bool
	ConfirmedAt time.Time
	Errored     bool
	ErrorDetail string
}

// SeizeOrder is the single atomic instruction submitted to the ledger program
// for an auction seizure. ExpectedPrice is the pre-seizure price the
// orchestrator observed; the program must compare it with its own stored
// price and fail with ErrStalePrice if they differ.
type SeizeOrder struct {
	AssetID       string
	Bidder        string
	PreviousOwner string
	Treasury      string
	ExpectedPrice int64
	Payment       int64 // ExpectedPrice escalated; debited from the bidder
	TreasuryBps   int64 // share of Payment credited to the treasury
	TauntMessage  string
}

// SeizeReceipt is returned by the ledger once a seizure is confirmed.
type SeizeReceipt struct {
	Reference     string
	PreviousOwner string
	NewPrice      int64
	TreasuryShare int64
	OwnerShare    int64
	SeizedAt      time.Time
}

// AuctionState is the ledger program's authoritative auction record.
type AuctionState struct {
	AssetID      string
	Owner        string
	Price        int64
	StartPrice   int64
	TauntMessage string
	Treasury     string
	CreatedAt    time.Time
	LastSeizedAt time.Time
}

// SigningIdentity is the single platform key the engine signs with.
type SigningIdentity interface {
	Address() string
	// SignDigest returns a 65-byte [R || S || V] signature over a 32-byte digest.
	SignDigest(digest []byte) ([]byte, error)
}

// LedgerClient is the only wire boundary of the engine. Implementations must
// wrap connectivity failures with ErrLedgerUnavailable and missing
// references with ErrNotFound.
type LedgerClient interface {
	// BuildTransfer returns an unsigned, serialized transfer of amount from
	// -> to carrying tag.
	BuildTransfer(ctx context.Context, from, to string, amount int64, tag TransferTag) ([]byte, error)

	// FetchTransaction looks up a transaction by reference. A transaction
	// that was broadcast but is not in a block yet returns
	// ErrTransactionPending, never ErrNotFound.
	FetchTransaction(ctx context.Context, reference string) (LedgerTransaction, error)

	// SignAndBroadcast signs unsigned with identity, broadcasts it and blocks
	// until it is confirmed or the confirmation wait times out. On timeout it
	// returns the reference together with ErrConfirmationUnknown.
	SignAndBroadcast(ctx context.Context, unsigned []byte, identity SigningIdentity) (string, error)

	// LatestSequencingToken returns the ledger's current sequencing token
	// (nonce / recent block hash) for the platform identity.
	LatestSequencingToken(ctx context.Context) (string, error)

	// EnsureAccount creates owner's value-holding account if the ledger needs
	// one, paid by identity. It reports whether an account was created.
	EnsureAccount(ctx context.Context, owner string, identity SigningIdentity) (bool, error)

	// CreateAuction registers a new auction with the ledger program.
	CreateAuction(ctx context.Context, state AuctionState, identity SigningIdentity) (string, error)

	// ExecuteSeize runs the atomic seize instruction.
	ExecuteSeize(ctx context.Context, order SeizeOrder, identity SigningIdentity) (SeizeReceipt, error)

	// FetchAuction reads the program's stored auction record.
	FetchAuction(ctx context.Context, assetID string) (AuctionState, error)
}
