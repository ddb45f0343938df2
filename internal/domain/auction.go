package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxTauntLength is the longest taunt an owner may leave, in characters.
const MaxTauntLength = 100

// AuctionAsset is the off-chain mirror of an auction held by the ledger
// program. The program is authoritative; the mirror serves reads.
type AuctionAsset struct {
	AssetID         string
	CurrentOwner    string
	CurrentPrice    int64
	TauntMessage    string
	TreasuryAddress string
	CreatedAt       time.Time
	LastSeizedAt    time.Time
}

// MinRequiredPrice is the price the next bidder must pay.
func (a AuctionAsset) MinRequiredPrice(escalationBps int64) (int64, error) {
	return ApplyBps(a.CurrentPrice, escalationBps)
}

// AuctionFromState converts the ledger record into the mirror shape.
func AuctionFromState(s AuctionState) AuctionAsset {
	return AuctionAsset{
		AssetID:         s.AssetID,
		CurrentOwner:    s.Owner,
		CurrentPrice:    s.Price,
		TauntMessage:    s.TauntMessage,
		TreasuryAddress: s.Treasury,
		CreatedAt:       s.CreatedAt,
		LastSeizedAt:    s.LastSeizedAt,
	}
}

// ValidateTaunt rejects messages longer than MaxTauntLength characters.
func ValidateTaunt(msg string) error {
	if n := utf8.RuneCountInString(msg); n > MaxTauntLength {
		return fmt.Errorf("%w: %d characters, max %d", ErrMessageTooLong, n, MaxTauntLength)
	}
	return nil
}

// SplitSeizePayment divides a seizure payment between treasury and the
// previous owner. The owner receives the remainder so the two shares always
// sum to payment.
func SplitSeizePayment(payment, treasuryBps int64) (treasury, owner int64, err error) {
	if treasuryBps < 0 || treasuryBps > BpsDenominator {
		return 0, 0, fmt.Errorf("%w: treasury share %d bps", ErrConfiguration, treasuryBps)
	}
	treasury, err = ApplyBps(payment, treasuryBps)
	if err != nil {
		return 0, 0, err
	}
	return treasury, payment - treasury, nil
}

// SeizeResult is what a successful seizure reports to the caller.
type SeizeResult struct {
	AssetID       string
	NewOwner      string
	PreviousOwner string
	NewPrice      int64
	TreasuryShare int64
	OwnerShare    int64
	Reference     string
	SeizedAt      time.Time
}
