package domain

import (
	"fmt"
	"strings"
)

// Purpose tags why value moves from a user to the treasury. The set is closed:
// every switch over Purpose in this module lists all variants, and Valid
// rejects anything outside the declared range.
type Purpose uint8

const (
	PurposeMapAction Purpose = iota
	PurposeAncestorMarking
	PurposeOther
	PurposeAuctionCreate
	PurposeAuctionFee
	PurposePredictionBet
	PurposePredictionFee
)

// Purposes lists every consumption purpose in tag order.
var Purposes = []Purpose{
	PurposeMapAction,
	PurposeAncestorMarking,
	PurposeOther,
	PurposeAuctionCreate,
	PurposeAuctionFee,
	PurposePredictionBet,
	PurposePredictionFee,
}

// Valid reports whether p is one of the declared purposes.
func (p Purpose) Valid() bool {
	return p <= PurposePredictionFee
}

// String returns the snake_case name used in storage and logs.
func (p Purpose) String() string {
	switch p {
	case PurposeMapAction:
		return "map_action"
	case PurposeAncestorMarking:
		return "ancestor_marking"
	case PurposeOther:
		return "other"
	case PurposeAuctionCreate:
		return "auction_create"
	case PurposeAuctionFee:
		return "auction_fee"
	case PurposePredictionBet:
		return "prediction_bet"
	case PurposePredictionFee:
		return "prediction_fee"
	}
	return fmt.Sprintf("purpose(%d)", uint8(p))
}

// Tag returns the on-ledger transfer tag for the purpose.
func (p Purpose) Tag() TransferTag {
	return TransferTag{Kind: TagConsume, Code: uint8(p)}
}

// ParsePurpose maps a stored name back to its Purpose.
func ParsePurpose(s string) (Purpose, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, p := range Purposes {
		if p.String() == key {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPurpose, s)
}

// PayoutKind tags platform-initiated transfers (platform -> user).
type PayoutKind uint8

const (
	PayoutReferral PayoutKind = iota
	PayoutPrediction
	PayoutPredictionFee
	PayoutRefund
	PayoutObligation
)

func (k PayoutKind) String() string {
	switch k {
	case PayoutReferral:
		return "referral"
	case PayoutPrediction:
		return "prediction"
	case PayoutPredictionFee:
		return "prediction_fee"
	case PayoutRefund:
		return "refund"
	case PayoutObligation:
		return "obligation"
	}
	return fmt.Sprintf("payout(%d)", uint8(k))
}

// Tag returns the on-ledger transfer tag for the payout kind.
func (k PayoutKind) Tag() TransferTag {
	return TransferTag{Kind: TagPayout, Code: uint8(k)}
}

// TagKind distinguishes the two tag namespaces carried on the ledger.
type TagKind uint8

const (
	TagConsume TagKind = 1
	TagPayout  TagKind = 2
)

// TransferTag is the two-byte marker attached to every transfer built by the
// engine. The ledger program uses it to apply purpose-specific rules
// (treasury-bound consumption is exempt from transfer tax).
type TransferTag struct {
	Kind TagKind
	Code uint8
}

// Bytes encodes the tag as [kind, code].
func (t TransferTag) Bytes() []byte {
	return []byte{byte(t.Kind), t.Code}
}

// Purpose returns the consumption purpose when the tag is a consume tag.
func (t TransferTag) Purpose() (Purpose, bool) {
	if t.Kind != TagConsume {
		return 0, false
	}
	p := Purpose(t.Code)
	return p, p.Valid()
}

func (t TransferTag) String() string {
	switch t.Kind {
	case TagConsume:
		return "consume:" + Purpose(t.Code).String()
	case TagPayout:
		return "payout:" + PayoutKind(t.Code).String()
	}
	return fmt.Sprintf("tag(%d,%d)", t.Kind, t.Code)
}

// DecodeTransferTag parses the two-byte encoding produced by Bytes.
func DecodeTransferTag(b []byte) (TransferTag, bool) {
	if len(b) != 2 {
		return TransferTag{}, false
	}
	t := TransferTag{Kind: TagKind(b[0]), Code: b[1]}
	if t.Kind != TagConsume && t.Kind != TagPayout {
		return TransferTag{}, false
	}
	return t, true
}
