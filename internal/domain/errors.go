package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrRateLimited   = errors.New("rate limited")

	// Operator must fix the deployment (e.g. treasury address missing).
	ErrConfiguration = errors.New("configuration error")
	// Transient; the caller may retry the whole request later.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	ErrLedgerTxFailed       = errors.New("ledger transaction failed")
	ErrVerificationMismatch = errors.New("verification mismatch")
	ErrStaleTransaction     = errors.New("stale transaction")
	ErrReplay               = errors.New("transaction already verified")
	ErrConfirmationUnknown  = errors.New("confirmation outcome unknown")
	// Broadcast but not yet in a block; it may still land.
	ErrTransactionPending = errors.New("transaction pending")

	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidPurpose = errors.New("invalid purpose")
	ErrInvalidAddress = errors.New("invalid address")

	ErrMessageTooLong = errors.New("taunt message too long")
	ErrStalePrice     = errors.New("auction price changed")

	ErrSettlementInProgress = errors.New("settlement in progress")
	ErrAlreadySettled       = errors.New("market already settled")
	ErrTerminalStatus       = errors.New("bet status is terminal")
)

// MismatchError reports which field of a fetched ledger transaction did not
// match the claim being verified.
type MismatchError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s expected %q, got %q", ErrVerificationMismatch, e.Field, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrVerificationMismatch) match.
func (e *MismatchError) Is(target error) bool {
	return target == ErrVerificationMismatch
}
