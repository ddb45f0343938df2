package domain

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the side of a binary prediction market.
type Direction string

const (
	DirectionYes Direction = "YES"
	DirectionNo  Direction = "NO"
)

// ParseDirection accepts YES/NO in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case DirectionYes:
		return DirectionYes, nil
	case DirectionNo:
		return DirectionNo, nil
	}
	return "", fmt.Errorf("invalid direction %q", s)
}

// BetStatus is the lifecycle state of a prediction bet.
type BetStatus string

const (
	BetPending   BetStatus = "PENDING"
	BetConfirmed BetStatus = "CONFIRMED"
	BetWonPaid   BetStatus = "WON_PAID"
	BetWonFailed BetStatus = "WON_FAILED"
	BetLost      BetStatus = "LOST"
	BetRefunded  BetStatus = "REFUNDED"
)

// IsTerminal reports whether the status is a settlement outcome.
// WON_FAILED is terminal for settlement but may still move to WON_PAID
// through an operator retry.
func (s BetStatus) IsTerminal() bool {
	switch s {
	case BetWonPaid, BetWonFailed, BetLost, BetRefunded:
		return true
	}
	return false
}

// OpenBetStatuses are the statuses collected at settlement time.
var OpenBetStatuses = []BetStatus{BetPending, BetConfirmed}

// PredictionBet is a single wager on a market outcome.
type PredictionBet struct {
	ID               string
	WalletAddress    string
	MarketID         string
	Direction        Direction
	Amount           int64
	Status           BetStatus
	PaymentReference string
	PayoutAmount     int64
	PayoutReference  string
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BetUpdate carries the fields written alongside a status transition.
// Empty fields leave the stored value unchanged.
type BetUpdate struct {
	PaymentReference string
	PayoutAmount     int64
	PayoutReference  string
	Error            string
}
