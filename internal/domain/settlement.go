package domain

import "time"

// DefaultFeeBps is the platform fee taken from a prediction pool.
const DefaultFeeBps int64 = 500

// SettlementKind distinguishes outcome settlement from a full refund.
type SettlementKind string

const (
	SettlementResolve SettlementKind = "resolve"
	SettlementRefund  SettlementKind = "refund"
)

// SettlementStatus is the guard state for a market.
type SettlementStatus string

const (
	SettlementInProgress SettlementStatus = "IN_PROGRESS"
	SettlementCompleted  SettlementStatus = "COMPLETED"
)

// SettlementRecord guards a market so it is settled at most once.
type SettlementRecord struct {
	ID               string
	MarketID         string
	Kind             SettlementKind
	WinningDirection Direction
	Status           SettlementStatus
	StartedAt        time.Time
	CompletedAt      time.Time
}

// SettlementOutcome summarizes what a settlement did.
type SettlementOutcome string

const (
	OutcomeSettled   SettlementOutcome = "settled"
	OutcomeNoBets    SettlementOutcome = "no_bets"
	OutcomeNoWinners SettlementOutcome = "no_winners"
	OutcomeRefunded  SettlementOutcome = "refunded"
)

// PayoutLine is one bettor's result within a settlement.
type PayoutLine struct {
	BetID  string
	Wallet string
	Stake  int64
	Prize  int64
	Status BetStatus
	Result DistributionResult
}

// SettlementReport is the structured, item-by-item result of settling or
// refunding a market. Partial failure is reported per line, never collapsed.
type SettlementReport struct {
	ID               string
	MarketID         string
	Kind             SettlementKind
	WinningDirection Direction
	Outcome          SettlementOutcome
	TotalPool        int64
	YesPool          int64
	NoPool           int64
	WinningPool      int64
	Fee              int64
	Distributable    int64
	Dust             int64
	Payouts          []PayoutLine
	Losers           []string
	FeeResult        *DistributionResult
	SettledAt        time.Time
}

// FailedPayouts counts payout lines that did not succeed.
func (r SettlementReport) FailedPayouts() int {
	n := 0
	for _, p := range r.Payouts {
		if !p.Result.Success {
			n++
		}
	}
	return n
}

// SettlementEvent is published on the signal bus after every settlement.
type SettlementEvent struct {
	ReportID  string            `json:"report_id"`
	MarketID  string            `json:"market_id"`
	Kind      SettlementKind    `json:"kind"`
	Outcome   SettlementOutcome `json:"outcome"`
	Paid      int               `json:"paid"`
	Failed    int               `json:"failed"`
	Fee       int64             `json:"fee"`
	SettledAt time.Time         `json:"settled_at"`
}
