package service

import (
	"github.com/alanyoungcy/treasuryd/internal/domain"
)

type winnerPrize struct {
	bet   domain.PredictionBet
	prize int64
}

// settlementPlan is the pure arithmetic of a settlement.
type settlementPlan struct {
	outcome       domain.SettlementOutcome
	total         int64
	yes           int64
	no            int64
	winningPool   int64
	fee           int64
	distributable int64
	dust          int64
	winners       []winnerPrize
	losers        []domain.PredictionBet
}

// planSettlement partitions bets into pools and computes each winner's prize
// as floor(stake * distributable / winningPool). Prizes plus dust always
// equal distributable, and distributable plus fee equals the total pool.
func planSettlement(bets []domain.PredictionBet, winning domain.Direction, feeBps int64) (settlementPlan, error) {
	var p settlementPlan
	for _, b := range bets {
		if b.Direction == domain.DirectionYes {
			p.yes += b.Amount
		} else {
			p.no += b.Amount
		}
		if b.Direction == winning {
			p.winningPool += b.Amount
		} else {
			p.losers = append(p.losers, b)
		}
	}
	p.total = p.yes + p.no

	switch {
	case p.total == 0:
		p.outcome = domain.OutcomeNoBets
		p.losers = nil
		return p, nil
	case p.winningPool == 0:
		p.outcome = domain.OutcomeNoWinners
		p.losers = nil
		return p, nil
	}
	p.outcome = domain.OutcomeSettled

	fee, err := domain.ApplyBps(p.total, feeBps)
	if err != nil {
		return settlementPlan{}, err
	}
	p.fee = fee
	p.distributable = p.total - fee

	var paid int64
	for _, b := range bets {
		if b.Direction != winning {
			continue
		}
		prize, err := domain.MulDivFloor(b.Amount, p.distributable, p.winningPool)
		if err != nil {
			return settlementPlan{}, err
		}
		paid += prize
		p.winners = append(p.winners, winnerPrize{bet: b, prize: prize})
	}
	p.dust = p.distributable - paid
	return p, nil
}
