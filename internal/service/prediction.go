package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/notify"
)

// PredictionConfig configures a PredictionService.
type PredictionConfig struct {
	TreasuryAddress string
	FeeBps          int64
	// IncludeUnconfirmed settles PENDING bets as well as CONFIRMED ones.
	IncludeUnconfirmed bool
	// UnknownGrace bounds how long a payout with an unknown outcome may stay
	// unseen before a retry may send it again.
	UnknownGrace time.Duration
	LockTTL      time.Duration
}

// PredictionService places, confirms, settles and refunds bets on binary
// markets. Settlement pays each winner independently; a failed payout marks
// that bet WON_FAILED for an operator retry and never affects the others.
type PredictionService struct {
	bets        domain.BetStore
	settlements domain.SettlementStore
	builder     *Builder
	verifier    *Verifier
	payer       Payer
	queue       *ObligationQueue
	ledger      domain.LedgerClient
	locks       domain.LockManager
	reports     domain.ReportSink
	rec         recorder
	cfg         PredictionConfig
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// PredictionDeps groups the collaborators of a PredictionService. Locks,
// Reports, Bus and Alerts may be nil.
type PredictionDeps struct {
	Bets        domain.BetStore
	Settlements domain.SettlementStore
	Builder     *Builder
	Verifier    *Verifier
	Payer       Payer
	Queue       *ObligationQueue
	Ledger      domain.LedgerClient
	Locks       domain.LockManager
	Reports     domain.ReportSink
	Audit       domain.AuditStore
	Bus         domain.SignalBus
	Alerts      Alerter
}

// NewPredictionService creates a PredictionService.
func NewPredictionService(deps PredictionDeps, cfg PredictionConfig, logger *slog.Logger) *PredictionService {
	if cfg.FeeBps < 0 {
		cfg.FeeBps = domain.DefaultFeeBps
	}
	if cfg.UnknownGrace <= 0 {
		cfg.UnknownGrace = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	logger = logger.With(slog.String("component", "prediction"))
	return &PredictionService{
		bets:        deps.Bets,
		settlements: deps.Settlements,
		builder:     deps.Builder,
		verifier:    deps.Verifier,
		payer:       deps.Payer,
		queue:       deps.Queue,
		ledger:      deps.Ledger,
		locks:       deps.Locks,
		reports:     deps.Reports,
		rec:         recorder{audit: deps.Audit, bus: deps.Bus, alerts: deps.Alerts, logger: logger},
		cfg:         cfg,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      logger,
	}
}

// PlaceBet records a PENDING bet and returns the consumption request the
// bettor signs to pay for it.
func (s *PredictionService) PlaceBet(ctx context.Context, wallet, marketID string, dir domain.Direction, amount int64) (domain.PredictionBet, domain.ConsumptionRequest, error) {
	if marketID == "" {
		return domain.PredictionBet{}, domain.ConsumptionRequest{}, fmt.Errorf("prediction: place bet: empty market id")
	}
	if dir != domain.DirectionYes && dir != domain.DirectionNo {
		return domain.PredictionBet{}, domain.ConsumptionRequest{}, fmt.Errorf("prediction: place bet: invalid direction %q", dir)
	}
	if err := s.ensureOpen(ctx, marketID); err != nil {
		return domain.PredictionBet{}, domain.ConsumptionRequest{}, err
	}

	req, err := s.builder.Build(ctx, wallet, amount, domain.PurposePredictionBet)
	if err != nil {
		return domain.PredictionBet{}, domain.ConsumptionRequest{}, fmt.Errorf("prediction: place bet: %w", err)
	}

	now := s.now().UTC()
	bet := domain.PredictionBet{
		ID:            s.newID(),
		WalletAddress: wallet,
		MarketID:      marketID,
		Direction:     dir,
		Amount:        amount,
		Status:        domain.BetPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.bets.Create(ctx, bet); err != nil {
		return domain.PredictionBet{}, domain.ConsumptionRequest{}, fmt.Errorf("prediction: create bet: %w", err)
	}

	s.rec.record(ctx, domain.AuditBetPlaced, map[string]any{
		"bet_id":    bet.ID,
		"market":    marketID,
		"wallet":    wallet,
		"direction": string(dir),
		"amount":    amount,
	})
	s.logger.InfoContext(ctx, "bet placed",
		slog.String("bet_id", bet.ID),
		slog.String("market", marketID),
		slog.String("direction", string(dir)),
		slog.Int64("amount", amount),
	)
	return bet, req, nil
}

// ConfirmBet verifies the payment reference for a PENDING bet and moves it
// to CONFIRMED.
func (s *PredictionService) ConfirmBet(ctx context.Context, betID, reference string) (domain.PredictionBet, error) {
	bet, err := s.bets.Get(ctx, betID)
	if err != nil {
		return domain.PredictionBet{}, fmt.Errorf("prediction: confirm %s: %w", betID, err)
	}
	if bet.Status != domain.BetPending {
		return domain.PredictionBet{}, fmt.Errorf("prediction: confirm %s is %s: %w", betID, bet.Status, domain.ErrTerminalStatus)
	}
	if err := s.ensureOpen(ctx, bet.MarketID); err != nil {
		return domain.PredictionBet{}, err
	}

	purpose := domain.PurposePredictionBet
	if _, err := s.verifier.Verify(ctx, domain.VerifyClaim{
		Reference: reference,
		Sender:    bet.WalletAddress,
		Amount:    bet.Amount,
		Purpose:   &purpose,
	}); err != nil {
		return domain.PredictionBet{}, fmt.Errorf("prediction: confirm %s: %w", betID, err)
	}

	bet, err = s.bets.Transition(ctx, betID, []domain.BetStatus{domain.BetPending}, domain.BetConfirmed,
		domain.BetUpdate{PaymentReference: reference})
	if err != nil {
		return domain.PredictionBet{}, fmt.Errorf("prediction: confirm %s: %w", betID, err)
	}
	s.rec.record(ctx, domain.AuditBetConfirmed, map[string]any{
		"bet_id":    betID,
		"market":    bet.MarketID,
		"reference": reference,
	})
	return bet, nil
}

// ensureOpen rejects markets that are being or have been settled.
func (s *PredictionService) ensureOpen(ctx context.Context, marketID string) error {
	rec, err := s.settlements.Get(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("prediction: market %s: %w", marketID, err)
	}
	if rec.Status == domain.SettlementInProgress {
		return fmt.Errorf("prediction: market %s: %w", marketID, domain.ErrSettlementInProgress)
	}
	return fmt.Errorf("prediction: market %s: %w", marketID, domain.ErrAlreadySettled)
}

func (s *PredictionService) openStatuses() []domain.BetStatus {
	if s.cfg.IncludeUnconfirmed {
		return domain.OpenBetStatuses
	}
	return []domain.BetStatus{domain.BetConfirmed}
}

// begin takes the per-market lock and the durable settlement guard. The
// returned finish func completes the guard on success or abandons it.
func (s *PredictionService) begin(ctx context.Context, marketID string, kind domain.SettlementKind, winning domain.Direction) (string, func(completed bool), error) {
	unlock, err := acquire(ctx, s.locks, "settle:"+marketID, s.cfg.LockTTL, 0)
	if errors.Is(err, domain.ErrLockHeld) {
		return "", nil, fmt.Errorf("prediction: market %s: %w", marketID, domain.ErrSettlementInProgress)
	}
	if err != nil {
		return "", nil, fmt.Errorf("prediction: market %s lock: %w", marketID, err)
	}

	id := s.newID()
	rec := domain.SettlementRecord{
		ID:               id,
		MarketID:         marketID,
		Kind:             kind,
		WinningDirection: winning,
		Status:           domain.SettlementInProgress,
		StartedAt:        s.now().UTC(),
	}
	if err := s.settlements.Begin(ctx, rec); err != nil {
		unlock()
		return "", nil, fmt.Errorf("prediction: market %s: %w", marketID, err)
	}

	finish := func(completed bool) {
		defer unlock()
		// The guard must be written even if the request context is gone.
		bg := context.WithoutCancel(ctx)
		if completed {
			if err := s.settlements.Complete(bg, marketID, s.now().UTC()); err != nil {
				s.logger.ErrorContext(ctx, "complete settlement failed",
					slog.String("market", marketID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if err := s.settlements.Abandon(bg, marketID); err != nil {
			s.logger.ErrorContext(ctx, "abandon settlement failed",
				slog.String("market", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return id, finish, nil
}

// SettleMarket resolves marketID in favour of winning. Each winner gets
// floor(stake * distributable / winningPool); the fee and rounding dust go
// to the treasury in one transfer. A market with no bets, or with no bets on
// the winning side, is left untouched and may be settled again later.
func (s *PredictionService) SettleMarket(ctx context.Context, marketID string, winning domain.Direction) (domain.SettlementReport, error) {
	if winning != domain.DirectionYes && winning != domain.DirectionNo {
		return domain.SettlementReport{}, fmt.Errorf("prediction: settle %s: invalid direction %q", marketID, winning)
	}
	id, finish, err := s.begin(ctx, marketID, domain.SettlementResolve, winning)
	if err != nil {
		return domain.SettlementReport{}, err
	}
	completed := false
	defer func() { finish(completed) }()

	bets, err := s.bets.ListByMarket(ctx, marketID, s.openStatuses()...)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("prediction: settle %s: %w", marketID, err)
	}

	plan, err := planSettlement(bets, winning, s.cfg.FeeBps)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("prediction: settle %s: %w", marketID, err)
	}
	report := domain.SettlementReport{
		ID:               id,
		MarketID:         marketID,
		Kind:             domain.SettlementResolve,
		WinningDirection: winning,
		Outcome:          plan.outcome,
		TotalPool:        plan.total,
		YesPool:          plan.yes,
		NoPool:           plan.no,
		WinningPool:      plan.winningPool,
		Fee:              plan.fee,
		Distributable:    plan.distributable,
		Dust:             plan.dust,
		SettledAt:        s.now().UTC(),
	}
	if plan.outcome != domain.OutcomeSettled {
		s.logger.InfoContext(ctx, "market not settled",
			slog.String("market", marketID),
			slog.String("outcome", string(plan.outcome)),
			slog.Int64("total", plan.total),
		)
		return report, nil
	}

	for _, l := range plan.losers {
		if _, err := s.bets.Transition(ctx, l.ID, domain.OpenBetStatuses, domain.BetLost, domain.BetUpdate{}); err != nil {
			s.logger.WarnContext(ctx, "mark bet lost failed",
				slog.String("bet_id", l.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Losers = append(report.Losers, l.ID)
	}

	for _, w := range plan.winners {
		report.Payouts = append(report.Payouts, s.payWinner(ctx, w.bet, w.prize, domain.OpenBetStatuses))
	}

	if take := plan.fee + plan.dust; take > 0 {
		res := s.payer.Distribute(ctx, s.cfg.TreasuryAddress, take, domain.PayoutPredictionFee)
		s.queueUnpaid(ctx, res)
		report.FeeResult = &res
	}

	completed = true
	s.finishReport(ctx, report)
	return report, nil
}

// payWinner sends one prize and records the outcome on the bet. A zero prize
// is marked paid without a transfer.
func (s *PredictionService) payWinner(ctx context.Context, bet domain.PredictionBet, prize int64, from []domain.BetStatus) domain.PayoutLine {
	line := domain.PayoutLine{BetID: bet.ID, Wallet: bet.WalletAddress, Stake: bet.Amount, Prize: prize}

	res := domain.DistributionResult{Recipient: bet.WalletAddress, Amount: prize, Kind: domain.PayoutPrediction, Success: true}
	if prize > 0 {
		res = s.payer.Distribute(ctx, bet.WalletAddress, prize, domain.PayoutPrediction)
	}
	line.Result = res

	to := domain.BetWonPaid
	upd := domain.BetUpdate{PayoutAmount: prize, PayoutReference: res.Reference}
	if !res.Success {
		to = domain.BetWonFailed
		upd.Error = res.Error
	}
	updated, err := s.bets.Transition(ctx, bet.ID, from, to, upd)
	if err != nil {
		s.logger.ErrorContext(ctx, "record payout on bet failed",
			slog.String("bet_id", bet.ID),
			slog.String("status", string(to)),
			slog.String("reference", res.Reference),
			slog.String("error", err.Error()),
		)
		line.Status = bet.Status
		if res.Success && res.Reference != "" {
			// The prize moved but the bet still looks unpaid.
			s.rec.alert(ctx, notify.EventPayoutUnrecorded, "Prediction payout not recorded",
				fmt.Sprintf("market %s bet %s: %d paid to %s in %s but the bet could not be marked %s: %v",
					bet.MarketID, bet.ID, prize, bet.WalletAddress, res.Reference, to, err))
		}
		return line
	}
	line.Status = updated.Status

	if !res.Success {
		s.rec.alert(ctx, notify.EventPayoutFailed, "Prediction payout failed",
			fmt.Sprintf("market %s bet %s: %d to %s: %s", bet.MarketID, bet.ID, prize, bet.WalletAddress, res.Error))
	}
	return line
}

// queueUnpaid hands a failed or unknown platform payout to the obligation
// queue so it is retried by the next flush.
func (s *PredictionService) queueUnpaid(ctx context.Context, res domain.DistributionResult) {
	if res.Success || s.queue == nil {
		return
	}
	var err error
	if res.Unknown {
		err = s.queue.Track(ctx, res.Recipient, res.Amount, res.Reference)
	} else {
		_, err = s.queue.Enqueue(ctx, res.Recipient, res.Amount)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "queue unpaid payout failed",
			slog.String("recipient", res.Recipient),
			slog.Int64("amount", res.Amount),
			slog.String("reference", res.Reference),
			slog.String("error", err.Error()),
		)
	}
}

// RefundMarket returns every open stake and marks the bets REFUNDED. A
// refund that cannot be sent now is owed through the obligation queue.
func (s *PredictionService) RefundMarket(ctx context.Context, marketID string) (domain.SettlementReport, error) {
	id, finish, err := s.begin(ctx, marketID, domain.SettlementRefund, "")
	if err != nil {
		return domain.SettlementReport{}, err
	}
	completed := false
	defer func() { finish(completed) }()

	bets, err := s.bets.ListByMarket(ctx, marketID, s.openStatuses()...)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("prediction: refund %s: %w", marketID, err)
	}

	report := domain.SettlementReport{
		ID:        id,
		MarketID:  marketID,
		Kind:      domain.SettlementRefund,
		Outcome:   domain.OutcomeRefunded,
		SettledAt: s.now().UTC(),
	}
	for _, b := range bets {
		report.TotalPool += b.Amount
		if b.Direction == domain.DirectionYes {
			report.YesPool += b.Amount
		} else {
			report.NoPool += b.Amount
		}

		res := s.payer.Distribute(ctx, b.WalletAddress, b.Amount, domain.PayoutRefund)
		s.queueUnpaid(ctx, res)
		line := domain.PayoutLine{BetID: b.ID, Wallet: b.WalletAddress, Stake: b.Amount, Prize: b.Amount, Result: res}

		updated, err := s.bets.Transition(ctx, b.ID, domain.OpenBetStatuses, domain.BetRefunded,
			domain.BetUpdate{PayoutAmount: b.Amount, PayoutReference: res.Reference, Error: res.Error})
		if err != nil {
			s.logger.ErrorContext(ctx, "mark bet refunded failed",
				slog.String("bet_id", b.ID),
				slog.String("error", err.Error()),
			)
			line.Status = b.Status
		} else {
			line.Status = updated.Status
		}
		report.Payouts = append(report.Payouts, line)
	}
	if len(bets) == 0 {
		report.Outcome = domain.OutcomeNoBets
	}

	completed = true
	s.finishReport(ctx, report)
	return report, nil
}

// RetryFailedPayouts re-attempts every WON_FAILED bet of marketID. A bet
// whose earlier transfer is found confirmed on the ledger is marked paid
// without sending again.
func (s *PredictionService) RetryFailedPayouts(ctx context.Context, marketID string) ([]domain.PayoutLine, error) {
	unlock, err := acquire(ctx, s.locks, "settle:"+marketID, s.cfg.LockTTL, 0)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, fmt.Errorf("prediction: retry %s: %w", marketID, domain.ErrSettlementInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("prediction: retry %s lock: %w", marketID, err)
	}
	defer unlock()

	failed, err := s.bets.ListByMarket(ctx, marketID, domain.BetWonFailed)
	if err != nil {
		return nil, fmt.Errorf("prediction: retry %s: %w", marketID, err)
	}

	var lines []domain.PayoutLine
	for _, b := range failed {
		if b.PayoutReference != "" {
			line, done := s.resolveEarlierPayout(ctx, b)
			if done {
				lines = append(lines, line)
				continue
			}
		}
		lines = append(lines, s.payWinner(ctx, b, b.PayoutAmount, []domain.BetStatus{domain.BetWonFailed}))
	}

	paid := 0
	for _, l := range lines {
		if l.Status == domain.BetWonPaid {
			paid++
		}
	}
	s.logger.InfoContext(ctx, "failed payouts retried",
		slog.String("market", marketID),
		slog.Int("attempted", len(lines)),
		slog.Int("paid", paid),
	)
	return lines, nil
}

// resolveEarlierPayout checks the reference left by an unknown outcome. It
// reports done when no new transfer may be sent for the bet now.
func (s *PredictionService) resolveEarlierPayout(ctx context.Context, b domain.PredictionBet) (domain.PayoutLine, bool) {
	line := domain.PayoutLine{BetID: b.ID, Wallet: b.WalletAddress, Stake: b.Amount, Prize: b.PayoutAmount, Status: b.Status}
	line.Result = domain.DistributionResult{
		Recipient: b.WalletAddress,
		Amount:    b.PayoutAmount,
		Kind:      domain.PayoutPrediction,
		Reference: b.PayoutReference,
	}

	tx, err := s.ledger.FetchTransaction(ctx, b.PayoutReference)
	switch {
	case err == nil && !tx.Errored:
		updated, err := s.bets.Transition(ctx, b.ID, []domain.BetStatus{domain.BetWonFailed}, domain.BetWonPaid,
			domain.BetUpdate{PayoutReference: b.PayoutReference})
		if err != nil {
			line.Result.Error = err.Error()
			return line, true
		}
		line.Status = updated.Status
		line.Result.Success = true
		return line, true
	case err == nil && tx.Errored:
		return line, false
	case errors.Is(err, domain.ErrTransactionPending):
		line.Result.Unknown = true
		line.Result.Error = "earlier transfer still pending on ledger"
		return line, true
	case errors.Is(err, domain.ErrNotFound) && s.now().Sub(b.UpdatedAt) >= s.cfg.UnknownGrace:
		return line, false
	case errors.Is(err, domain.ErrNotFound):
		line.Result.Unknown = true
		line.Result.Error = "earlier transfer not yet visible on ledger"
		return line, true
	default:
		line.Result.Error = err.Error()
		return line, true
	}
}

// finishReport persists, publishes and announces a completed settlement.
func (s *PredictionService) finishReport(ctx context.Context, report domain.SettlementReport) {
	if s.reports != nil {
		path, err := s.reports.WriteReport(ctx, report)
		if err != nil {
			s.logger.WarnContext(ctx, "write settlement report failed",
				slog.String("market", report.MarketID),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.DebugContext(ctx, "settlement report stored", slog.String("path", path))
		}
	}

	failed := report.FailedPayouts()
	event := domain.AuditMarketSettled
	if report.Kind == domain.SettlementRefund {
		event = domain.AuditMarketRefunded
	}
	detail := map[string]any{
		"report_id": report.ID,
		"market":    report.MarketID,
		"outcome":   string(report.Outcome),
		"total":     report.TotalPool,
		"fee":       report.Fee,
		"dust":      report.Dust,
		"payouts":   len(report.Payouts),
		"failed":    failed,
	}
	if report.WinningDirection != "" {
		detail["winning"] = string(report.WinningDirection)
	}
	s.rec.record(ctx, event, detail)
	s.rec.publish(ctx, domain.SettlementChannel, domain.SettlementEvent{
		ReportID:  report.ID,
		MarketID:  report.MarketID,
		Kind:      report.Kind,
		Outcome:   report.Outcome,
		Paid:      len(report.Payouts) - failed,
		Failed:    failed,
		Fee:       report.Fee,
		SettledAt: report.SettledAt,
	})
	s.rec.alert(ctx, notify.EventMarketSettled, "Market "+string(report.Kind),
		fmt.Sprintf("market %s: %s, pool %d, %d paid, %d failed",
			report.MarketID, report.Outcome, report.TotalPool, len(report.Payouts)-failed, failed))
	s.logger.InfoContext(ctx, "market settled",
		slog.String("market", report.MarketID),
		slog.String("kind", string(report.Kind)),
		slog.String("outcome", string(report.Outcome)),
		slog.Int64("total", report.TotalPool),
		slog.Int("failed", failed),
	)
}
