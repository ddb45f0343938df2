package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// ReferralConfig configures a ReferralService.
type ReferralConfig struct {
	CommissionBps int64
	// Threshold is the smallest commission paid directly; smaller ones are
	// batched through the obligation queue.
	Threshold int64
}

// ReferralService tracks who referred whom and pays referrers a commission
// on what their referrals spend.
type ReferralService struct {
	store  domain.ReferralStore
	payer  Payer
	queue  *ObligationQueue
	rec    recorder
	cfg    ReferralConfig
	logger *slog.Logger
}

// NewReferralService creates a ReferralService.
func NewReferralService(store domain.ReferralStore, payer Payer, queue *ObligationQueue, audit domain.AuditStore, cfg ReferralConfig, logger *slog.Logger) *ReferralService {
	if cfg.Threshold <= 0 {
		cfg.Threshold = domain.DefaultBatchThreshold
	}
	logger = logger.With(slog.String("component", "referral"))
	return &ReferralService{
		store:  store,
		payer:  payer,
		queue:  queue,
		rec:    recorder{audit: audit, logger: logger},
		cfg:    cfg,
		logger: logger,
	}
}

// Register records userID with its payout wallet and, if given, its
// referrer. The first referrer set for a user wins; later ones are ignored.
func (s *ReferralService) Register(ctx context.Context, userID, wallet, referrerID string) (domain.ReferralRecord, error) {
	if userID == "" {
		return domain.ReferralRecord{}, fmt.Errorf("referral: register: empty user id")
	}
	if referrerID != "" && referrerID == userID {
		return domain.ReferralRecord{}, fmt.Errorf("referral: register %s: %w: self referral", userID, domain.ErrInvalidAddress)
	}
	rec, set, err := s.store.Register(ctx, domain.ReferralRecord{
		UserID:        userID,
		WalletAddress: wallet,
		ReferrerID:    referrerID,
	})
	if err != nil {
		return domain.ReferralRecord{}, fmt.Errorf("referral: register %s: %w", userID, err)
	}
	if set {
		s.rec.record(ctx, domain.AuditReferralSet, map[string]any{
			"user_id":  userID,
			"referrer": referrerID,
		})
		s.logger.InfoContext(ctx, "referral registered",
			slog.String("user_id", userID),
			slog.String("referrer", referrerID),
		)
	}
	return rec, nil
}

// RecordCommission credits the referrer of userID with commission on
// amount. Small commissions are queued; larger ones are paid directly and
// queued only if the payout fails. Users without a referrer yield a zero
// result.
func (s *ReferralService) RecordCommission(ctx context.Context, userID string, amount int64) (domain.CommissionResult, error) {
	if amount <= 0 {
		return domain.CommissionResult{}, fmt.Errorf("referral: commission: %w: %d", domain.ErrInvalidAmount, amount)
	}
	user, err := s.store.Get(ctx, userID)
	if err != nil {
		return domain.CommissionResult{}, fmt.Errorf("referral: commission for %s: %w", userID, err)
	}
	if user.ReferrerID == "" {
		return domain.CommissionResult{}, nil
	}
	referrer, err := s.store.Get(ctx, user.ReferrerID)
	if err != nil {
		return domain.CommissionResult{}, fmt.Errorf("referral: referrer %s: %w", user.ReferrerID, err)
	}
	if err := requireAddress("referral: referrer "+referrer.UserID, referrer.WalletAddress); err != nil {
		return domain.CommissionResult{}, err
	}

	commission, err := domain.ApplyBps(amount, s.cfg.CommissionBps)
	if err != nil {
		return domain.CommissionResult{}, fmt.Errorf("referral: commission: %w", err)
	}
	res := domain.CommissionResult{ReferrerID: referrer.UserID, Recipient: referrer.WalletAddress, Amount: commission}
	if commission == 0 {
		return res, nil
	}
	if err := s.store.AddEarnings(ctx, referrer.UserID, commission); err != nil {
		return domain.CommissionResult{}, fmt.Errorf("referral: add earnings %s: %w", referrer.UserID, err)
	}

	switch {
	case commission < s.cfg.Threshold:
		if _, err := s.queue.Enqueue(ctx, referrer.WalletAddress, commission); err != nil {
			return res, fmt.Errorf("referral: queue commission: %w", err)
		}
		res.Queued = true
	default:
		payout := s.payer.Distribute(ctx, referrer.WalletAddress, commission, domain.PayoutReferral)
		res.Payout = &payout
		if !payout.Success {
			if payout.Unknown {
				err = s.queue.Track(ctx, payout.Recipient, commission, payout.Reference)
			} else {
				_, err = s.queue.Enqueue(ctx, payout.Recipient, commission)
			}
			if err != nil {
				return res, fmt.Errorf("referral: queue failed commission: %w", err)
			}
			res.Queued = true
		}
	}

	s.rec.record(ctx, domain.AuditCommission, map[string]any{
		"user_id":  userID,
		"referrer": referrer.UserID,
		"amount":   commission,
		"queued":   res.Queued,
	})
	return res, nil
}

// Leaderboard returns the top referrers by total earnings.
func (s *ReferralService) Leaderboard(ctx context.Context, limit int) ([]domain.ReferralRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	out, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("referral: leaderboard: %w", err)
	}
	return out, nil
}
