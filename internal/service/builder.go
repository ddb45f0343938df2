package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	TreasuryAddress string
	// RateLimit caps builds per user per RateWindow; 0 disables the limit.
	RateLimit  int
	RateWindow time.Duration
}

// Builder produces unsigned, purpose-tagged transfers from a user to the
// treasury. It never signs, submits or retries.
type Builder struct {
	ledger  domain.LedgerClient
	limiter domain.RateLimiter
	cfg     BuilderConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewBuilder creates a Builder. limiter may be nil.
func NewBuilder(ledger domain.LedgerClient, limiter domain.RateLimiter, cfg BuilderConfig, logger *slog.Logger) *Builder {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Builder{
		ledger:  ledger,
		limiter: limiter,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "builder")),
	}
}

// Build returns a fresh ConsumptionRequest for user paying amount for
// purpose. The unsigned transaction is handed back to the caller for signing.
func (b *Builder) Build(ctx context.Context, user string, amount int64, purpose domain.Purpose) (domain.ConsumptionRequest, error) {
	if b.cfg.TreasuryAddress == "" {
		return domain.ConsumptionRequest{}, fmt.Errorf("builder: %w: treasury address not set", domain.ErrConfiguration)
	}
	if err := requireAddress("builder", user); err != nil {
		return domain.ConsumptionRequest{}, err
	}
	if amount <= 0 {
		return domain.ConsumptionRequest{}, fmt.Errorf("builder: %w: %d", domain.ErrInvalidAmount, amount)
	}
	if !purpose.Valid() {
		return domain.ConsumptionRequest{}, fmt.Errorf("builder: %w: %d", domain.ErrInvalidPurpose, purpose)
	}

	if b.limiter != nil && b.cfg.RateLimit > 0 {
		allowed, err := b.limiter.Allow(ctx, "build:"+user, b.cfg.RateLimit, b.cfg.RateWindow)
		switch {
		case err != nil:
			b.logger.WarnContext(ctx, "rate limiter unavailable, allowing build",
				slog.String("user", user),
				slog.String("error", err.Error()),
			)
		case !allowed:
			return domain.ConsumptionRequest{}, fmt.Errorf("builder: %s: %w", user, domain.ErrRateLimited)
		}
	}

	token, err := b.ledger.LatestSequencingToken(ctx)
	if err != nil {
		return domain.ConsumptionRequest{}, fmt.Errorf("builder: sequencing token: %w", err)
	}
	unsigned, err := b.ledger.BuildTransfer(ctx, user, b.cfg.TreasuryAddress, amount, purpose.Tag())
	if err != nil {
		return domain.ConsumptionRequest{}, fmt.Errorf("builder: build transfer: %w", err)
	}

	b.logger.DebugContext(ctx, "consumption built",
		slog.String("user", user),
		slog.Int64("amount", amount),
		slog.String("purpose", purpose.String()),
	)
	return domain.ConsumptionRequest{
		UserAddress:         user,
		TreasuryAddress:     b.cfg.TreasuryAddress,
		Amount:              amount,
		Purpose:             purpose,
		UnsignedTransaction: unsigned,
		SequencingToken:     token,
		BuiltAt:             b.now().UTC(),
	}, nil
}
