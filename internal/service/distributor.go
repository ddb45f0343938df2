package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// Distributor sends platform-initiated transfers from the single signing
// identity. Every transfer passes through the identity's SignerGate, which
// it shares with the auction service. It reports outcomes and never queues.
type Distributor struct {
	ledger   domain.LedgerClient
	identity domain.SigningIdentity
	gate     *SignerGate
	rec      recorder
	logger   *slog.Logger
}

// NewDistributor creates a Distributor that signs through gate.
func NewDistributor(ledger domain.LedgerClient, gate *SignerGate, audit domain.AuditStore, logger *slog.Logger) *Distributor {
	logger = logger.With(slog.String("component", "distributor"))
	return &Distributor{
		ledger:   ledger,
		identity: gate.Identity(),
		gate:     gate,
		rec:      recorder{audit: audit, logger: logger},
		logger:   logger,
	}
}

// Address returns the platform identity payouts are sent from.
func (d *Distributor) Address() string {
	return d.identity.Address()
}

// Distribute transfers amount to recipient tagged with kind and waits for
// confirmation. When the confirmation wait times out the result has
// Unknown set and carries the reference to resolve later; the transfer must
// not be re-sent until that reference is resolved.
func (d *Distributor) Distribute(ctx context.Context, recipient string, amount int64, kind domain.PayoutKind) domain.DistributionResult {
	res := domain.DistributionResult{Recipient: recipient, Amount: amount, Kind: kind}
	if err := requireAddress("distributor", recipient); err != nil {
		res.Error = err.Error()
		return res
	}
	if amount <= 0 {
		res.Error = fmt.Sprintf("distributor: %v: %d", domain.ErrInvalidAmount, amount)
		return res
	}

	unlock, err := d.gate.Acquire(ctx)
	if err != nil {
		return d.fail(ctx, res, fmt.Errorf("distributor: %w", err))
	}
	defer unlock()

	if _, err := d.ledger.EnsureAccount(ctx, recipient, d.identity); err != nil {
		return d.fail(ctx, res, fmt.Errorf("distributor: ensure account: %w", err))
	}
	unsigned, err := d.ledger.BuildTransfer(ctx, d.identity.Address(), recipient, amount, kind.Tag())
	if err != nil {
		return d.fail(ctx, res, fmt.Errorf("distributor: build: %w", err))
	}

	ref, err := d.ledger.SignAndBroadcast(ctx, unsigned, d.identity)
	if errors.Is(err, domain.ErrConfirmationUnknown) && ref != "" {
		res.Unknown = true
		res.Reference = ref
		res.Error = err.Error()
		d.logger.WarnContext(ctx, "payout outcome unknown",
			slog.String("recipient", recipient),
			slog.Int64("amount", amount),
			slog.String("reference", ref),
		)
		d.rec.record(ctx, domain.AuditPayoutFailed, map[string]any{
			"recipient": recipient,
			"amount":    amount,
			"kind":      kind.String(),
			"reference": ref,
			"unknown":   true,
		})
		return res
	}
	if err != nil {
		return d.fail(ctx, res, fmt.Errorf("distributor: broadcast: %w", err))
	}

	res.Success = true
	res.Reference = ref
	d.rec.record(ctx, domain.AuditPayout, map[string]any{
		"recipient": recipient,
		"amount":    amount,
		"kind":      kind.String(),
		"reference": ref,
	})
	d.logger.InfoContext(ctx, "payout sent",
		slog.String("recipient", recipient),
		slog.Int64("amount", amount),
		slog.String("kind", kind.String()),
		slog.String("reference", ref),
	)
	return res
}

func (d *Distributor) fail(ctx context.Context, res domain.DistributionResult, err error) domain.DistributionResult {
	res.Error = err.Error()
	d.logger.WarnContext(ctx, "payout failed",
		slog.String("recipient", res.Recipient),
		slog.Int64("amount", res.Amount),
		slog.String("kind", res.Kind.String()),
		slog.String("error", res.Error),
	)
	d.rec.record(ctx, domain.AuditPayoutFailed, map[string]any{
		"recipient": res.Recipient,
		"amount":    res.Amount,
		"kind":      res.Kind.String(),
		"error":     res.Error,
	})
	return res
}

var _ Payer = (*Distributor)(nil)
