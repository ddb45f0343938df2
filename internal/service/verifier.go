package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	TreasuryAddress string
	// Asset is the token the treasury accepts; empty skips the asset check.
	Asset           string
	FreshnessWindow time.Duration
}

// Verifier confirms that a claimed transfer happened on the ledger before
// anything is credited off-chain. It only reads from the ledger and only
// appends to the verified set.
type Verifier struct {
	ledger   domain.LedgerClient
	verified domain.VerifiedTxStore
	rec      recorder
	cfg      VerifierConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(ledger domain.LedgerClient, verified domain.VerifiedTxStore, audit domain.AuditStore, cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 24 * time.Hour
	}
	logger = logger.With(slog.String("component", "verifier"))
	return &Verifier{
		ledger:   ledger,
		verified: verified,
		rec:      recorder{audit: audit, logger: logger},
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// Verify checks claim against the ledger and records it in the verified set.
// A reference is accepted at most once; the second attempt fails with
// domain.ErrReplay even when two calls race.
func (v *Verifier) Verify(ctx context.Context, claim domain.VerifyClaim) (domain.VerifiedTransaction, error) {
	if v.cfg.TreasuryAddress == "" {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: %w: treasury address not set", domain.ErrConfiguration)
	}
	if claim.Reference == "" {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: %w: empty reference", domain.ErrNotFound)
	}
	if claim.Amount <= 0 {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: %w: %d", domain.ErrInvalidAmount, claim.Amount)
	}

	if _, err := v.verified.Get(ctx, claim.Reference); err == nil {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: %s: %w", claim.Reference, domain.ErrReplay)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: replay check: %w", err)
	}

	tx, err := v.ledger.FetchTransaction(ctx, claim.Reference)
	if err != nil {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: fetch %s: %w", claim.Reference, err)
	}
	if tx.Errored {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: %s: %w: %s", claim.Reference, domain.ErrLedgerTxFailed, tx.ErrorDetail)
	}

	purpose, err := v.compare(tx, claim)
	if err != nil {
		v.logger.WarnContext(ctx, "verification mismatch",
			slog.String("reference", claim.Reference),
			slog.String("error", err.Error()),
		)
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: %s: %w", claim.Reference, err)
	}

	now := v.now().UTC()
	if age := now.Sub(tx.ConfirmedAt); age > v.cfg.FreshnessWindow {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: %s confirmed %s ago: %w",
			claim.Reference, age.Truncate(time.Second), domain.ErrStaleTransaction)
	}

	out := domain.VerifiedTransaction{
		Reference:   claim.Reference,
		FromAddress: tx.Sender,
		ToAddress:   tx.Receiver,
		Asset:       tx.Asset,
		Amount:      tx.Amount,
		Purpose:     purpose,
		ConfirmedAt: tx.ConfirmedAt,
		VerifiedAt:  now,
	}
	inserted, err := v.verified.InsertIfAbsent(ctx, out)
	if err != nil {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: record %s: %w", claim.Reference, err)
	}
	if !inserted {
		return domain.VerifiedTransaction{}, fmt.Errorf("verifier: %s: %w", claim.Reference, domain.ErrReplay)
	}

	v.rec.record(ctx, domain.AuditTxVerified, map[string]any{
		"reference": out.Reference,
		"from":      out.FromAddress,
		"amount":    out.Amount,
		"purpose":   out.Purpose.String(),
	})
	v.logger.InfoContext(ctx, "transaction verified",
		slog.String("reference", out.Reference),
		slog.String("from", out.FromAddress),
		slog.Int64("amount", out.Amount),
		slog.String("purpose", out.Purpose.String()),
	)
	return out, nil
}

// compare checks every claimed field exactly and returns the purpose the
// transfer carries.
func (v *Verifier) compare(tx domain.LedgerTransaction, claim domain.VerifyClaim) (domain.Purpose, error) {
	if !sameAddress(tx.Sender, claim.Sender) {
		return 0, &domain.MismatchError{Field: "sender", Expected: claim.Sender, Actual: tx.Sender}
	}
	if !sameAddress(tx.Receiver, v.cfg.TreasuryAddress) {
		return 0, &domain.MismatchError{Field: "receiver", Expected: v.cfg.TreasuryAddress, Actual: tx.Receiver}
	}
	if tx.Amount != claim.Amount {
		return 0, &domain.MismatchError{
			Field:    "amount",
			Expected: strconv.FormatInt(claim.Amount, 10),
			Actual:   strconv.FormatInt(tx.Amount, 10),
		}
	}
	if v.cfg.Asset != "" && !sameAddress(tx.Asset, v.cfg.Asset) {
		return 0, &domain.MismatchError{Field: "asset", Expected: v.cfg.Asset, Actual: tx.Asset}
	}

	onLedger, tagged := tx.Tag.Purpose()
	tagged = tagged && tx.Tagged
	if claim.Purpose != nil {
		if !tagged {
			return 0, &domain.MismatchError{Field: "purpose", Expected: claim.Purpose.String(), Actual: tx.Tag.String()}
		}
		if onLedger != *claim.Purpose {
			return 0, &domain.MismatchError{Field: "purpose", Expected: claim.Purpose.String(), Actual: onLedger.String()}
		}
	}
	if tagged {
		return onLedger, nil
	}
	return domain.PurposeOther, nil
}

// sameAddress compares addresses ignoring hex checksum casing.
func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
