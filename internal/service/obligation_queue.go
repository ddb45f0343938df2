package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/notify"
)

// QueueConfig configures an ObligationQueue.
type QueueConfig struct {
	Threshold int64
	// UnknownGrace is how long a transfer with an unknown outcome may stay
	// unseen on the ledger before it is treated as failed.
	UnknownGrace time.Duration
	LockTTL      time.Duration
}

// ObligationQueue is the durable retry queue for payouts that failed or were
// too small to send alone. Amounts merge per recipient; a flush pays each
// qualifying recipient once and converges when repeated.
type ObligationQueue struct {
	store  domain.ObligationStore
	payer  Payer
	ledger domain.LedgerClient
	locks  domain.LockManager
	local  *keyedMutex
	rec    recorder
	cfg    QueueConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewObligationQueue creates an ObligationQueue. locks and alerts may be nil.
func NewObligationQueue(
	store domain.ObligationStore,
	payer Payer,
	ledger domain.LedgerClient,
	locks domain.LockManager,
	audit domain.AuditStore,
	alerts Alerter,
	cfg QueueConfig,
	logger *slog.Logger,
) *ObligationQueue {
	if cfg.Threshold <= 0 {
		cfg.Threshold = domain.DefaultBatchThreshold
	}
	if cfg.UnknownGrace <= 0 {
		cfg.UnknownGrace = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	logger = logger.With(slog.String("component", "obligation_queue"))
	return &ObligationQueue{
		store:  store,
		payer:  payer,
		ledger: ledger,
		locks:  locks,
		local:  newKeyedMutex(),
		rec:    recorder{audit: audit, alerts: alerts, logger: logger},
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Threshold is the default amount a non-forced flush requires.
func (q *ObligationQueue) Threshold() int64 {
	return q.cfg.Threshold
}

// Enqueue adds amount to what recipient is owed.
func (q *ObligationQueue) Enqueue(ctx context.Context, recipient string, amount int64) (domain.PendingObligation, error) {
	if err := requireAddress("obligation_queue", recipient); err != nil {
		return domain.PendingObligation{}, err
	}
	if amount <= 0 {
		return domain.PendingObligation{}, fmt.Errorf("obligation_queue: %w: %d", domain.ErrInvalidAmount, amount)
	}
	ob, err := q.store.Merge(ctx, recipient, amount)
	if err != nil {
		return domain.PendingObligation{}, fmt.Errorf("obligation_queue: enqueue %s: %w", recipient, err)
	}
	q.rec.record(ctx, domain.AuditObligationQueued, map[string]any{
		"recipient": recipient,
		"amount":    amount,
		"total":     ob.AccumulatedAmount,
	})
	q.logger.InfoContext(ctx, "obligation queued",
		slog.String("recipient", recipient),
		slog.Int64("amount", amount),
		slog.Int64("total", ob.AccumulatedAmount),
	)
	return ob, nil
}

// Track queues a payout whose outcome is unknown. The amount is owed at once
// but stays out of every flush until reference resolves on the ledger; a
// recipient may have several such transfers at the same time.
func (q *ObligationQueue) Track(ctx context.Context, recipient string, amount int64, reference string) error {
	if reference == "" {
		// Nothing to resolve against; owe it like any failed payout.
		_, err := q.Enqueue(ctx, recipient, amount)
		return err
	}
	if err := requireAddress("obligation_queue", recipient); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("obligation_queue: %w: %d", domain.ErrInvalidAmount, amount)
	}
	ob, err := q.store.MergePending(ctx, recipient, reference, amount)
	if err != nil {
		return fmt.Errorf("obligation_queue: track %s: %w", recipient, err)
	}
	q.rec.record(ctx, domain.AuditObligationQueued, map[string]any{
		"recipient": recipient,
		"amount":    amount,
		"total":     ob.AccumulatedAmount,
		"reference": reference,
	})
	q.logger.InfoContext(ctx, "unknown payout tracked",
		slog.String("recipient", recipient),
		slog.Int64("amount", amount),
		slog.String("reference", reference),
		slog.Int("unresolved", len(ob.Pending)),
	)
	return nil
}

// List returns queued obligations.
func (q *ObligationQueue) List(ctx context.Context, opts domain.ListOpts) ([]domain.PendingObligation, error) {
	obs, err := q.store.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("obligation_queue: list: %w", err)
	}
	return obs, nil
}

// Flush pays every obligation with force or an amount at or above the
// threshold. Paid obligations are removed; failures stay queued with
// retry_count and last_error updated. Unresolved transfers from an earlier
// flush are resolved against the ledger first and never re-sent blindly.
func (q *ObligationQueue) Flush(ctx context.Context, opts domain.FlushOptions) (domain.FlushSummary, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = q.cfg.Threshold
	}
	obs, err := q.store.List(ctx, domain.ListOpts{})
	if err != nil {
		return domain.FlushSummary{}, fmt.Errorf("obligation_queue: flush list: %w", err)
	}

	var sum domain.FlushSummary
	for i, ob := range obs {
		if ctx.Err() != nil {
			sum.Remaining += len(obs) - i
			break
		}
		for _, item := range q.flushOne(ctx, ob.RecipientAddress, opts.Force, threshold) {
			sum.Items = append(sum.Items, item)
			switch item.Outcome {
			case domain.FlushPaid, domain.FlushResolved:
				sum.Processed++
			case domain.FlushFailed:
				sum.Failed++
				sum.Remaining++
			default:
				sum.Remaining++
			}
		}
	}

	q.logger.InfoContext(ctx, "flush complete",
		slog.Int("processed", sum.Processed),
		slog.Int("failed", sum.Failed),
		slog.Int("remaining", sum.Remaining),
		slog.Bool("force", opts.Force),
	)
	if sum.Failed > 0 {
		q.rec.alert(ctx, notify.EventFlushFailed, "Obligation flush failures",
			fmt.Sprintf("%d of %d payouts failed; %d remain queued", sum.Failed, len(sum.Items), sum.Remaining))
	}
	return sum, nil
}

// flushOne resolves every unresolved transfer of recipient, then pays what is
// still sendable. Nothing new is sent in a pass that released a transfer.
func (q *ObligationQueue) flushOne(ctx context.Context, recipient string, force bool, threshold int64) []domain.FlushItem {
	item := domain.FlushItem{Recipient: recipient, Outcome: domain.FlushSkipped}

	release := q.local.Lock(recipient)
	defer release()
	unlock, err := acquire(ctx, q.locks, "flush:"+recipient, q.cfg.LockTTL, 0)
	if err != nil {
		item.Error = err.Error()
		return []domain.FlushItem{item}
	}
	defer unlock()

	// Re-read under the lock: another flush may have paid it already.
	ob, err := q.store.Get(ctx, recipient)
	if errors.Is(err, domain.ErrNotFound) {
		item.Outcome = domain.FlushResolved
		return []domain.FlushItem{item}
	}
	if err != nil {
		item.Error = err.Error()
		return []domain.FlushItem{item}
	}

	var items []domain.FlushItem
	if len(ob.Pending) > 0 {
		released := false
		for _, p := range ob.Pending {
			it := q.resolve(ctx, recipient, p)
			released = released || it.Outcome == domain.FlushFailed
			items = append(items, it)
		}
		if released {
			return items
		}
		ob, err = q.store.Get(ctx, recipient)
		if errors.Is(err, domain.ErrNotFound) {
			return items
		}
		if err != nil {
			item.Error = err.Error()
			return append(items, item)
		}
	}

	amount := ob.Sendable()
	if amount <= 0 {
		return items
	}
	item.Amount = amount
	if !force && amount < threshold {
		return append(items, item)
	}

	res := q.payer.Distribute(ctx, recipient, amount, domain.PayoutObligation)
	item.Reference = res.Reference
	switch {
	case res.Success:
		if err := q.store.Settle(ctx, recipient, "", amount); err != nil {
			// The transfer landed; keep it tracked so it is not paid twice.
			q.logger.ErrorContext(ctx, "settle after payout failed",
				slog.String("recipient", recipient),
				slog.String("reference", res.Reference),
				slog.String("error", err.Error()),
			)
			q.markPending(ctx, recipient, res.Reference, amount)
			item.Outcome = domain.FlushUnknown
			item.Error = err.Error()
			return append(items, item)
		}
		item.Outcome = domain.FlushPaid
		q.rec.record(ctx, domain.AuditObligationFlushed, map[string]any{
			"recipient": recipient,
			"amount":    amount,
			"reference": res.Reference,
		})
	case res.Unknown && res.Reference != "":
		q.markPending(ctx, recipient, res.Reference, amount)
		item.Outcome = domain.FlushUnknown
		item.Error = res.Error
	default:
		q.recordFailure(ctx, recipient, res.Error)
		item.Outcome = domain.FlushFailed
		item.Error = res.Error
	}
	return append(items, item)
}

// resolve settles or releases one transfer whose outcome was unknown. A
// transfer the ledger still reports as pending is never released.
func (q *ObligationQueue) resolve(ctx context.Context, recipient string, p domain.PendingTransfer) domain.FlushItem {
	item := domain.FlushItem{
		Recipient: recipient,
		Amount:    p.Amount,
		Reference: p.Reference,
		Outcome:   domain.FlushSkipped,
	}

	tx, err := q.ledger.FetchTransaction(ctx, p.Reference)
	switch {
	case errors.Is(err, domain.ErrTransactionPending):
		item.Outcome = domain.FlushUnknown
		item.Error = "transfer still pending on ledger"
		return item
	case errors.Is(err, domain.ErrNotFound):
		if q.now().Sub(p.Since) < q.cfg.UnknownGrace {
			item.Outcome = domain.FlushUnknown
			item.Error = "transfer not yet visible on ledger"
			return item
		}
		msg := fmt.Sprintf("transfer %s not seen within %s", p.Reference, q.cfg.UnknownGrace)
		q.release(ctx, recipient, p.Reference, msg)
		item.Outcome = domain.FlushFailed
		item.Error = msg
		return item
	case err != nil:
		item.Error = err.Error()
		return item
	case tx.Errored:
		msg := fmt.Sprintf("transfer %s failed: %s", p.Reference, tx.ErrorDetail)
		q.release(ctx, recipient, p.Reference, msg)
		item.Outcome = domain.FlushFailed
		item.Error = msg
		return item
	}

	if err := q.store.Settle(ctx, recipient, p.Reference, p.Amount); err != nil {
		item.Error = err.Error()
		return item
	}
	item.Outcome = domain.FlushResolved
	q.rec.record(ctx, domain.AuditObligationFlushed, map[string]any{
		"recipient": recipient,
		"amount":    p.Amount,
		"reference": p.Reference,
		"resolved":  true,
	})
	q.logger.InfoContext(ctx, "unknown transfer resolved as paid",
		slog.String("recipient", recipient),
		slog.String("reference", p.Reference),
		slog.Int64("amount", p.Amount),
	)
	return item
}

func (q *ObligationQueue) markPending(ctx context.Context, recipient, reference string, amount int64) {
	if err := q.store.MarkPending(ctx, recipient, reference, amount); err != nil {
		q.logger.ErrorContext(ctx, "mark pending failed",
			slog.String("recipient", recipient),
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
	}
}

func (q *ObligationQueue) release(ctx context.Context, recipient, reference, msg string) {
	if err := q.store.ClearPending(ctx, recipient, reference); err != nil {
		q.logger.ErrorContext(ctx, "clear pending failed",
			slog.String("recipient", recipient),
			slog.String("reference", reference),
			slog.String("error", err.Error()),
		)
		return
	}
	q.recordFailure(ctx, recipient, msg)
}

func (q *ObligationQueue) recordFailure(ctx context.Context, recipient, msg string) {
	if err := q.store.RecordFailure(ctx, recipient, msg); err != nil {
		q.logger.ErrorContext(ctx, "record failure failed",
			slog.String("recipient", recipient),
			slog.String("error", err.Error()),
		)
	}
}
