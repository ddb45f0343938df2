package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// ObligationStore implements domain.ObligationStore using PostgreSQL.
// Unresolved transfers live in pending_transfers, one row per reference.
type ObligationStore struct {
	pool *pgxpool.Pool
}

// NewObligationStore creates a new ObligationStore backed by the given pool.
func NewObligationStore(pool *pgxpool.Pool) *ObligationStore {
	return &ObligationStore{pool: pool}
}

const obligationColumns = `recipient_address, accumulated_amount, retry_count, last_error, created_at, updated_at`

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Merge adds amount to the recipient's obligation, creating the row if needed.
func (s *ObligationStore) Merge(ctx context.Context, recipient string, amount int64) (domain.PendingObligation, error) {
	if amount <= 0 {
		return domain.PendingObligation{}, fmt.Errorf("postgres: merge obligation: %w", domain.ErrInvalidAmount)
	}
	o, err := scanObligation(s.pool.QueryRow(ctx, mergeObligation, recipient, amount))
	if err != nil {
		return domain.PendingObligation{}, fmt.Errorf("postgres: merge obligation %s: %w", recipient, err)
	}
	if err := s.loadPending(ctx, s.pool, []*domain.PendingObligation{&o}); err != nil {
		return domain.PendingObligation{}, err
	}
	return o, nil
}

const mergeObligation = `
	INSERT INTO pending_obligations (recipient_address, accumulated_amount)
	VALUES ($1, $2)
	ON CONFLICT (recipient_address) DO UPDATE
	SET accumulated_amount = pending_obligations.accumulated_amount + EXCLUDED.accumulated_amount,
	    updated_at = NOW()
	RETURNING ` + obligationColumns

// MergePending adds amount and records reference as unresolved in one
// transaction. A reference that is already recorded changes nothing.
func (s *ObligationStore) MergePending(ctx context.Context, recipient, reference string, amount int64) (domain.PendingObligation, error) {
	if amount <= 0 {
		return domain.PendingObligation{}, fmt.Errorf("postgres: merge pending obligation: %w", domain.ErrInvalidAmount)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.PendingObligation{}, fmt.Errorf("postgres: begin merge pending %s: %w", recipient, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seen bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pending_transfers WHERE reference = $1)`, reference,
	).Scan(&seen); err != nil {
		return domain.PendingObligation{}, fmt.Errorf("postgres: check pending %s: %w", reference, err)
	}
	if !seen {
		if _, err := tx.Exec(ctx, mergeObligation, recipient, amount); err != nil {
			return domain.PendingObligation{}, fmt.Errorf("postgres: merge pending obligation %s: %w", recipient, err)
		}
		if _, err := tx.Exec(ctx, insertPending, reference, recipient, amount); err != nil {
			return domain.PendingObligation{}, fmt.Errorf("postgres: insert pending %s: %w", reference, err)
		}
	}

	o, err := scanObligation(tx.QueryRow(ctx,
		`SELECT `+obligationColumns+` FROM pending_obligations WHERE recipient_address = $1`, recipient))
	if err != nil {
		return domain.PendingObligation{}, fmt.Errorf("postgres: reload obligation %s: %w", recipient, err)
	}
	if err := s.loadPending(ctx, tx, []*domain.PendingObligation{&o}); err != nil {
		return domain.PendingObligation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.PendingObligation{}, fmt.Errorf("postgres: commit merge pending %s: %w", recipient, err)
	}
	return o, nil
}

const insertPending = `
	INSERT INTO pending_transfers (reference, recipient_address, amount)
	VALUES ($1, $2, $3)
	ON CONFLICT (reference) DO NOTHING`

// Get returns the recipient's obligation.
func (s *ObligationStore) Get(ctx context.Context, recipient string) (domain.PendingObligation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+obligationColumns+` FROM pending_obligations WHERE recipient_address = $1`, recipient)
	o, err := scanObligation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PendingObligation{}, fmt.Errorf("postgres: obligation %s: %w", recipient, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PendingObligation{}, fmt.Errorf("postgres: get obligation %s: %w", recipient, err)
	}
	if err := s.loadPending(ctx, s.pool, []*domain.PendingObligation{&o}); err != nil {
		return domain.PendingObligation{}, err
	}
	return o, nil
}

// List returns obligations oldest first.
func (s *ObligationStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.PendingObligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM pending_obligations WHERE 1=1`
	query, args := appendRange(query, nil, "created_at", opts)
	query += " ORDER BY created_at, recipient_address"
	query, args = appendPage(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list obligations: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingObligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan obligation: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list obligations rows: %w", err)
	}

	ptrs := make([]*domain.PendingObligation, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := s.loadPending(ctx, s.pool, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

// Settle subtracts what was paid and removes the row once it reaches zero.
// Amounts merged while the payout was in flight stay queued. With a
// reference, the matching pending transfer is dropped in the same
// transaction.
func (s *ObligationStore) Settle(ctx context.Context, recipient, reference string, paid int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settle %s: %w", recipient, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if reference != "" {
		tag, err := tx.Exec(ctx,
			`DELETE FROM pending_transfers WHERE reference = $1 AND recipient_address = $2`, reference, recipient)
		if err != nil {
			return fmt.Errorf("postgres: settle pending %s: %w", reference, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: settle obligation %s: transfer %s: %w", recipient, reference, domain.ErrNotFound)
		}
	}

	const update = `
		UPDATE pending_obligations
		SET accumulated_amount = accumulated_amount - $2, updated_at = NOW()
		WHERE recipient_address = $1 AND accumulated_amount >= $2 AND $2 > 0`
	tag, err := tx.Exec(ctx, update, recipient, paid)
	if err != nil {
		return fmt.Errorf("postgres: settle obligation %s: %w", recipient, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, recipient); err != nil {
			return err
		}
		return fmt.Errorf("postgres: settle obligation %s: paid %d: %w", recipient, paid, domain.ErrInvalidAmount)
	}

	const cleanup = `DELETE FROM pending_obligations WHERE recipient_address = $1 AND accumulated_amount = 0`
	if _, err := tx.Exec(ctx, cleanup, recipient); err != nil {
		return fmt.Errorf("postgres: delete settled obligation %s: %w", recipient, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settle %s: %w", recipient, err)
	}
	return nil
}

// RecordFailure bumps retry_count and stores the last error.
func (s *ObligationStore) RecordFailure(ctx context.Context, recipient, errMsg string) error {
	const query = `
		UPDATE pending_obligations
		SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE recipient_address = $1`
	return s.execOne(ctx, "record failure", recipient, query, recipient, errMsg)
}

// MarkPending remembers a transfer whose outcome is unknown. The insert only
// happens while the unresolved total stays within what is owed.
func (s *ObligationStore) MarkPending(ctx context.Context, recipient, reference string, amount int64) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pending_transfers WHERE reference = $1)`, reference,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check pending %s: %w", reference, err)
	}
	if exists {
		return nil
	}
	const query = `
		INSERT INTO pending_transfers (reference, recipient_address, amount)
		SELECT $2, o.recipient_address, $3
		FROM pending_obligations o
		WHERE o.recipient_address = $1 AND $3 > 0
		  AND o.accumulated_amount >= $3 + (
		      SELECT COALESCE(SUM(p.amount), 0) FROM pending_transfers p
		      WHERE p.recipient_address = o.recipient_address)
		ON CONFLICT (reference) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, recipient, reference, amount)
	if err != nil {
		return fmt.Errorf("postgres: mark pending %s: %w", recipient, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, recipient); err != nil {
			return err
		}
		return fmt.Errorf("postgres: mark pending %s: %d: %w", recipient, amount, domain.ErrInvalidAmount)
	}
	return nil
}

// ClearPending forgets one unknown transfer. Its amount stays owed.
func (s *ObligationStore) ClearPending(ctx context.Context, recipient, reference string) error {
	const query = `DELETE FROM pending_transfers WHERE recipient_address = $1 AND reference = $2`
	return s.execOne(ctx, "clear pending", recipient, query, recipient, reference)
}

func (s *ObligationStore) execOne(ctx context.Context, op, recipient, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w", op, recipient, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: %s %s: %w", op, recipient, domain.ErrNotFound)
	}
	return nil
}

// loadPending fills Pending for each obligation with one query.
func (s *ObligationStore) loadPending(ctx context.Context, q queryer, obs []*domain.PendingObligation) error {
	if len(obs) == 0 {
		return nil
	}
	byRecipient := make(map[string]*domain.PendingObligation, len(obs))
	recipients := make([]string, 0, len(obs))
	for _, o := range obs {
		byRecipient[o.RecipientAddress] = o
		recipients = append(recipients, o.RecipientAddress)
	}

	rows, err := q.Query(ctx, `
		SELECT recipient_address, reference, amount, since
		FROM pending_transfers
		WHERE recipient_address = ANY($1)
		ORDER BY since, reference`, recipients)
	if err != nil {
		return fmt.Errorf("postgres: load pending transfers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var recipient string
		var p domain.PendingTransfer
		if err := rows.Scan(&recipient, &p.Reference, &p.Amount, &p.Since); err != nil {
			return fmt.Errorf("postgres: scan pending transfer: %w", err)
		}
		if o, ok := byRecipient[recipient]; ok {
			o.Pending = append(o.Pending, p)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: pending transfers rows: %w", err)
	}
	return nil
}

func scanObligation(row pgx.Row) (domain.PendingObligation, error) {
	var o domain.PendingObligation
	err := row.Scan(&o.RecipientAddress, &o.AccumulatedAmount, &o.RetryCount, &o.LastError,
		&o.CreatedAt, &o.UpdatedAt)
	return o, err
}

var _ domain.ObligationStore = (*ObligationStore)(nil)
