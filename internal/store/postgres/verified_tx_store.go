package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// VerifiedTxStore implements domain.VerifiedTxStore using PostgreSQL.
type VerifiedTxStore struct {
	pool *pgxpool.Pool
}

// NewVerifiedTxStore creates a new VerifiedTxStore backed by the given pool.
func NewVerifiedTxStore(pool *pgxpool.Pool) *VerifiedTxStore {
	return &VerifiedTxStore{pool: pool}
}

const verifiedColumns = `reference, from_address, to_address, asset, amount, purpose, confirmed_at, verified_at`

// InsertIfAbsent relies on the primary key: ON CONFLICT DO NOTHING reports
// zero rows affected when the reference was already verified.
func (s *VerifiedTxStore) InsertIfAbsent(ctx context.Context, tx domain.VerifiedTransaction) (bool, error) {
	const query = `
		INSERT INTO verified_transactions (` + verifiedColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		ON CONFLICT (reference) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		tx.Reference, tx.FromAddress, tx.ToAddress, tx.Asset, tx.Amount,
		tx.Purpose.String(), tx.ConfirmedAt, nullTime(tx.VerifiedAt),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert verified tx %s: %w", tx.Reference, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the verified transaction for reference.
func (s *VerifiedTxStore) Get(ctx context.Context, reference string) (domain.VerifiedTransaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+verifiedColumns+` FROM verified_transactions WHERE reference = $1`, reference)
	tx, err := scanVerified(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.VerifiedTransaction{}, fmt.Errorf("postgres: verified tx %s: %w", reference, domain.ErrNotFound)
	}
	if err != nil {
		return domain.VerifiedTransaction{}, fmt.Errorf("postgres: get verified tx %s: %w", reference, err)
	}
	return tx, nil
}

// ListByAddress returns transactions sent by address, newest first.
func (s *VerifiedTxStore) ListByAddress(ctx context.Context, address string, opts domain.ListOpts) ([]domain.VerifiedTransaction, error) {
	query := `SELECT ` + verifiedColumns + ` FROM verified_transactions WHERE lower(from_address) = lower($1)`
	query, args := appendRange(query, []any{address}, "verified_at", opts)
	query += " ORDER BY verified_at DESC"
	query, args = appendPage(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list verified txs: %w", err)
	}
	defer rows.Close()

	var out []domain.VerifiedTransaction
	for rows.Next() {
		tx, err := scanVerified(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan verified tx: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list verified txs rows: %w", err)
	}
	return out, nil
}

func scanVerified(row pgx.Row) (domain.VerifiedTransaction, error) {
	var tx domain.VerifiedTransaction
	var purpose string
	if err := row.Scan(&tx.Reference, &tx.FromAddress, &tx.ToAddress, &tx.Asset, &tx.Amount,
		&purpose, &tx.ConfirmedAt, &tx.VerifiedAt); err != nil {
		return domain.VerifiedTransaction{}, err
	}
	p, err := domain.ParsePurpose(purpose)
	if err != nil {
		return domain.VerifiedTransaction{}, err
	}
	tx.Purpose = p
	return tx, nil
}

var _ domain.VerifiedTxStore = (*VerifiedTxStore)(nil)
