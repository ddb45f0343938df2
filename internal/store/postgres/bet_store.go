package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

const betColumns = `id, wallet_address, market_id, direction, amount, status,
	payment_reference, payout_amount, payout_reference, last_error, created_at, updated_at`

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Create inserts a new bet.
func (s *BetStore) Create(ctx context.Context, b domain.PredictionBet) error {
	const query = `
		INSERT INTO prediction_bets (
			id, wallet_address, market_id, direction, amount, status,
			payment_reference, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()), NOW())`

	_, err := s.pool.Exec(ctx, query,
		b.ID, b.WalletAddress, b.MarketID, string(b.Direction), b.Amount, string(b.Status),
		b.PaymentReference, nullTime(b.CreatedAt),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("postgres: create bet %s: %w", b.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create bet %s: %w", b.ID, err)
	}
	return nil
}

// Get returns one bet by id.
func (s *BetStore) Get(ctx context.Context, id string) (domain.PredictionBet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betColumns+` FROM prediction_bets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PredictionBet{}, fmt.Errorf("postgres: bet %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PredictionBet{}, fmt.Errorf("postgres: get bet %s: %w", id, err)
	}
	return b, nil
}

// ListByMarket returns a market's bets, optionally filtered by status.
func (s *BetStore) ListByMarket(ctx context.Context, marketID string, statuses ...domain.BetStatus) ([]domain.PredictionBet, error) {
	query := `SELECT ` + betColumns + ` FROM prediction_bets WHERE market_id = $1`
	args := []any{marketID}
	if len(statuses) > 0 {
		query += " AND status = ANY($2)"
		args = append(args, statusStrings(statuses))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.PredictionBet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bets rows: %w", err)
	}
	return out, nil
}

// Transition is a compare-and-set on status; a bet already outside `from`
// is left untouched.
func (s *BetStore) Transition(ctx context.Context, id string, from []domain.BetStatus, to domain.BetStatus, upd domain.BetUpdate) (domain.PredictionBet, error) {
	const query = `
		UPDATE prediction_bets
		SET status = $3,
		    payment_reference = COALESCE(NULLIF($4, ''), payment_reference),
		    payout_amount = CASE WHEN $5::BIGINT <> 0 THEN $5 ELSE payout_amount END,
		    payout_reference = COALESCE(NULLIF($6, ''), payout_reference),
		    last_error = $7,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING ` + betColumns

	b, err := scanBet(s.pool.QueryRow(ctx, query,
		id, statusStrings(from), string(to),
		upd.PaymentReference, upd.PayoutAmount, upd.PayoutReference, upd.Error,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return domain.PredictionBet{}, gerr
		}
		return cur, fmt.Errorf("postgres: bet %s is %s: %w", id, cur.Status, domain.ErrTerminalStatus)
	}
	if err != nil {
		return domain.PredictionBet{}, fmt.Errorf("postgres: transition bet %s: %w", id, err)
	}
	return b, nil
}

func statusStrings(ss []domain.BetStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func scanBet(row pgx.Row) (domain.PredictionBet, error) {
	var b domain.PredictionBet
	var direction, status string
	err := row.Scan(&b.ID, &b.WalletAddress, &b.MarketID, &direction, &b.Amount, &status,
		&b.PaymentReference, &b.PayoutAmount, &b.PayoutReference, &b.LastError, &b.CreatedAt, &b.UpdatedAt)
	b.Direction = domain.Direction(direction)
	b.Status = domain.BetStatus(status)
	return b, err
}

var _ domain.BetStore = (*BetStore)(nil)
