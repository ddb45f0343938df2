package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL. The
// market_id primary key is the in-progress flag.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// Begin claims the market for settlement.
func (s *SettlementStore) Begin(ctx context.Context, rec domain.SettlementRecord) error {
	const query = `
		INSERT INTO market_settlements (market_id, id, kind, winning_direction, status, started_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		ON CONFLICT (market_id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, rec.MarketID, rec.ID, string(rec.Kind), string(rec.WinningDirection),
		string(domain.SettlementInProgress), nullTime(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("postgres: begin settlement %s: %w", rec.MarketID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.Get(ctx, rec.MarketID)
	if err != nil {
		return err
	}
	if cur.Status == domain.SettlementCompleted {
		return fmt.Errorf("postgres: market %s: %w", rec.MarketID, domain.ErrAlreadySettled)
	}
	return fmt.Errorf("postgres: market %s: %w", rec.MarketID, domain.ErrSettlementInProgress)
}

// Complete marks the settlement finished.
func (s *SettlementStore) Complete(ctx context.Context, marketID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE market_settlements SET status = $2, completed_at = $3 WHERE market_id = $1`,
		marketID, string(domain.SettlementCompleted), at)
	if err != nil {
		return fmt.Errorf("postgres: complete settlement %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: complete settlement %s: %w", marketID, domain.ErrNotFound)
	}
	return nil
}

// Abandon releases an in-progress claim. Completed rows are kept.
func (s *SettlementStore) Abandon(ctx context.Context, marketID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM market_settlements WHERE market_id = $1 AND status = $2`,
		marketID, string(domain.SettlementInProgress))
	if err != nil {
		return fmt.Errorf("postgres: abandon settlement %s: %w", marketID, err)
	}
	return nil
}

// Get returns the settlement row for marketID.
func (s *SettlementStore) Get(ctx context.Context, marketID string) (domain.SettlementRecord, error) {
	const query = `
		SELECT id, market_id, kind, winning_direction, status, started_at, completed_at
		FROM market_settlements WHERE market_id = $1`
	var r domain.SettlementRecord
	var kind, dir, status string
	var completed *time.Time
	err := s.pool.QueryRow(ctx, query, marketID).Scan(&r.ID, &r.MarketID, &kind, &dir, &status, &r.StartedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementRecord{}, fmt.Errorf("postgres: settlement %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.SettlementRecord{}, fmt.Errorf("postgres: get settlement %s: %w", marketID, err)
	}
	r.Kind = domain.SettlementKind(kind)
	r.WinningDirection = domain.Direction(dir)
	r.Status = domain.SettlementStatus(status)
	r.CompletedAt = derefTime(completed)
	return r, nil
}

var _ domain.SettlementStore = (*SettlementStore)(nil)
