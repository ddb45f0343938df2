package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// AuctionStore implements domain.AuctionStore using PostgreSQL.
type AuctionStore struct {
	pool *pgxpool.Pool
}

// NewAuctionStore creates a new AuctionStore backed by the given pool.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

const auctionColumns = `asset_id, current_owner, current_price, taunt_message, treasury_address, created_at, last_seized_at`

// Create inserts a new auction mirror row.
func (s *AuctionStore) Create(ctx context.Context, a domain.AuctionAsset) error {
	const query = `
		INSERT INTO auction_assets (` + auctionColumns + `)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), $7)`
	_, err := s.pool.Exec(ctx, query, a.AssetID, a.CurrentOwner, a.CurrentPrice, a.TauntMessage,
		a.TreasuryAddress, nullTime(a.CreatedAt), nullTime(a.LastSeizedAt))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("postgres: create auction %s: %w", a.AssetID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create auction %s: %w", a.AssetID, err)
	}
	return nil
}

// Get returns the mirror row for assetID.
func (s *AuctionStore) Get(ctx context.Context, assetID string) (domain.AuctionAsset, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auction_assets WHERE asset_id = $1`, assetID)
	var a domain.AuctionAsset
	var seized *time.Time
	err := row.Scan(&a.AssetID, &a.CurrentOwner, &a.CurrentPrice, &a.TauntMessage, &a.TreasuryAddress, &a.CreatedAt, &seized)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AuctionAsset{}, fmt.Errorf("postgres: auction %s: %w", assetID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.AuctionAsset{}, fmt.Errorf("postgres: get auction %s: %w", assetID, err)
	}
	a.LastSeizedAt = derefTime(seized)
	return a, nil
}

// ApplySeize updates the mirror only if the stored price is still
// expectedPrice, so the mirror's price can never move backwards.
func (s *AuctionStore) ApplySeize(ctx context.Context, expectedPrice int64, a domain.AuctionAsset) error {
	const query = `
		UPDATE auction_assets
		SET current_owner = $3, current_price = $4, taunt_message = $5, last_seized_at = $6
		WHERE asset_id = $1 AND current_price = $2`
	tag, err := s.pool.Exec(ctx, query, a.AssetID, expectedPrice, a.CurrentOwner, a.CurrentPrice, a.TauntMessage, nullTime(a.LastSeizedAt))
	if err != nil {
		return fmt.Errorf("postgres: apply seize %s: %w", a.AssetID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, a.AssetID); err != nil {
			return err
		}
		return fmt.Errorf("postgres: apply seize %s: %w", a.AssetID, domain.ErrStalePrice)
	}
	return nil
}

// Replace overwrites the mirror with the ledger's state.
func (s *AuctionStore) Replace(ctx context.Context, a domain.AuctionAsset) error {
	const query = `
		INSERT INTO auction_assets (` + auctionColumns + `)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), $7)
		ON CONFLICT (asset_id) DO UPDATE
		SET current_owner = EXCLUDED.current_owner,
		    current_price = EXCLUDED.current_price,
		    taunt_message = EXCLUDED.taunt_message,
		    treasury_address = EXCLUDED.treasury_address,
		    last_seized_at = EXCLUDED.last_seized_at`
	_, err := s.pool.Exec(ctx, query, a.AssetID, a.CurrentOwner, a.CurrentPrice, a.TauntMessage,
		a.TreasuryAddress, nullTime(a.CreatedAt), nullTime(a.LastSeizedAt))
	if err != nil {
		return fmt.Errorf("postgres: replace auction %s: %w", a.AssetID, err)
	}
	return nil
}

var _ domain.AuctionStore = (*AuctionStore)(nil)
