package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// ReferralStore implements domain.ReferralStore using PostgreSQL.
type ReferralStore struct {
	pool *pgxpool.Pool
}

// NewReferralStore creates a new ReferralStore backed by the given pool.
func NewReferralStore(pool *pgxpool.Pool) *ReferralStore {
	return &ReferralStore{pool: pool}
}

const referralColumns = `user_id, wallet_address, referrer_id, total_earnings, total_referrals, created_at, updated_at`

// Register upserts the user and sets the referrer only when none is stored.
// The referrer's counter moves in the same transaction.
func (s *ReferralStore) Register(ctx context.Context, rec domain.ReferralRecord) (domain.ReferralRecord, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ReferralRecord{}, false, fmt.Errorf("postgres: begin register referral: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO referral_records (user_id, wallet_address)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET wallet_address = CASE WHEN referral_records.wallet_address = ''
		                          THEN EXCLUDED.wallet_address
		                          ELSE referral_records.wallet_address END,
		    updated_at = NOW()`
	if _, err := tx.Exec(ctx, upsert, rec.UserID, rec.WalletAddress); err != nil {
		return domain.ReferralRecord{}, false, fmt.Errorf("postgres: upsert referral %s: %w", rec.UserID, err)
	}

	set := false
	if rec.ReferrerID != "" {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM referral_records WHERE user_id = $1)`, rec.ReferrerID,
		).Scan(&exists); err != nil {
			return domain.ReferralRecord{}, false, fmt.Errorf("postgres: check referrer %s: %w", rec.ReferrerID, err)
		}
		if !exists {
			return domain.ReferralRecord{}, false, fmt.Errorf("postgres: referrer %s: %w", rec.ReferrerID, domain.ErrNotFound)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE referral_records SET referrer_id = $2, updated_at = NOW() WHERE user_id = $1 AND referrer_id = ''`,
			rec.UserID, rec.ReferrerID)
		if err != nil {
			return domain.ReferralRecord{}, false, fmt.Errorf("postgres: set referrer %s: %w", rec.UserID, err)
		}
		if tag.RowsAffected() == 1 {
			set = true
			if _, err := tx.Exec(ctx,
				`UPDATE referral_records SET total_referrals = total_referrals + 1, updated_at = NOW() WHERE user_id = $1`,
				rec.ReferrerID); err != nil {
				return domain.ReferralRecord{}, false, fmt.Errorf("postgres: bump referrals %s: %w", rec.ReferrerID, err)
			}
		}
	}

	out, err := scanReferral(tx.QueryRow(ctx, `SELECT `+referralColumns+` FROM referral_records WHERE user_id = $1`, rec.UserID))
	if err != nil {
		return domain.ReferralRecord{}, false, fmt.Errorf("postgres: reload referral %s: %w", rec.UserID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ReferralRecord{}, false, fmt.Errorf("postgres: commit referral %s: %w", rec.UserID, err)
	}
	return out, set, nil
}

// Get returns the referral record for userID.
func (s *ReferralStore) Get(ctx context.Context, userID string) (domain.ReferralRecord, error) {
	r, err := scanReferral(s.pool.QueryRow(ctx, `SELECT `+referralColumns+` FROM referral_records WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReferralRecord{}, fmt.Errorf("postgres: referral %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ReferralRecord{}, fmt.Errorf("postgres: get referral %s: %w", userID, err)
	}
	return r, nil
}

// AddEarnings credits commission to a referrer.
func (s *ReferralStore) AddEarnings(ctx context.Context, userID string, amount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE referral_records SET total_earnings = total_earnings + $2, updated_at = NOW() WHERE user_id = $1`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("postgres: add earnings %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: add earnings %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

// Leaderboard returns referrers ordered by earnings.
func (s *ReferralStore) Leaderboard(ctx context.Context, limit int) ([]domain.ReferralRecord, error) {
	query := `SELECT ` + referralColumns + ` FROM referral_records
		WHERE total_earnings > 0 OR total_referrals > 0
		ORDER BY total_earnings DESC, user_id`
	query, args := appendPage(query, nil, domain.ListOpts{Limit: limit})

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: referral leaderboard: %w", err)
	}
	defer rows.Close()

	var out []domain.ReferralRecord
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan referral: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: referral leaderboard rows: %w", err)
	}
	return out, nil
}

func scanReferral(row pgx.Row) (domain.ReferralRecord, error) {
	var r domain.ReferralRecord
	err := row.Scan(&r.UserID, &r.WalletAddress, &r.ReferrerID, &r.TotalEarnings, &r.TotalReferrals, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

var _ domain.ReferralStore = (*ReferralStore)(nil)
