package domain

import "time"

// ReferralRecord tracks one user's referrer and, for referrers, their
// accumulated commission. ReferrerID is immutable once set.
type ReferralRecord struct {
	UserID         string
	WalletAddress  string
	ReferrerID     string
	TotalEarnings  int64
	TotalReferrals int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CommissionResult reports how a referral commission was paid.
type CommissionResult struct {
	ReferrerID string
	Recipient  string
	Amount     int64
	Queued     bool
	Payout     *DistributionResult
}
