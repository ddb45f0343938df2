package postgres

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

func TestDSN(t *testing.T) {
	require.Equal(t, "postgres://u:p@db:5432/treasuryd?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "treasuryd"}))
	require.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationsCreateEveryTable(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var all strings.Builder
	for _, e := range entries {
		b, err := migrationsFS.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		all.Write(b)
	}
	for _, table := range []string{
		"verified_transactions", "pending_obligations", "prediction_bets",
		"auction_assets", "referral_records", "market_settlements", "audit_log",
		"pending_transfers",
	} {
		require.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestQueryBuilders(t *testing.T) {
	since := time.Unix(0, 0)
	q, args := appendRange("SELECT 1 WHERE a = $1", []any{"x"}, "created_at", domain.ListOpts{Since: &since})
	q, args = appendPage(q, args, domain.ListOpts{Limit: 10, Offset: 5})
	require.Equal(t, "SELECT 1 WHERE a = $1 AND created_at >= $2 LIMIT $3 OFFSET $4", q)
	require.Len(t, args, 4)

	require.Nil(t, nullTime(time.Time{}))
	require.True(t, derefTime(nil).IsZero())
}
