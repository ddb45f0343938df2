package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/treasuryd/internal/cache/local"
	"github.com/alanyoungcy/treasuryd/internal/domain"
	"github.com/alanyoungcy/treasuryd/internal/server/handler"
	"github.com/alanyoungcy/treasuryd/internal/service"
)

type fakeQueue struct {
	obs     []domain.PendingObligation
	flushed []domain.FlushOptions
}

func (f *fakeQueue) List(context.Context, domain.ListOpts) ([]domain.PendingObligation, error) {
	return f.obs, nil
}

func (f *fakeQueue) Flush(_ context.Context, opts domain.FlushOptions) (domain.FlushSummary, error) {
	f.flushed = append(f.flushed, opts)
	return domain.FlushSummary{Processed: len(f.obs)}, nil
}

type fakeMarkets struct {
	settled map[string]domain.Direction
}

func (f *fakeMarkets) SettleMarket(_ context.Context, id string, winning domain.Direction) (domain.SettlementReport, error) {
	if _, ok := f.settled[id]; ok {
		return domain.SettlementReport{}, fmt.Errorf("prediction: market %s: %w", id, domain.ErrAlreadySettled)
	}
	f.settled[id] = winning
	return domain.SettlementReport{ID: "r-" + id, MarketID: id, WinningDirection: winning, Outcome: domain.OutcomeSettled}, nil
}

func (f *fakeMarkets) RefundMarket(_ context.Context, id string) (domain.SettlementReport, error) {
	return domain.SettlementReport{}, errors.New("database on fire")
}

func (f *fakeMarkets) RetryFailedPayouts(context.Context, string) ([]domain.PayoutLine, error) {
	return nil, nil
}

type fakeAuctions struct{}

func (fakeAuctions) Get(_ context.Context, id string) (service.AuctionView, error) {
	if id != "crown" {
		return service.AuctionView{}, fmt.Errorf("auction: get %s: %w", id, domain.ErrNotFound)
	}
	return service.AuctionView{
		AuctionAsset:     domain.AuctionAsset{AssetID: "crown", CurrentOwner: "alice", CurrentPrice: 1000},
		MinRequiredPrice: 1100,
	}, nil
}

type fakeBlobs map[string]string

func (f fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	body, ok := f[path]
	if !ok {
		return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewBufferString(body)), nil
}

func (f fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, body := range f {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(body))})
		}
	}
	return out, nil
}

func (f fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f[path]
	return ok, nil
}

type fakeBoard struct{}

func (fakeBoard) Leaderboard(context.Context, int) ([]domain.ReferralRecord, error) {
	return []domain.ReferralRecord{{UserID: "bob", TotalEarnings: 80}}, nil
}

type testServer struct {
	h       http.Handler
	queue   *fakeQueue
	markets *fakeMarkets
	bus     *local.SignalBus
}

func newTestServer(t *testing.T, cfg Config, limiter domain.RateLimiter, checks map[string]handler.Check) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{
		queue:   &fakeQueue{obs: []domain.PendingObligation{{RecipientAddress: "alice", AccumulatedAmount: 150}}},
		markets: &fakeMarkets{settled: map[string]domain.Direction{}},
		bus:     local.NewSignalBus(100),
	}
	srv := NewServer(cfg, Handlers{
		Health:      handler.NewHealthHandler(checks, log),
		Status:      handler.NewStatusHandler("serve", "memory", "0xplatform", "0xtreasury"),
		Obligations: handler.NewObligationHandler(ts.queue, log),
		Markets:     handler.NewMarketHandler(ts.markets, log),
		Auctions:    handler.NewAuctionHandler(fakeAuctions{}, log),
		Events:      handler.NewEventsHandler(ts.bus, log),
		Referrals:   handler.NewReferralHandler(fakeBoard{}, log),
		Reports: handler.NewReportHandler(fakeBlobs{
			"settlements/m1/r1.json": `{"report":{"MarketID":"m1"},"signer":"0xabc"}`,
		}, log),
	}, limiter, log)
	ts.h = srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublicAndReportsChecks(t *testing.T) {
	ts := newTestServer(t, Config{APIKey: "secret"}, nil, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
	})

	rec := ts.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, map[string]any{"postgres": "ok"}, body["checks"])
}

func TestHealthDegradedWhenCheckFails(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, map[string]handler.Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rec := ts.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "degraded")
}

func TestOperatorRoutesRequireAPIKey(t *testing.T) {
	ts := newTestServer(t, Config{APIKey: "secret"}, nil, nil)

	rec := ts.do(t, http.MethodGet, "/api/obligations", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/obligations", "", map[string]string{"X-API-Key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/obligations", "", map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"RecipientAddress":"alice"`)
}

func TestFlushPassesOptions(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, nil)

	rec := ts.do(t, http.MethodPost, "/api/obligations/flush", `{"force":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []domain.FlushOptions{{Force: true}}, ts.queue.flushed)

	rec = ts.do(t, http.MethodPost, "/api/obligations/flush", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.queue.flushed, 2)

	rec = ts.do(t, http.MethodPost, "/api/obligations/flush", `{"bogus":1}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/obligations/flush", `{"threshold":-1}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettleMapsErrors(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, nil)

	rec := ts.do(t, http.MethodPost, "/api/markets/m1/settle", `{"winning":"yes"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.DirectionYes, ts.markets.settled["m1"])

	rec = ts.do(t, http.MethodPost, "/api/markets/m1/settle", `{"winning":"NO"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/markets/m2/settle", `{"winning":"maybe"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/markets/m2/refund", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "database on fire")

	rec = ts.do(t, http.MethodPost, "/api/markets/m2/retry", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"market_id":"m2","payouts":[]}`, rec.Body.String())
}

func TestGetAuction(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, nil)

	rec := ts.do(t, http.MethodGet, "/api/auctions/crown", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.AuctionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, int64(1100), view.MinRequiredPrice)

	rec = ts.do(t, http.MethodGet, "/api/auctions/nothing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettlementEventsPage(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, nil)
	ctx := context.Background()
	for _, m := range []string{"m1", "m2", "m3"} {
		payload, err := json.Marshal(domain.SettlementEvent{MarketID: m, Outcome: domain.OutcomeSettled})
		require.NoError(t, err)
		require.NoError(t, ts.bus.StreamAppend(ctx, domain.SettlementChannel, payload))
	}

	rec := ts.do(t, http.MethodGet, "/api/events/settlements?count=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Events []struct {
			ID    string                 `json:"id"`
			Event domain.SettlementEvent `json:"event"`
		} `json:"events"`
		Next string `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	require.Equal(t, "m1", page.Events[0].Event.MarketID)

	rec = ts.do(t, http.MethodGet, "/api/events/settlements?after="+page.Next, "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	require.Equal(t, "m3", page.Events[0].Event.MarketID)

	rec = ts.do(t, http.MethodGet, "/api/events/settlements?count=0", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitPerClient(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 2, RateWindow: time.Minute}, local.NewRateLimiter(), nil)

	hdr := map[string]string{"X-Forwarded-For": "10.0.0.1"}
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/status", "", hdr).Code)
	}
	rec := ts.do(t, http.MethodGet, "/api/status", "", hdr)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	other := map[string]string{"X-Forwarded-For": "10.0.0.2"}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/status", "", other).Code)
}

func TestCORSOnlyForConfiguredOrigins(t *testing.T) {
	ts := newTestServer(t, Config{CORSOrigins: []string{"https://ops.example.com"}}, nil, nil)

	rec := ts.do(t, http.MethodGet, "/api/status", "", map[string]string{"Origin": "https://ops.example.com"})
	require.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(t, http.MethodGet, "/api/status", "", map[string]string{"Origin": "https://evil.example.com"})
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	plain := newTestServer(t, Config{}, nil, nil)
	rec = plain.do(t, http.MethodGet, "/api/status", "", map[string]string{"Origin": "https://ops.example.com"})
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestReports(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, nil)

	rec := ts.do(t, http.MethodGet, "/api/reports/m1/r1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"report":{"MarketID":"m1"},"signer":"0xabc"}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/reports/m1/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/reports/m1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "settlements/m1/r1.json")
}

func TestLeaderboard(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, nil)

	rec := ts.do(t, http.MethodGet, "/api/referrals/leaderboard?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bob")
}
