package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// MarketSettler defines what the market handler requires from the
// prediction service.
type MarketSettler interface {
	SettleMarket(ctx context.Context, marketID string, winning domain.Direction) (domain.SettlementReport, error)
	RefundMarket(ctx context.Context, marketID string) (domain.SettlementReport, error)
	RetryFailedPayouts(ctx context.Context, marketID string) ([]domain.PayoutLine, error)
}

// MarketHandler serves operator settlement endpoints.
type MarketHandler struct {
	markets MarketSettler
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketSettler, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

type settleRequest struct {
	Winning string `json:"winning"`
}

// Settle resolves a market in favour of the winning direction.
// POST /api/markets/{id}/settle {"winning": "YES"}
func (h *MarketHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	var req settleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	winning, err := domain.ParseDirection(req.Winning)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.markets.SettleMarket(r.Context(), id, winning)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle market", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Refund returns every open stake of a market.
// POST /api/markets/{id}/refund
func (h *MarketHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	report, err := h.markets.RefundMarket(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "refund market", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type retryResponse struct {
	MarketID string              `json:"market_id"`
	Payouts  []domain.PayoutLine `json:"payouts"`
}

// RetryPayouts re-attempts every WON_FAILED payout of a market.
// POST /api/markets/{id}/retry
func (h *MarketHandler) RetryPayouts(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	lines, err := h.markets.RetryFailedPayouts(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "retry payouts", err)
		return
	}
	if lines == nil {
		lines = []domain.PayoutLine{}
	}
	writeJSON(w, http.StatusOK, retryResponse{MarketID: id, Payouts: lines})
}
