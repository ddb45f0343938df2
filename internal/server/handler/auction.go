package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/treasuryd/internal/service"
)

// AuctionReader looks up mirrored auctions.
type AuctionReader interface {
	Get(ctx context.Context, assetID string) (service.AuctionView, error)
}

// AuctionHandler serves auction lookups.
type AuctionHandler struct {
	auctions AuctionReader
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(auctions AuctionReader, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{auctions: auctions, logger: logger}
}

// GetAuction returns the auction and the minimum price of the next seizure.
// GET /api/auctions/{id}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing asset id")
		return
	}
	view, err := h.auctions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get auction", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
