package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// ReferralBoard returns the top referrers.
type ReferralBoard interface {
	Leaderboard(ctx context.Context, limit int) ([]domain.ReferralRecord, error)
}

// ReferralHandler serves the referral leaderboard.
type ReferralHandler struct {
	referrals ReferralBoard
	logger    *slog.Logger
}

// NewReferralHandler creates a ReferralHandler.
func NewReferralHandler(referrals ReferralBoard, logger *slog.Logger) *ReferralHandler {
	return &ReferralHandler{referrals: referrals, logger: logger}
}

// Leaderboard returns referrers ordered by total earnings.
// GET /api/referrals/leaderboard?limit=10
func (h *ReferralHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	top, err := h.referrals.Leaderboard(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "leaderboard", err)
		return
	}
	if top == nil {
		top = []domain.ReferralRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"referrers": top})
}
