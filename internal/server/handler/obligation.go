package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// ObligationQueue is what the obligation handler needs from the queue.
type ObligationQueue interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.PendingObligation, error)
	Flush(ctx context.Context, opts domain.FlushOptions) (domain.FlushSummary, error)
}

// ObligationHandler serves the pending obligation queue.
type ObligationHandler struct {
	queue  ObligationQueue
	logger *slog.Logger
}

// NewObligationHandler creates an ObligationHandler.
func NewObligationHandler(queue ObligationQueue, logger *slog.Logger) *ObligationHandler {
	return &ObligationHandler{queue: queue, logger: logger}
}

type listObligationsResponse struct {
	Obligations []domain.PendingObligation `json:"obligations"`
	Limit       int                        `json:"limit"`
	Offset      int                        `json:"offset"`
}

// ListObligations returns queued obligations, oldest first.
// GET /api/obligations?limit=50&offset=0
func (h *ObligationHandler) ListObligations(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	obs, err := h.queue.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list obligations", err)
		return
	}
	if obs == nil {
		obs = []domain.PendingObligation{}
	}
	writeJSON(w, http.StatusOK, listObligationsResponse{Obligations: obs, Limit: opts.Limit, Offset: opts.Offset})
}

type flushRequest struct {
	Force     bool  `json:"force"`
	Threshold int64 `json:"threshold"`
}

// Flush pays every obligation at or above the threshold, or all of them when
// force is set.
// POST /api/obligations/flush {"force": false, "threshold": 100}
func (h *ObligationHandler) Flush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Threshold < 0 {
		writeError(w, http.StatusBadRequest, "threshold must be >= 0")
		return
	}

	h.logger.InfoContext(r.Context(), "handler: flush requested",
		slog.Bool("force", req.Force),
		slog.Int64("threshold", req.Threshold),
	)
	sum, err := h.queue.Flush(r.Context(), domain.FlushOptions{Force: req.Force, Threshold: req.Threshold})
	if err != nil {
		writeServiceError(w, r, h.logger, "flush", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
