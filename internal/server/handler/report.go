package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// ReportHandler serves settlement reports stored in object storage.
type ReportHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewReportHandler creates a ReportHandler.
func NewReportHandler(blobs domain.BlobReader, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{blobs: blobs, logger: logger}
}

type listReportsResponse struct {
	MarketID string            `json:"market_id"`
	Reports  []domain.BlobInfo `json:"reports"`
}

// ListReports returns the stored reports of one market.
// GET /api/reports/{market}
func (h *ReportHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	market := pathParam(r, "market")
	if !safeSegment(market) {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	infos, err := h.blobs.List(r.Context(), "settlements/"+market+"/")
	if err != nil {
		writeServiceError(w, r, h.logger, "list reports", err)
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, listReportsResponse{MarketID: market, Reports: infos})
}

// GetReport streams one signed settlement report.
// GET /api/reports/{market}/{id}
func (h *ReportHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	market, id := pathParam(r, "market"), pathParam(r, "id")
	if !safeSegment(market) || !safeSegment(id) {
		writeError(w, http.StatusBadRequest, "invalid report path")
		return
	}
	body, err := h.blobs.Get(r.Context(), "settlements/"+market+"/"+id+".json")
	if err != nil {
		writeServiceError(w, r, h.logger, "get report", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: report copy interrupted",
			slog.String("market", market),
			slog.String("error", err.Error()),
		)
	}
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\")
}
