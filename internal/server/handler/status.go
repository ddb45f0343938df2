package handler

import (
	"net/http"
)

// StatusHandler serves the static runtime identity of the engine.
type StatusHandler struct {
	Mode         string
	LedgerDriver string
	Signer       string
	Treasury     string
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, ledgerDriver, signer, treasury string) *StatusHandler {
	return &StatusHandler{Mode: mode, LedgerDriver: ledgerDriver, Signer: signer, Treasury: treasury}
}

// GetStatus responds with the mode, ledger driver and the platform and
// treasury addresses.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":          h.Mode,
		"ledger_driver": h.LedgerDriver,
		"signer":        h.Signer,
		"treasury":      h.Treasury,
	})
}
