package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// EventsHandler pages through the settlement event stream.
type EventsHandler struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(bus domain.SignalBus, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger}
}

type settlementEventEntry struct {
	ID    string                 `json:"id"`
	Event domain.SettlementEvent `json:"event"`
}

type listEventsResponse struct {
	Events []settlementEventEntry `json:"events"`
	// Next is the cursor to pass as ?after= on the following call.
	Next string `json:"next"`
}

// ListSettlements returns settlement events after the given stream ID.
// GET /api/events/settlements?after=0-0&count=100
func (h *EventsHandler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0-0"
	}
	count := 100
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "count must be in [1, 1000]")
			return
		}
		count = n
	}

	msgs, err := h.bus.StreamRead(r.Context(), domain.SettlementChannel, after, count)
	if err != nil {
		writeServiceError(w, r, h.logger, "read settlement events", err)
		return
	}
	resp := listEventsResponse{Events: make([]settlementEventEntry, 0, len(msgs)), Next: after}
	for _, m := range msgs {
		var ev domain.SettlementEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			h.logger.WarnContext(r.Context(), "handler: skip malformed settlement event",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
		} else {
			resp.Events = append(resp.Events, settlementEventEntry{ID: m.ID, Event: ev})
		}
		resp.Next = m.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
