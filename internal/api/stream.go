package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hvaillaud/marginalia/internal/apperr"
)

// StreamTurn handles POST /api/conversations/{id}/turns. The assistant
// reply streams back as Server-Sent Events: one "fragment" event per model
// chunk, then a terminal "done" event with the persisted turn, or an
// "interrupted" event when the stream dropped. The user turn and whatever
// was delivered are persisted either way.
func (h *Handler) StreamTurn(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("message is required"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(fragment string) error {
		if err := writeSSE(w, "fragment", map[string]string{"text": fragment}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	turn, err := h.svc.StreamTurn(r.Context(), chi.URLParam(r, "id"), req, emit)
	switch {
	case err == nil:
		_ = writeSSE(w, "done", turn)
	case errors.Is(err, apperr.ErrStreamInterrupted):
		_ = writeSSE(w, "interrupted", turn)
	case errors.Is(err, apperr.ErrNotFound):
		_ = writeSSE(w, "error", errorBody("not found"))
	default:
		_ = writeSSE(w, "error", errorBody("internal error"))
	}
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
