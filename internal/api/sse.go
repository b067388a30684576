package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StreamEvents handles GET /execucao/{empresaID}/events.
// It streams server-sent events for the run until it reaches a terminal
// state or the client disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	empresaID := chi.URLParam(r, "empresaID")
	snap, ok := h.orch.Status(empresaID)
	if !ok {
		writeError(w, http.StatusNotFound, "nenhuma execucao encontrada para esta empresa")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, send the final event and close immediately.
	if snap.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "done", snap)
		return
	}

	ch, cancel := h.orch.Subscribe(empresaID)
	defer cancel()

	// Send the current snapshot so the client has an initial state.
	writeSSEEvent(w, flusher, "status", snap)

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, event.Data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
