package handler

import (
	"fmt"
	"net/http"

	"github.com/microjpeg/gateway/internal/auth"
	"github.com/microjpeg/gateway/internal/sse"
)

// Events handles GET /api/{plan}/events: the visitor's processing event
// stream (progress, result_ready, format_failed, batch_done).
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	visitorID := auth.VisitorFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := h.SSE.Subscribe(sse.SessionTopic(visitorID))
	defer unsub()

	// Send initial keepalive
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}
