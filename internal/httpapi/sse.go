package httpapi

import (
	"fmt"
	"net/http"
)

// handleEvents streams connected/disconnected/new_mail notifications as
// server-sent events, replaying the hub's backlog first so a client that
// connects mid-session still sees recent history.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, catchup, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	for _, n := range catchup {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Event, n.Data)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Event, n.Data)
			flusher.Flush()
		}
	}
}
