package web

import (
	"net/http"
)

// handleSSE streams the event bus to the client as Server-Sent Events,
// optionally filtered to a single project via the ?project_id= query
// parameter. The subscription ends when the client disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe(r.URL.Query().Get("project_id"))
	defer s.bus.Unsubscribe(sub.ID)

	s.logger.Debug("sse client connected", "subscription_id", sub.ID, "project_id", sub.ProjectID)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("sse client disconnected", "subscription_id", sub.ID)
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := w.Write([]byte(ev.ToSSE())); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
