package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/manthysbr/auleMarket/internal/core/services"
)

// handleJobSSE streams the events of a single job.
// GET /v1/jobs/{id}/events
func (s *Server) handleJobSSE(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, err := s.market.Job(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamEvents(w, r, id.String())
}

// handleBroadcastSSE streams every job and admin event.
// GET /v1/events
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, services.BroadcastKey)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, key string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the headers go out so a client never misses an event it caused.
	ch, unsub := s.eventBus.Subscribe(key)
	defer unsub()

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("failed to encode event", "type", evt.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
			flusher.Flush()
		}
	}
}
