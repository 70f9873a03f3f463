package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleEvents registers a client and streams its broadcasts as server-sent events,
// one JSON message per event, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	id := chi.URLParam(r, "id")
	client := s.worker.Connect(id, s.clientBuffer)
	defer s.worker.Clients().Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug().Str("client", id).Msg("Client disconnected")
			return
		case msg, open := <-client.Messages():
			if !open {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Error().Err(err).Str("client", id).Msg("Could not encode message")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
