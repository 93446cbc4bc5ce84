package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleSSE streams cell events as Server-Sent Events.
//
// Each broadcaster event becomes one SSE message with the event type in
// the `event:` field and the JSON payload in `data:`. A full status
// snapshot is sent immediately on connect so clients do not wait for
// the first tick. The stream runs until the client disconnects or the
// server shuts down.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe()
	defer sub.Close()

	// Initial snapshot so the client renders without waiting.
	if err := writeSSEEvent(w, "status", s.ctrl.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	s.logger.Debug("sse client connected", "remote", r.RemoteAddr)
	defer s.logger.Debug("sse client disconnected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, evt.Type, evt.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one SSE frame.
func writeSSEEvent(w http.ResponseWriter, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
