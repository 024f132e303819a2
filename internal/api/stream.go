package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleVRAMStream serves the SSE telemetry feed: one data frame per
// 500 ms until the peer goes away. The server holds no subscription
// state; every connection runs its own cadence.
func (s *Server) handleVRAMStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming unsupported by response writer")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("stream started", "remote_addr", r.RemoteAddr)

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		// Streamed ticks double as sample ticks so the rings stay warm
		// for subscribers polling faster than the health loop
		s.telemetry.SampleRings(ctx)
		snap := s.telemetry.Detailed(ctx)

		payload, err := json.Marshal(snap)
		if err != nil {
			s.logger.Error("stream payload marshal failed", "error", err)
			return
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// Peer closed the connection; a normal end of stream
			s.logger.Debug("stream closed by peer", "remote_addr", r.RemoteAddr)
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			s.logger.Debug("stream context done", "remote_addr", r.RemoteAddr)
			return
		case <-ticker.C:
		}
	}
}
