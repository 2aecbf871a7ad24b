package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// StreamTelemetry handles GET /api/telemetry/stream: a Server-Sent Events
// feed of live request and violation events, with periodic heartbeats so
// intermediaries keep the connection open. Slow consumers miss events
// instead of applying backpressure to the enforcement path.
func (h *Handler) StreamTelemetry(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := h.sink.Subscribe()
	defer cancel()

	log.WithField("remote", r.RemoteAddr).Info("Telemetry stream subscriber connected")

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.WithField("remote", r.RemoteAddr).Debug("Telemetry stream subscriber disconnected")
			return

		case <-heartbeat.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()

		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "event: error\ndata: {\"error\":\"pipeline closed\"}\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}
