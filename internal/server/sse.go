package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alfredjeanlab/eventhub/internal/correlation"
	"github.com/alfredjeanlab/eventhub/internal/model"
)

// handleEventStream handles GET /events/sse (SSE endpoint).
//
// With since set, the stream first carries the stored events from that
// instant, then switches to live events in arrival order. It stays open
// until the client disconnects or, with an idle timeout configured, no
// event was delivered for that long.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Ensure response supports flushing (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter, err := parseFilter(r, false)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	started := false
	onReady := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		started = true
	}
	emit := func(e *model.Event) error {
		if err := writeSSEEvent(w, e); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	keepalive := func() error {
		if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	log := s.logger.With("subject", filter.Subject, correlation.Attr(r.Context()))
	log.Debug("sse stream opened")
	err = s.follow(r.Context(), filter, onReady, emit, keepalive)
	switch {
	case err == nil:
		log.Debug("sse stream closed by client")
	case errors.Is(err, errIdle):
		log.Debug("sse stream idle, closing", "timeout", s.opts.IdleTimeout)
	case !started:
		s.writeServiceError(w, r, err)
	default:
		log.Warn("sse stream ended", "error", err)
	}
}

// writeSSEEvent writes a single SSE event: the id line carries the event
// id, the event line its subject, and the data line the event JSON.
func writeSSEEvent(w http.ResponseWriter, e *model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id:%s\nevent:%s\ndata:%s\n\n", e.ID, e.Subject, data)
	return err
}
