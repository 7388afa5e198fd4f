package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alfredjeanlab/eventhub/internal/correlation"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/service"
	"github.com/alfredjeanlab/eventhub/internal/timeparse"
)

// maxPublishBody bounds a POST /events request body.
const maxPublishBody = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// Every request gets a correlation scope; when an auth token is configured,
// requests (except GET /health) must include a valid
// Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handlePublish)
	mux.HandleFunc("GET /events", s.handleQuery)
	mux.HandleFunc("GET /events/sse", s.handleEventStream)
	mux.HandleFunc("GET /presence", s.handlePresence)
	mux.HandleFunc("GET /health", s.handleHealth)
	return correlation.Middleware(AuthMiddleware(s.opts.AuthToken, RecoveryMiddleware(mux)))
}

// handlePublish handles POST /events.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.publish(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	corrID, _ := correlation.Get(r.Context())
	if req.CorrelationID != "" {
		corrID, _ = correlation.Parse(req.CorrelationID)
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"event_id":       id.String(),
		"correlation_id": corrID.String(),
	})
}

// handleQuery handles GET /events.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, true)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	evts, err := service.Collect(s.svc.Replay(r.Context(), filter))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if evts == nil {
		evts = []*model.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

// handlePresence handles GET /presence.
// Returns the live node roster from the presence tracker.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": []any{}})
		return
	}

	// Optional stale_threshold_secs query param; 0 includes reaped nodes.
	var staleThreshold time.Duration
	if v := r.URL.Query().Get("stale_threshold_secs"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "stale_threshold_secs must be a non-negative integer")
			return
		}
		staleThreshold = time.Duration(secs) * time.Second
	}

	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.presence.Roster(staleThreshold)})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.svc.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseFilter reads subject, correlation_id, since, until (when
// allowUntil) and limit from the query string.
func parseFilter(r *http.Request, allowUntil bool) (model.EventFilter, error) {
	q := r.URL.Query()
	var ve model.ValidationError
	f := model.EventFilter{Subject: q.Get("subject")}

	corrID, err := model.ParseCorrelationID(q.Get("correlation_id"))
	if err != nil {
		ve.Add("correlation_id", "invalid UUID %q", q.Get("correlation_id"))
	}
	f.CorrelationID = corrID

	if t, ok, err := timeparse.Parse(q.Get("since")); err != nil {
		ve.Add("since", "%v", err)
	} else if ok {
		f.Since = &t
	}
	if allowUntil {
		if t, ok, err := timeparse.Parse(q.Get("until")); err != nil {
			ve.Add("until", "%v", err)
		} else if ok {
			f.Until = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			ve.Add("limit", "must be a non-negative integer, got %q", v)
		}
		f.Limit = n
	}

	if err := ve.Err(); err != nil {
		return f, err
	}
	return f, model.ValidateFilter(f)
}

// writeServiceError maps the service's typed errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *model.ValidationError
		se *service.StoreError
		te *service.TransportError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "fields": ve.Errors})
	case errors.As(err, &te):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    err.Error(),
			"event_id": te.EventID.String(),
			"recorded": true,
		})
	case errors.As(err, &se):
		s.logger.Error("store failure", "path", r.URL.Path, "error", err, correlation.Attr(r.Context()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "recorded": false})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err, correlation.Attr(r.Context()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
