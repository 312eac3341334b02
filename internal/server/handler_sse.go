package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/tskmgr/internal/events"
)

// handleRunSSE streams the same events as handleRunEvents as Server-Sent
// Events, for clients that cannot speak websocket.
// GET /api/v1/sse/runs/{id}
func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ch, unsubscribe := s.subscribeRun(id)
	defer unsubscribe()

	run, err := s.engine.GetRun(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	if err := sendSSEEvent(w, flusher, events.Event{Type: events.RunUpdated, RunID: id, Time: time.Now().UTC(), Run: run}); err != nil {
		s.logger.Debug("sse client disconnected", "run_id", id, "error", err)
		return
	}
	if run.Status.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(s.eventPing)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if err := sendSSEEvent(w, flusher, ev); err != nil {
				s.logger.Debug("sse client disconnected", "run_id", id, "error", err)
				return
			}
			if endsStream(ev) {
				return
			}
		}
	}
}

// handleAllRunsSSE streams the events of every run until the client goes
// away. There is no snapshot frame.
// GET /api/v1/sse/runs
func (s *Server) handleAllRunsSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.subscribeAll()
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.eventPing)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if err := sendSSEEvent(w, flusher, ev); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
