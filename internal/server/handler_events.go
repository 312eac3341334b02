package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/me/tskmgr/internal/events"
)

const (
	eventWriteWait  = 10 * time.Second
	eventBufferSize = 64
)

// handleRunEvents streams run and task events over a websocket.
// GET /api/v1/runs/{id}/events
//
// The first frame is the current run. The server closes the stream after
// the run reaches a terminal status. Events are dropped for a client that
// falls more than eventBufferSize frames behind.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the run so no transition is missed.
	ch, unsubscribe := s.subscribeRun(id)
	defer unsubscribe()

	run, err := s.engine.GetRun(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		s.logger.Debug("event stream upgrade failed", "run_id", id, "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("event stream opened", "run_id", id, "remote", r.RemoteAddr)

	if err := writeEvent(conn, events.Event{Type: events.RunUpdated, RunID: id, Time: time.Now().UTC(), Run: run}); err != nil {
		return
	}
	if run.Status.IsTerminal() {
		closeStream(conn, "run ended")
		return
	}

	// Drain client frames so that pongs and close messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream read error", "run_id", id, "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.eventPing)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			s.logger.Debug("event stream closed by client", "run_id", id)
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-ch:
			if err := writeEvent(conn, ev); err != nil {
				s.logger.Debug("event stream write failed", "run_id", id, "error", err)
				return
			}
			if endsStream(ev) {
				closeStream(conn, "run "+string(ev.Run.Status))
				return
			}
		}
	}
}

// subscribeRun buffers the events of one run for a streaming client.
func (s *Server) subscribeRun(id string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, eventBufferSize)
	return ch, s.engine.Events().Subscribe(id, s.bufferEvent(ch))
}

// subscribeAll buffers the events of every run for a streaming client.
func (s *Server) subscribeAll() (<-chan events.Event, func()) {
	ch := make(chan events.Event, eventBufferSize)
	return ch, s.engine.Events().SubscribeAll(s.bufferEvent(ch))
}

func (s *Server) bufferEvent(ch chan<- events.Event) events.Handler {
	return func(ev events.Event) {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("event stream lagging, dropping event", "run_id", ev.RunID, "type", ev.Type)
		}
	}
}

// endsStream reports whether ev moves the run to a terminal status.
func endsStream(ev events.Event) bool {
	return ev.Type == events.RunUpdated && ev.Run != nil && ev.Run.Status.IsTerminal()
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	return conn.WriteJSON(ev)
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteWait))
}
