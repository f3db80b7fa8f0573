package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Stream-control frame kinds synthesized by the gateway itself. They are
// not run events: they describe the connection, not the run.
const (
	controlHeartbeat = "heartbeat"
	controlLagging   = "lagging_consumer"
	controlEndOfRun  = "end_of_run"
)

// frameWriter abstracts the transport under the replay+live loop so SSE and
// WebSocket share one implementation of the ordering rules.
type frameWriter interface {
	writeEvent(ev *models.RunEvent) error
	writeControl(kind string) error
}

// handleEventStream serves GET /runs/{id}/events/stream: replay everything
// after the client's cursor, then follow the live bus. The cursor comes
// from ?last_event_id or the Last-Event-ID header (EventSource reconnect).
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.runs.Get(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := streamCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fault.Errorf(models.KindInternal, "gateway.stream", "response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disables response buffering in nginx-style proxies; a buffered SSE
	// stream delivers nothing until the run is over.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.StreamConnected("sse")
		defer s.metrics.StreamDisconnected("sse")
	}

	s.streamRun(r.Context(), run, since, &sseWriter{w: w, flusher: flusher})
}

// handleWebSocket serves GET /ws?run_id=...&last_event_id=N, mirroring the
// SSE stream as JSON frames for clients behind proxies that mangle SSE.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	publicID := r.URL.Query().Get("run_id")
	if publicID == "" {
		writeError(w, fault.Errorf(models.KindInvalidInput, "gateway.stream", "run_id query parameter is required"))
		return
	}
	run, err := s.runs.Get(r.Context(), publicID, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := streamCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		s.logger.Debug(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.StreamConnected("ws")
		defer s.metrics.StreamDisconnected("ws")
	}

	// The read pump exists to observe the peer closing; inbound frames are
	// not part of the protocol.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		conn.SetReadLimit(wsMaxInboundBytes)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.streamRun(ctx, run, since, &wsWriter{conn: conn})
}

// streamRun is the shared replay+live loop.
//
// The live subscription is taken before replay starts, so no durable event
// can fall between the end of replay and the first live delivery; the
// overlap window is deduped by event id. Bus-only events (heartbeats,
// tokens) carry id 0 and always pass.
func (s *Server) streamRun(ctx context.Context, run *models.Run, since int64, w frameWriter) {
	sub := s.log.Subscribe(run.ID)
	defer sub.Close()

	cursor, terminal, err := s.replay(ctx, run, since, w)
	if err != nil {
		s.logger.Debug(ctx, "stream replay ended", "run_id", run.PublicID, "error", err)
		return
	}
	if terminal {
		_ = w.writeControl(controlEndOfRun)
		return
	}

	interval := s.stream.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged():
			// The consumer fell too far behind to receive structural
			// events; it must reconnect and recover via replay.
			_ = w.writeControl(controlLagging)
			return
		case <-heartbeat.C:
			if err := w.writeControl(controlHeartbeat); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.EventID != 0 && ev.EventID <= cursor {
				continue
			}
			if err := w.writeEvent(ev); err != nil {
				return
			}
			if ev.EventID != 0 {
				cursor = ev.EventID
			}
			heartbeat.Reset(interval)
			if supervisorTerminal(ev.Type) {
				_ = w.writeControl(controlEndOfRun)
				return
			}
		}
	}
}

// replay pages the durable log from since and reports the last delivered id
// and whether the run's timeline is already complete.
func (s *Server) replay(ctx context.Context, run *models.Run, since int64, w frameWriter) (int64, bool, error) {
	pageSize := s.stream.ReplayPageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	cursor := since
	terminal := false
	for {
		page, err := s.log.List(ctx, run.ID, cursor, pageSize)
		if err != nil {
			return cursor, false, err
		}
		for _, ev := range page {
			if err := w.writeEvent(ev); err != nil {
				return cursor, false, err
			}
			cursor = ev.EventID
			if supervisorTerminal(ev.Type) {
				terminal = true
			}
		}
		if len(page) < pageSize {
			return cursor, terminal, nil
		}
	}
}

// supervisorTerminal reports whether ev ends the run's timeline. Cancelled
// runs surface as supervisor_failed with kind cancelled, so two types cover
// every terminal path.
func supervisorTerminal(t models.EventType) bool {
	return t == models.EventSupervisorComplete || t == models.EventSupervisorFailed
}

// streamCursor resolves the client's resume position. The Last-Event-ID
// header wins over the query parameter because EventSource sets it
// automatically on reconnect with the freshest applied id.
func streamCursor(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fault.Errorf(models.KindInvalidInput, "gateway.stream", "last_event_id must be a non-negative integer")
	}
	return id, nil
}

// sseWriter renders frames in the EventSource wire format. Control frames
// carry no id so they never disturb the client's reconnect cursor.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) writeEvent(ev *models.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.EventID != 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.EventID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeControl(kind string) error {
	if _, err := fmt.Fprintf(s.w, "event: stream_control\ndata: {\"kind\":%q}\n\n", kind); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

const (
	wsWriteWait       = 10 * time.Second
	wsMaxInboundBytes = 4096
)

// wsFrame is the WebSocket mirror of an SSE frame.
type wsFrame struct {
	Type  string           `json:"type"`
	Kind  string           `json:"kind,omitempty"`
	Event *models.RunEvent `json:"event,omitempty"`
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) writeEvent(ev *models.RunEvent) error {
	return w.write(wsFrame{Type: "event", Event: ev})
}

func (w *wsWriter) writeControl(kind string) error {
	return w.write(wsFrame{Type: "stream_control", Kind: kind})
}

func (w *wsWriter) write(frame wsFrame) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	err := w.conn.WriteJSON(frame)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return err
}
