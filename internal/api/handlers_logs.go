package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/deploybot/internal/logbroker"
	"github.com/jordanhubbard/deploybot/internal/models"
)

// sseKeepaliveInterval spaces comment lines so proxies keep the connection
// open during quiet jobs.
const sseKeepaliveInterval = 15 * time.Second

// handleLogRead returns persisted chunks without subscribing.
// GET /v1/jobs/{id}/logs?from=N&limit=M
func (s *Server) handleLogRead(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := s.store.GetJob(jobID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	from := parseUintParam(r, "from", 0)
	limit := int(parseUintParam(r, "limit", 0))
	chunks, err := s.store.ReadLogs(jobID, from, limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if chunks == nil {
		chunks = []*models.LogChunk{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

// handleLogStream streams a job's log over server-sent events: history from
// the requested sequence, then live chunks, then a close event when the job
// terminates.
// GET /v1/jobs/{id}/logs/stream?from=N
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.broker.Subscribe(jobID, parseUintParam(r, "from", 1))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	defer sub.Cancel()
	s.metrics.LogSubscribers.Inc()
	defer s.metrics.LogSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: connected\ndata: {\"job_id\": %q}\n\n", jobID)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case logbroker.EventChunk:
				data, err := json.Marshal(ev.Chunk)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", data)
			case logbroker.EventClosed:
				fmt.Fprint(w, "event: close\ndata: {}\n\n")
				flusher.Flush()
				return
			case logbroker.EventDropped:
				fmt.Fprint(w, "event: dropped\ndata: {\"reason\": \"subscriber too slow\"}\n\n")
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream carries no credentials and the UI may be served from
	// another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEvent is the WebSocket frame envelope.
type wsEvent struct {
	Type  string           `json:"type"` // chunk, close, dropped
	Chunk *models.LogChunk `json:"chunk,omitempty"`
}

// handleLogStreamWS is the WebSocket flavor of the log stream, for UI
// clients that cannot use SSE.
// GET /v1/jobs/{id}/logs/ws?from=N
func (s *Server) handleLogStreamWS(w http.ResponseWriter, r *http.Request, jobID string) {
	sub, err := s.broker.Subscribe(jobID, parseUintParam(r, "from", 1))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		return
	}
	defer conn.Close()
	defer sub.Cancel()
	s.metrics.LogSubscribers.Inc()
	defer s.metrics.LogSubscribers.Dec()

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			var frame wsEvent
			switch ev.Type {
			case logbroker.EventChunk:
				frame = wsEvent{Type: "chunk", Chunk: ev.Chunk}
			case logbroker.EventClosed:
				frame = wsEvent{Type: "close"}
			case logbroker.EventDropped:
				frame = wsEvent{Type: "dropped"}
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			if ev.Type != logbroker.EventChunk {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

func parseUintParam(r *http.Request, name string, fallback uint64) uint64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
