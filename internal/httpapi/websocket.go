package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/streaming"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// isHeartbeat reports whether a client frame is an idle ping: the bare text "ping" or a JSON
// object with type "heartbeat"
func isHeartbeat(msg []byte) bool {
	text := strings.TrimSpace(string(msg))
	if text == "ping" {
		return true
	}
	var frame struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(msg, &frame) == nil && frame.Type == "heartbeat"
}

// handleWS streams session events as JSON envelopes over a WebSocket. Client heartbeats are
// acknowledged; any other client frame is ignored.
// GET /stream/ws?session_id=<id>
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.subscribe(r, sid)
	defer h.broadcaster.Detach(sub)

	idle := 4 * h.opts.Heartbeat
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	acks := make(chan struct{}, 1)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(idle))
			if isHeartbeat(msg) {
				select {
				case acks <- struct{}{}:
				default:
				}
			}
		}
	}()

	ping := time.NewTicker(h.opts.Heartbeat)
	defer ping.Stop()

	write := func(ev streaming.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, ev.Marshal()) == nil
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			h.logger.Debug("WebSocket client disconnected", zap.String("session_id", sid))
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !write(ev) {
				return
			}
			if ev.Progress != nil && ev.Progress.IsTerminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Progress.Status),
					time.Now().Add(wsWriteWait))
				return
			}
		case <-acks:
			if !write(h.broadcaster.Heartbeat(sid)) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
