package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/streaming"
)

const subscriberBuffer = 256

// lastEventID reads the replay cursor from the Last-Event-ID header or the last_event_id query
// parameter. ok is false when neither is present.
func lastEventID(r *http.Request) (uint64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *Handler) subscribe(r *http.Request, sid string) *streaming.Subscription {
	if seq, ok := lastEventID(r); ok {
		return h.broadcaster.AttachSince(sid, seq, subscriberBuffer)
	}
	return h.broadcaster.Attach(sid, subscriberBuffer)
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Payload())
}

// handleSSE streams session progress via Server-Sent Events. The stream ends after the terminal
// progress event.
// GET /stream/sse?session_id=<id>
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.subscribe(r, sid)
	defer h.broadcaster.Detach(sub)

	fmt.Fprintf(w, ": connected to session %s\n\n", sid)
	flusher.Flush()

	hb := time.NewTicker(h.opts.Heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sid))
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Progress != nil && ev.Progress.IsTerminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
