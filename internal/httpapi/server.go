package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/batch"
	"github.com/brandlens/orchestrator/internal/db"
	"github.com/brandlens/orchestrator/internal/streaming"
)

// DefaultHeartbeat is the idle keepalive interval on streaming connections
const DefaultHeartbeat = 15 * time.Second

// Starter launches a pending session
type Starter interface {
	Start(ctx context.Context, sessionID uuid.UUID) (*batch.Run, error)
}

// LogReader lists a session's execution log
type LogReader interface {
	List(ctx context.Context, sessionID uuid.UUID, level string) ([]db.ExecutionLog, error)
}

// Options tune the API surface
type Options struct {
	StartRPS   float64
	StartBurst int
	Heartbeat  time.Duration
}

// Handler serves the session API and the progress streams
type Handler struct {
	starter     Starter
	logs        LogReader
	broadcaster *streaming.Broadcaster
	opts        Options
	logger      *zap.Logger
}

// NewHandler creates the API handler
func NewHandler(starter Starter, logs LogReader, b *streaming.Broadcaster, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Handler{starter: starter, logs: logs, broadcaster: b, opts: opts, logger: logger}
}

// RegisterRoutes registers all API routes on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	start := RateLimit(h.opts.StartRPS, h.opts.StartBurst)(http.HandlerFunc(h.handleStart))
	mux.Handle("POST /sessions/{id}/start", start)
	mux.HandleFunc("GET /sessions/{id}/logs", h.handleLogs)
	mux.HandleFunc("GET /sessions/{id}/progress", h.handleProgress)
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// NewServer builds the API listener around the handler
func NewServer(addr string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
