package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/batch"
	"github.com/brandlens/orchestrator/internal/db"
)

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

// handleStart launches a pending session.
// POST /sessions/{id}/start
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	run, err := h.starter.Start(r.Context(), id)
	if err != nil {
		code := startErrorStatus(err)
		if code >= http.StatusInternalServerError {
			h.logger.Error("Failed to start session", zap.String("session_id", id.String()), zap.Error(err))
		}
		writeError(w, code, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": run.SessionID.String(),
		"status":     string(db.SessionRunning),
	})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, batch.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrAlreadyRunning), errors.Is(err, batch.ErrInvalidTransition):
		return http.StatusConflict
	case batch.IsConfigurationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, batch.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleLogs returns a session's execution log, optionally filtered by level.
// GET /sessions/{id}/logs?level=warning
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	level := r.URL.Query().Get("level")
	switch level {
	case "", db.LevelInfo, db.LevelWarning, db.LevelError:
	default:
		writeError(w, http.StatusBadRequest, "level must be info, warning or error")
		return
	}

	entries, err := h.logs.List(r.Context(), id, level)
	if err != nil {
		h.logger.Error("Failed to list execution logs", zap.String("session_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	if entries == nil {
		entries = []db.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id.String(), "logs": entries})
}

// handleProgress returns the latest progress snapshot.
// GET /sessions/{id}/progress
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	ev, found := h.broadcaster.Snapshot(id.String())
	if !found {
		writeError(w, http.StatusNotFound, "no progress for session")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
