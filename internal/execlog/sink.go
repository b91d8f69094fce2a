package execlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/db"
	"github.com/brandlens/orchestrator/internal/metrics"
)

const writeTimeout = 5 * time.Second

// Store persists execution log entries
type Store interface {
	AppendExecutionLog(ctx context.Context, entry *db.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, sessionID uuid.UUID, level string) ([]db.ExecutionLog, error)
}

// Sink is the append-only diagnostic trail of a session. Entries are mirrored to zap; a failed
// write is logged and counted but never returned to the caller.
type Sink struct {
	store  Store
	logger *zap.Logger
}

// NewSink creates a sink over store
func NewSink(store Store, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, logger: logger}
}

// Info appends an info entry
func (s *Sink) Info(ctx context.Context, sessionID uuid.UUID, msg string, details map[string]interface{}) {
	s.append(ctx, sessionID, db.LevelInfo, msg, details)
}

// Warn appends a warning entry
func (s *Sink) Warn(ctx context.Context, sessionID uuid.UUID, msg string, details map[string]interface{}) {
	s.append(ctx, sessionID, db.LevelWarning, msg, details)
}

// Error appends an error entry
func (s *Sink) Error(ctx context.Context, sessionID uuid.UUID, msg string, details map[string]interface{}) {
	s.append(ctx, sessionID, db.LevelError, msg, details)
}

func (s *Sink) append(ctx context.Context, sessionID uuid.UUID, level, msg string, details map[string]interface{}) {
	fields := []zap.Field{zap.String("session_id", sessionID.String())}
	for k, v := range details {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case db.LevelError:
		s.logger.Error(msg, fields...)
	case db.LevelWarning:
		s.logger.Warn(msg, fields...)
	default:
		s.logger.Info(msg, fields...)
	}

	// Entries about a cancelled run (timeouts) must still land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	entry := &db.ExecutionLog{SessionID: sessionID, Level: level, Message: msg, Details: db.JSONB(details)}
	if err := s.store.AppendExecutionLog(wctx, entry); err != nil {
		metrics.ExecLogWriteFailures.Inc()
		s.logger.Error("Failed to persist execution log",
			zap.String("session_id", sessionID.String()),
			zap.String("level", level),
			zap.Error(err),
		)
	}
}

// List returns a session's entries in creation order. An empty level returns every entry.
func (s *Sink) List(ctx context.Context, sessionID uuid.UUID, level string) ([]db.ExecutionLog, error) {
	switch level {
	case "", db.LevelInfo, db.LevelWarning, db.LevelError:
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return s.store.ListExecutionLogs(ctx, sessionID, level)
}
