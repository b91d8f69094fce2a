package execlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brandlens/orchestrator/internal/db"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []db.ExecutionLog
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendExecutionLog implements Store
func (m *MemoryStore) AppendExecutionLog(ctx context.Context, entry *db.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	entry.CreatedAt = time.Now().UTC()
	m.entries = append(m.entries, *entry)
	return nil
}

// ListExecutionLogs implements Store
func (m *MemoryStore) ListExecutionLogs(ctx context.Context, sessionID uuid.UUID, level string) ([]db.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.ExecutionLog
	for _, e := range m.entries {
		if e.SessionID != sessionID {
			continue
		}
		if level != "" && e.Level != level {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
