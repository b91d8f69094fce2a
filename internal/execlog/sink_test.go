package execlog

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/brandlens/orchestrator/internal/db"
)

type failingStore struct{ MemoryStore }

func (f *failingStore) AppendExecutionLog(ctx context.Context, entry *db.ExecutionLog) error {
	return errors.New("connection reset")
}

func TestSinkAppendsInOrder(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink(store, zap.NewNop())
	ctx := context.Background()
	session := uuid.New()
	other := uuid.New()

	sink.Info(ctx, session, "Batch started", map[string]interface{}{"total_tasks": 4})
	sink.Warn(ctx, session, "Retrying provider", map[string]interface{}{"attempt": 0})
	sink.Info(ctx, other, "Unrelated", nil)
	sink.Error(ctx, session, "Task failed", map[string]interface{}{"engine": "openai"})

	all, err := sink.List(ctx, session, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Batch started", all[0].Message)
	assert.Equal(t, db.LevelError, all[2].Level)
	assert.Less(t, all[0].ID, all[1].ID)
	assert.Less(t, all[1].ID, all[2].ID)

	warnings, err := sink.List(ctx, session, db.LevelWarning)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, 0, warnings[0].Details["attempt"])
}

func TestSinkRejectsUnknownLevel(t *testing.T) {
	sink := NewSink(NewMemoryStore(), nil)
	_, err := sink.List(context.Background(), uuid.New(), "debug")
	assert.Error(t, err)
}

func TestSinkSwallowsStoreFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewSink(&failingStore{}, zap.New(core))

	assert.NotPanics(t, func() {
		sink.Error(context.Background(), uuid.New(), "Session failed", nil)
	})
	assert.Equal(t, 1, logs.FilterMessage("Failed to persist execution log").Len())
}

func TestSinkWritesAfterCancellation(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := uuid.New()
	sink.Error(ctx, session, "session timed out after 30m0s", nil)

	entries, err := store.ListExecutionLogs(context.Background(), session, db.LevelError)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
