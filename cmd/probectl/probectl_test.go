package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brandlens/orchestrator/internal/batch"
	"github.com/brandlens/orchestrator/internal/execlog"
	"github.com/brandlens/orchestrator/internal/httpapi"
	"github.com/brandlens/orchestrator/internal/streaming"
)

type stubStarter struct {
	err     error
	started []uuid.UUID
}

func (s *stubStarter) Start(_ context.Context, id uuid.UUID) (*batch.Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.started = append(s.started, id)
	return &batch.Run{SessionID: id}, nil
}

type apiFixture struct {
	url         string
	starter     *stubStarter
	sink        *execlog.Sink
	broadcaster *streaming.Broadcaster
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &apiFixture{
		starter:     &stubStarter{},
		sink:        execlog.NewSink(execlog.NewMemoryStore(), logger),
		broadcaster: streaming.NewBroadcaster(logger),
	}
	t.Cleanup(f.broadcaster.Close)
	mux := http.NewServeMux()
	httpapi.NewHandler(f.starter, f.sink, f.broadcaster, httpapi.Options{Heartbeat: time.Hour}, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f.url = srv.URL
	return f
}

func runCLI(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--api-url", url}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStartCommand(t *testing.T) {
	api := newAPI(t)
	id := uuid.New()

	out, err := runCLI(t, api.url, "start", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Session "+id.String()+" started")
	assert.Equal(t, []uuid.UUID{id}, api.starter.started)
}

func TestStartCommandReportsAPIError(t *testing.T) {
	api := newAPI(t)
	api.starter.err = &batch.ConfigurationError{Reason: batch.ReasonNoCredentials}

	_, err := runCLI(t, api.url, "start", uuid.New().String())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "configuration error: no credentials", apiErr.Message)
}

func TestLogsCommand(t *testing.T) {
	api := newAPI(t)
	id := uuid.New()
	ctx := context.Background()
	api.sink.Info(ctx, id, "Session started", nil)
	api.sink.Error(ctx, id, "Task failed", map[string]interface{}{"engine": "openai", "attempts": 3})

	out, err := runCLI(t, api.url, "logs", id.String(), "--level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "[error] Task failed attempts=3 engine=openai")
	assert.NotContains(t, out, "Session started")
}

func TestWatchCommandStopsAtTerminal(t *testing.T) {
	api := newAPI(t)
	sid := uuid.New().String()
	eta := int64(16)
	api.broadcaster.Publish(sid, streaming.Progress{
		Status: streaming.StatusRunning, TotalQueries: 2, CurrentEngine: "openai", CurrentQuery: "best running shoes",
		EstimatedTimeRemaining: &eta,
	})

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runCLI(t, api.url, "watch", sid)
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool { return api.broadcaster.Observers(sid) == 1 }, 5*time.Second, 10*time.Millisecond)
	api.broadcaster.PublishTerminal(sid, streaming.StatusCompleted, streaming.Progress{TotalQueries: 2, SuccessCount: 2})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Contains(t, res.out, "running   0 ok / 0 failed | openai: best running shoes | eta 16s")
		assert.Contains(t, res.out, "completed 2 ok / 0 failed")
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after the terminal event")
	}
}

func TestPrintEventError(t *testing.T) {
	var buf bytes.Buffer
	printEvent(&buf, streaming.Event{Type: streaming.EventError, Error: &streaming.ErrorPayload{Message: "no engines"}})
	assert.Contains(t, buf.String(), "ERROR no engines")
}
