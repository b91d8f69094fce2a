package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
	"github.com/brandlens/orchestrator/internal/credentials"
	"github.com/brandlens/orchestrator/internal/db"
	"github.com/brandlens/orchestrator/internal/dispatch"
	"github.com/brandlens/orchestrator/internal/engines"
	"github.com/brandlens/orchestrator/internal/execlog"
	"github.com/brandlens/orchestrator/internal/lock"
	"github.com/brandlens/orchestrator/internal/notify"
	"github.com/brandlens/orchestrator/internal/ratecontrol"
	"github.com/brandlens/orchestrator/internal/streaming"
)

type fakeStore struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*db.Session
	project     *db.Project
	creds       []db.Credential
	engines     []db.TargetEngine
	queries     []db.QueryTask
	transitions []db.SessionStatus
}

func newFakeStore() *fakeStore {
	domain := "nike.com"
	return &fakeStore{
		sessions: map[uuid.UUID]*db.Session{},
		project: &db.Project{
			ID: uuid.New(), UserID: uuid.New(), Name: "shoes", BrandName: "Nike",
			BrandDomain: &domain, Competitors: []string{"Adidas"},
		},
		creds: []db.Credential{{Provider: "openai"}, {Provider: "anthropic"}},
		engines: []db.TargetEngine{
			{ID: uuid.New(), Name: "openai", IsActive: true},
			{ID: uuid.New(), Name: "anthropic", IsActive: true},
		},
		queries: []db.QueryTask{
			{ID: uuid.New(), Text: "best running shoes"},
			{ID: uuid.New(), Text: "best trail shoes"},
		},
	}
}

func (f *fakeStore) addSession(status db.SessionStatus) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.sessions[id] = &db.Session{ID: id, ProjectID: f.project.ID, Status: status}
	return id
}

func (f *fakeStore) session(id uuid.UUID) db.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeStore) GetSession(_ context.Context, id uuid.UUID) (*db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) GetProject(context.Context, uuid.UUID) (*db.Project, error) { return f.project, nil }

func (f *fakeStore) ListCredentials(context.Context, uuid.UUID) ([]db.Credential, error) {
	return f.creds, nil
}

func (f *fakeStore) ListActiveEngines(context.Context) ([]db.TargetEngine, error) {
	return f.engines, nil
}

func (f *fakeStore) ListProjectQueries(context.Context, uuid.UUID) ([]db.QueryTask, error) {
	return f.queries, nil
}

func (f *fakeStore) TransitionSession(ctx context.Context, id uuid.UUID, from, to db.SessionStatus, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != from {
		return db.ErrInvalidTransition
	}
	s.Status = to
	if errMsg != "" {
		s.ErrorMessage = &errMsg
	}
	f.transitions = append(f.transitions, to)
	return nil
}

// plainVault treats the credential provider name as its own secret
type plainVault struct{}

func (plainVault) Unlock(creds []db.Credential) *credentials.Keyring {
	values := map[string]string{}
	for _, c := range creds {
		values[c.Provider] = "key-" + c.Provider
	}
	return credentials.NewKeyring(values)
}

type responseSink struct{ saved int32 }

func (r *responseSink) SaveEngineResponse(_ context.Context, resp *db.EngineResponse) error {
	atomic.AddInt32(&r.saved, 1)
	resp.ID = uuid.New()
	return nil
}
func (r *responseSink) UpdateResponseReliability(context.Context, uuid.UUID, float64, string, db.JSONArray) error {
	return nil
}
func (r *responseSink) SaveBrandMentions(context.Context, uuid.UUID, []db.BrandMention) error {
	return nil
}
func (r *responseSink) SaveCitationSources(context.Context, uuid.UUID, []db.CitationSource) error {
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []notify.Outcome
}

func (n *recordingNotifier) Notify(_ context.Context, o notify.Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
	return nil
}

func (n *recordingNotifier) all() []notify.Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Outcome(nil), n.outcomes...)
}

type harness struct {
	store    *fakeStore
	calls    int32
	logs     *execlog.Sink
	bc       *streaming.Broadcaster
	notifier *recordingNotifier
	manager  *Manager
}

func newHarness(t *testing.T, adapter engines.AdapterFunc, timeout time.Duration, rl *lock.RunLock) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		logs:     execlog.NewSink(execlog.NewMemoryStore(), zaptest.NewLogger(t)),
		bc:       streaming.NewBroadcaster(zaptest.NewLogger(t)),
		notifier: &recordingNotifier{},
	}
	t.Cleanup(h.bc.Close)

	counted := engines.AdapterFunc(func(ctx context.Context, cred credentials.Secret, model, query string) (*engines.Answer, error) {
		atomic.AddInt32(&h.calls, 1)
		return adapter(ctx, cred, model, query)
	})
	reg := engines.NewRegistry()
	reg.Register("openai", counted)
	reg.Register("anthropic", counted)

	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	d := dispatch.New(dispatch.Deps{
		Adapters: reg,
		Rates:    ratecontrol.NewTable(nil),
		Retrier:  &ratecontrol.Retrier{Sleep: noSleep},
		Store:    &responseSink{},
		Progress: h.bc,
		Logs:     h.logs,
		Sleep:    noSleep,
	}, dispatch.Config{}, zaptest.NewLogger(t))

	h.manager = NewManager(Deps{
		Store:       h.store,
		Vault:       plainVault{},
		Dispatcher:  d,
		Broadcaster: h.bc,
		Logs:        h.logs,
		Lock:        rl,
		Notifier:    h.notifier,
	}, Config{SessionTimeout: timeout}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = h.manager.Shutdown(context.Background()) })
	return h
}

func answering(ctx context.Context, _ credentials.Secret, _, query string) (*engines.Answer, error) {
	return &engines.Answer{Content: "Nike leads for: " + query}, nil
}

func waitRun(t *testing.T, run *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-run.Done():
	case <-ctx.Done():
		t.Fatal("run did not finish")
	}
}

func TestRunCompletesAllTasks(t *testing.T) {
	h := newHarness(t, answering, time.Minute, nil)
	id := h.store.addSession(db.SessionPending)

	sub := h.bc.Attach(id.String(), 64)
	defer h.bc.Detach(sub)

	run, err := h.manager.Start(context.Background(), id)
	require.NoError(t, err)
	waitRun(t, run)

	require.NoError(t, run.Err())
	sum := run.Summary()
	assert.Equal(t, db.SessionCompleted, run.Status())
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, sum.Total, sum.Success+sum.Failed)
	assert.Equal(t, int32(4), atomic.LoadInt32(&h.calls))

	assert.Equal(t, db.SessionCompleted, h.store.session(id).Status)
	assert.Equal(t, []db.SessionStatus{db.SessionRunning, db.SessionCompleted}, h.store.transitions)

	snap, ok := h.bc.Snapshot(id.String())
	require.True(t, ok)
	assert.Equal(t, streaming.StatusCompleted, snap.Progress.Status)
	assert.Equal(t, 4, snap.Progress.SuccessCount)

	outcomes := h.notifier.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "completed", outcomes[0].Status)
	assert.False(t, h.manager.Running(id))
}

func TestPartialFailureStillCompletes(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, cred credentials.Secret, model, query string) (*engines.Answer, error) {
		if cred.Reveal() == "key-anthropic" {
			return nil, &engines.ProviderError{Provider: "anthropic", StatusCode: 401, Message: "invalid x-api-key"}
		}
		return answering(ctx, cred, model, query)
	}, time.Minute, nil)
	id := h.store.addSession(db.SessionPending)

	run, err := h.manager.Start(context.Background(), id)
	require.NoError(t, err)
	waitRun(t, run)

	assert.Equal(t, db.SessionCompleted, run.Status())
	assert.Equal(t, 2, run.Summary().Success)
	assert.Equal(t, 2, run.Summary().Failed)
	assert.Nil(t, h.store.session(id).ErrorMessage)
}

func TestZeroEnginesFailsWithoutAttempts(t *testing.T) {
	h := newHarness(t, answering, time.Minute, nil)
	h.store.engines = nil
	id := h.store.addSession(db.SessionPending)

	run, err := h.manager.Start(context.Background(), id)
	assert.Nil(t, run)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonNoEngines, ce.Reason)

	assert.Equal(t, int32(0), atomic.LoadInt32(&h.calls))
	sess := h.store.session(id)
	assert.Equal(t, db.SessionFailed, sess.Status)
	require.NotNil(t, sess.ErrorMessage)
	assert.Contains(t, *sess.ErrorMessage, "no engines")

	errs, err := h.logs.List(context.Background(), id, db.LevelError)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(errs), 1)

	snap, ok := h.bc.Snapshot(id.String())
	require.True(t, ok)
	assert.Equal(t, streaming.StatusFailed, snap.Progress.Status)
	require.Len(t, h.notifier.all(), 1)
	assert.Equal(t, "failed", h.notifier.all()[0].Status)
}

func TestZeroCredentialsIsConfigurationError(t *testing.T) {
	h := newHarness(t, answering, time.Minute, nil)
	h.store.creds = nil
	id := h.store.addSession(db.SessionPending)

	sub := h.bc.Attach(id.String(), 8)
	defer h.bc.Detach(sub)

	_, err := h.manager.Start(context.Background(), id)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	var pe *engines.ProviderError
	assert.False(t, errors.As(err, &pe))
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonNoCredentials, ce.Reason)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.calls))

	first := <-sub.C
	assert.Equal(t, streaming.EventError, first.Type)
	second := <-sub.C
	assert.Equal(t, streaming.StatusFailed, second.Progress.Status)
}

func TestTimeoutFailsSession(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ credentials.Secret, _, _ string) (*engines.Answer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 50*time.Millisecond, nil)
	id := h.store.addSession(db.SessionPending)

	run, err := h.manager.Start(context.Background(), id)
	require.NoError(t, err)
	waitRun(t, run)

	assert.Equal(t, db.SessionFailed, run.Status())
	assert.ErrorIs(t, run.Err(), ErrSessionTimeout)
	sess := h.store.session(id)
	require.NotNil(t, sess.ErrorMessage)
	assert.Equal(t, "session timed out after 50ms", *sess.ErrorMessage)

	errs, err := h.logs.List(context.Background(), id, db.LevelError)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Equal(t, "session timed out after 50ms", errs[len(errs)-1].Message)

	snap, ok := h.bc.Snapshot(id.String())
	require.True(t, ok)
	assert.Equal(t, streaming.StatusFailed, snap.Progress.Status)
	assert.Less(t, run.Summary().Success+run.Summary().Failed, run.Summary().Total)
}

func TestStartRejectsUnknownAndNonPending(t *testing.T) {
	h := newHarness(t, answering, time.Minute, nil)

	_, err := h.manager.Start(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	done := h.store.addSession(db.SessionCompleted)
	_, err = h.manager.Start(context.Background(), done)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, db.SessionCompleted, h.store.session(done).Status)
}

func TestStartTwiceIsRejected(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, cred credentials.Secret, model, query string) (*engines.Answer, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return answering(ctx, cred, model, query)
	}, time.Minute, nil)
	id := h.store.addSession(db.SessionPending)

	run, err := h.manager.Start(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, h.manager.Running(id))

	_, err = h.manager.Start(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	waitRun(t, run)
	assert.Equal(t, db.SessionCompleted, run.Status())
}

func TestRunLockAcrossReplicas(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rl := lock.NewRunLock(circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t)), time.Minute, zaptest.NewLogger(t))

	h := newHarness(t, answering, time.Minute, rl)
	id := h.store.addSession(db.SessionPending)

	// another replica holds the session
	foreign, err := rl.Acquire(context.Background(), id.String())
	require.NoError(t, err)
	_, err = h.manager.Start(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, db.SessionPending, h.store.session(id).Status)
	require.NoError(t, foreign.Release(context.Background()))

	run, err := h.manager.Start(context.Background(), id)
	require.NoError(t, err)
	waitRun(t, run)
	assert.False(t, s.Exists("probe:run:"+id.String()))
}

func TestShutdownAbortsRuns(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ credentials.Secret, _, _ string) (*engines.Answer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Minute, nil)
	id := h.store.addSession(db.SessionPending)

	run, err := h.manager.Start(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, h.manager.Shutdown(context.Background()))

	waitRun(t, run)
	assert.ErrorIs(t, run.Err(), ErrShuttingDown)
	assert.Equal(t, db.SessionFailed, h.store.session(id).Status)

	_, err = h.manager.Start(context.Background(), h.store.addSession(db.SessionPending))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRunGuardedRecoversPanic(t *testing.T) {
	tally := &dispatch.Tally{}
	sum, err := runGuarded(context.Background(), time.Second, tally, func(context.Context) (dispatch.Summary, error) {
		panic("loop exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop exploded")
	assert.Equal(t, dispatch.Summary{}, sum)
}

func TestRunGuardedAbandonedLoopReportsTally(t *testing.T) {
	grace := abandonGrace
	abandonGrace = 20 * time.Millisecond
	t.Cleanup(func() { abandonGrace = grace })

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tally := &dispatch.Tally{}
	sum, err := runGuarded(context.Background(), 30*time.Millisecond, tally, func(context.Context) (dispatch.Summary, error) {
		tally.Record(dispatch.Summary{Total: 4, Success: 2, Failed: 1})
		<-release
		return dispatch.Summary{}, nil
	})
	assert.ErrorIs(t, err, ErrSessionTimeout)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.Success)
	assert.Equal(t, 1, sum.Failed)
}

func TestConfigurationFailureOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, answering, time.Minute, nil)
	h.store.engines = nil
	id := h.store.addSession(db.SessionPending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.manager.Start(ctx, id)
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, db.SessionFailed, h.store.session(id).Status)
}
