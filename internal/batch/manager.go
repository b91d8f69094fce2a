package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/credentials"
	"github.com/brandlens/orchestrator/internal/db"
	"github.com/brandlens/orchestrator/internal/dispatch"
	"github.com/brandlens/orchestrator/internal/execlog"
	"github.com/brandlens/orchestrator/internal/lock"
	"github.com/brandlens/orchestrator/internal/metrics"
	"github.com/brandlens/orchestrator/internal/notify"
	"github.com/brandlens/orchestrator/internal/report"
	"github.com/brandlens/orchestrator/internal/streaming"
)

// DefaultSessionTimeout bounds a whole session run
const DefaultSessionTimeout = 30 * time.Minute

// Store is the persistence the manager needs
type Store interface {
	GetSession(ctx context.Context, id uuid.UUID) (*db.Session, error)
	GetProject(ctx context.Context, id uuid.UUID) (*db.Project, error)
	ListCredentials(ctx context.Context, userID uuid.UUID) ([]db.Credential, error)
	ListActiveEngines(ctx context.Context) ([]db.TargetEngine, error)
	ListProjectQueries(ctx context.Context, projectID uuid.UUID) ([]db.QueryTask, error)
	TransitionSession(ctx context.Context, id uuid.UUID, from, to db.SessionStatus, errMsg string) error
}

// Unlocker decrypts stored credentials into a run keyring
type Unlocker interface {
	Unlock(creds []db.Credential) *credentials.Keyring
}

// Runner executes a plan
type Runner interface {
	Run(ctx context.Context, plan dispatch.Plan) (dispatch.Summary, error)
}

// Reporter builds the strategic report of a completed session
type Reporter interface {
	Generate(ctx context.Context, sessionID uuid.UUID) (*report.Report, error)
}

// Deps are the collaborators of a Manager. Lock, Reporter and Notifier may be nil.
type Deps struct {
	Store       Store
	Vault       Unlocker
	Dispatcher  Runner
	Broadcaster *streaming.Broadcaster
	Logs        *execlog.Sink
	Lock        *lock.RunLock
	Reporter    Reporter
	Notifier    notify.Notifier
}

// Config holds manager settings
type Config struct {
	SessionTimeout time.Duration
}

// Manager owns the lifecycle of session runs: validation, the pending to terminal transitions,
// the timeout guard and the final notifications.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]*Run
}

// NewManager creates a manager
func NewManager(deps Deps, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if deps.Logs == nil {
		deps.Logs = execlog.NewSink(execlog.NewMemoryStore(), logger)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = streaming.NewBroadcaster(logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		root:    root,
		cancel:  cancel,
		running: make(map[uuid.UUID]*Run),
	}
}

// Run is a session executing in the background
type Run struct {
	SessionID uuid.UUID
	StartedAt time.Time

	done    chan struct{}
	mu      sync.Mutex
	status  db.SessionStatus
	summary dispatch.Summary
	err     error
}

func newRun(id uuid.UUID) *Run {
	return &Run{SessionID: id, StartedAt: time.Now().UTC(), done: make(chan struct{}), status: db.SessionRunning}
}

// Done is closed once the session reached its terminal status
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns why the session failed, nil while running or when it completed
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Status returns the session status as seen by the run
func (r *Run) Status() db.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Summary returns the task counters of a finished run
func (r *Run) Summary() dispatch.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Wait blocks until the run finishes or ctx is done
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) finish(status db.SessionStatus, sum dispatch.Summary, err error) {
	r.mu.Lock()
	r.status = status
	r.summary = sum
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// Start validates a pending session and launches its run in the background. Configuration
// problems fail the session and are returned as *ConfigurationError.
func (m *Manager) Start(ctx context.Context, sessionID uuid.UUID) (*Run, error) {
	if err := m.root.Err(); err != nil {
		return nil, ErrShuttingDown
	}

	m.mu.Lock()
	if _, busy := m.running[sessionID]; busy {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	// reserve the slot while validating
	m.running[sessionID] = nil
	m.mu.Unlock()

	launched := false
	defer func() {
		if !launched {
			m.mu.Lock()
			delete(m.running, sessionID)
			m.mu.Unlock()
		}
	}()

	var lease *lock.Lease
	if m.deps.Lock != nil {
		l, err := m.deps.Lock.Acquire(ctx, sessionID.String())
		if errors.Is(err, lock.ErrHeld) {
			return nil, ErrAlreadyRunning
		}
		if err != nil {
			return nil, err
		}
		lease = l
		defer func() {
			if !launched {
				m.releaseLease(lease, sessionID)
			}
		}()
	}

	plan, project, err := m.prepare(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := m.deps.Store.TransitionSession(ctx, sessionID, db.SessionPending, db.SessionRunning, ""); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, sessionID)
		}
		return nil, err
	}

	run := newRun(sessionID)
	m.mu.Lock()
	m.running[sessionID] = run
	m.mu.Unlock()
	launched = true

	m.wg.Add(1)
	go m.execute(run, plan, project, lease)
	return run, nil
}

// prepare loads everything a run needs. Configuration failures are recorded before returning.
func (m *Manager) prepare(ctx context.Context, sessionID uuid.UUID) (dispatch.Plan, *db.Project, error) {
	sess, err := m.deps.Store.GetSession(ctx, sessionID)
	if errors.Is(err, db.ErrNotFound) {
		return dispatch.Plan{}, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return dispatch.Plan{}, nil, err
	}
	if sess.Status != db.SessionPending {
		return dispatch.Plan{}, nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, sessionID, sess.Status)
	}

	project, err := m.deps.Store.GetProject(ctx, sess.ProjectID)
	if err != nil {
		return dispatch.Plan{}, nil, fmt.Errorf("failed to load project %s: %w", sess.ProjectID, err)
	}

	creds, err := m.deps.Store.ListCredentials(ctx, project.UserID)
	if err != nil {
		return dispatch.Plan{}, nil, err
	}
	keyring := m.deps.Vault.Unlock(creds)
	if keyring.Len() == 0 {
		return dispatch.Plan{}, nil, m.failConfiguration(ctx, sess, project, &ConfigurationError{
			Reason: ReasonNoCredentials,
			Detail: "the project owner has no usable provider credentials",
		})
	}

	engineList, err := m.deps.Store.ListActiveEngines(ctx)
	if err != nil {
		return dispatch.Plan{}, nil, err
	}
	if len(engineList) == 0 {
		return dispatch.Plan{}, nil, m.failConfiguration(ctx, sess, project, &ConfigurationError{
			Reason: ReasonNoEngines,
			Detail: "no target engine is active",
		})
	}

	queries, err := m.deps.Store.ListProjectQueries(ctx, project.ID)
	if err != nil {
		return dispatch.Plan{}, nil, err
	}
	if len(queries) == 0 {
		return dispatch.Plan{}, nil, m.failConfiguration(ctx, sess, project, &ConfigurationError{
			Reason: ReasonNoQueries,
			Detail: "the project has no generated queries",
		})
	}

	plan := dispatch.NewPlan(sessionID, engineList, queries, keyring)
	plan.Brand = project.BrandName
	if project.BrandDomain != nil {
		plan.BrandDomain = *project.BrandDomain
	}
	plan.Competitors = append([]string(nil), project.Competitors...)
	return plan, project, nil
}

// failConfiguration moves the session straight to failed. The returned error is cfgErr unless the
// transition itself could not be recorded.
func (m *Manager) failConfiguration(ctx context.Context, sess *db.Session, project *db.Project, cfgErr *ConfigurationError) error {
	msg := cfgErr.Error()
	sid := sess.ID.String()

	// the caller may be an HTTP request that goes away before the failure is recorded
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := m.deps.Store.TransitionSession(ctx, sess.ID, db.SessionPending, db.SessionFailed, msg); err != nil {
		m.logger.Error("Failed to mark session failed",
			zap.String("session_id", sid),
			zap.Error(err),
		)
		if errors.Is(err, db.ErrInvalidTransition) {
			return fmt.Errorf("%w: %s", ErrInvalidTransition, sess.ID)
		}
	}

	m.deps.Logs.Error(ctx, sess.ID, msg, map[string]interface{}{"reason": cfgErr.Reason})
	m.deps.Broadcaster.PublishError(sid, msg)
	m.deps.Broadcaster.PublishTerminal(sid, streaming.StatusFailed, streaming.Progress{Message: msg})
	metrics.RecordSessionFinished(string(db.SessionFailed), cfgErr.Reason, 0)

	notify.Deliver(ctx, m.deps.Notifier, notify.Outcome{
		SessionID:  sid,
		ProjectID:  project.ID.String(),
		Status:     string(db.SessionFailed),
		Error:      msg,
		FinishedAt: time.Now().UTC(),
	}, m.logger)
	return cfgErr
}

func (m *Manager) execute(run *Run, plan dispatch.Plan, project *db.Project, lease *lock.Lease) {
	defer m.wg.Done()
	sid := run.SessionID.String()
	start := time.Now()

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	m.logger.Info("Session run started",
		zap.String("session_id", sid),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Strings("providers", plan.Keyring.Providers()),
	)
	m.deps.Logs.Info(m.root, run.SessionID, "Session started", map[string]interface{}{
		"total_tasks": len(plan.Tasks),
		"queries":     plan.QueryCount,
		"engines":     plan.EngineCount,
		"timeout":     m.cfg.SessionTimeout.String(),
	})
	m.deps.Broadcaster.Publish(sid, streaming.Progress{
		Status:       streaming.StatusRunning,
		TotalQueries: len(plan.Tasks),
		Message:      "Session started",
	})

	plan.Tally = &dispatch.Tally{}
	sum, runErr := runGuarded(m.root, m.cfg.SessionTimeout, plan.Tally, func(ctx context.Context) (dispatch.Summary, error) {
		return m.deps.Dispatcher.Run(ctx, plan)
	})
	sum.Total = len(plan.Tasks)
	elapsed := time.Since(start)

	// terminal bookkeeping must land even during shutdown
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.root), 30*time.Second)
	defer cancel()

	status := db.SessionCompleted
	reason := "completed"
	if runErr != nil {
		status = db.SessionFailed
		reason = failureReason(runErr)
	}

	if err := m.deps.Store.TransitionSession(ctx, run.SessionID, db.SessionRunning, status, errMessage(runErr)); err != nil {
		m.logger.Error("Failed to record terminal session status",
			zap.String("session_id", sid),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}

	details := map[string]interface{}{
		"total":      sum.Total,
		"success":    sum.Success,
		"failed":     sum.Failed,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	final := streaming.Progress{
		TotalQueries: sum.Total,
		SuccessCount: sum.Success,
		FailedCount:  sum.Failed,
	}

	if runErr == nil {
		m.deps.Logs.Info(ctx, run.SessionID, "Session completed", details)
		m.generateReport(ctx, run.SessionID)
		final.Message = fmt.Sprintf("Completed: %d succeeded, %d failed", sum.Success, sum.Failed)
	} else {
		msg := runErr.Error()
		details["error"] = msg
		m.deps.Logs.Error(ctx, run.SessionID, msg, details)
		m.deps.Broadcaster.PublishError(sid, msg)
		final.Message = msg
	}
	m.deps.Broadcaster.PublishTerminal(sid, string(status), final)
	metrics.RecordSessionFinished(string(status), reason, elapsed.Seconds())

	notify.Deliver(ctx, m.deps.Notifier, notify.Outcome{
		SessionID:  sid,
		ProjectID:  project.ID.String(),
		Status:     string(status),
		Total:      sum.Total,
		Success:    sum.Success,
		Failed:     sum.Failed,
		ElapsedMs:  elapsed.Milliseconds(),
		Error:      errMessage(runErr),
		FinishedAt: time.Now().UTC(),
	}, m.logger)

	m.releaseLease(lease, run.SessionID)
	m.mu.Lock()
	delete(m.running, run.SessionID)
	m.mu.Unlock()

	m.logger.Info("Session run finished",
		zap.String("session_id", sid),
		zap.String("status", string(status)),
		zap.Int("success", sum.Success),
		zap.Int("failed", sum.Failed),
		zap.Duration("elapsed", elapsed),
	)
	run.finish(status, sum, runErr)
}

func (m *Manager) generateReport(ctx context.Context, sessionID uuid.UUID) {
	if m.deps.Reporter == nil {
		return
	}
	if _, err := m.deps.Reporter.Generate(ctx, sessionID); err != nil {
		m.deps.Logs.Warn(ctx, sessionID, "Failed to generate session report", map[string]interface{}{"error": err.Error()})
	}
}

func (m *Manager) releaseLease(lease *lock.Lease, sessionID uuid.UUID) {
	if lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		m.logger.Warn("Failed to release run lock", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

// Running reports whether the session runs in this process
func (m *Manager) Running(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.running[sessionID]
	return ok && run != nil
}

// Shutdown aborts every active run and waits for their terminal bookkeeping
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSessionTimeout):
		return "timeout"
	case errors.Is(err, ErrShuttingDown):
		return "shutdown"
	default:
		return "error"
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
