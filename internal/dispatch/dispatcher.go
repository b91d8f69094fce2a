package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/analysis"
	"github.com/brandlens/orchestrator/internal/credentials"
	"github.com/brandlens/orchestrator/internal/db"
	"github.com/brandlens/orchestrator/internal/engines"
	"github.com/brandlens/orchestrator/internal/execlog"
	"github.com/brandlens/orchestrator/internal/metrics"
	"github.com/brandlens/orchestrator/internal/ratecontrol"
	"github.com/brandlens/orchestrator/internal/streaming"
	"github.com/brandlens/orchestrator/internal/tracing"
)

const (
	// DefaultRecoveryDelay is the pause after a failed task before the next one starts
	DefaultRecoveryDelay = 2 * time.Second
	// DefaultAssumedLatency seeds the ETA before any task has been timed
	DefaultAssumedLatency = 8 * time.Second
)

var (
	// ErrNoCredential marks a task whose provider has no decrypted credential
	ErrNoCredential = errors.New("no credential for provider")
	// ErrEmptyAnswer marks an adapter that returned neither answer nor error
	ErrEmptyAnswer = errors.New("provider returned no answer")
)

// Store persists task results
type Store interface {
	SaveEngineResponse(ctx context.Context, resp *db.EngineResponse) error
	UpdateResponseReliability(ctx context.Context, responseID uuid.UUID, risk float64, confidence string, issues db.JSONArray) error
	SaveBrandMentions(ctx context.Context, responseID uuid.UUID, mentions []db.BrandMention) error
	SaveCitationSources(ctx context.Context, responseID uuid.UUID, sources []db.CitationSource) error
}

// Adapters resolves a provider name to its engine adapter
type Adapters interface {
	Get(provider string) (engines.Adapter, error)
}

// Analyzer is the post-response analysis pipeline
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) analysis.Result
}

// Publisher receives progress snapshots
type Publisher interface {
	Publish(sessionID string, p streaming.Progress) (streaming.Event, bool)
}

// Config holds dispatcher timings
type Config struct {
	RecoveryDelay  time.Duration
	AssumedLatency time.Duration
}

// Deps are the collaborators of a Dispatcher. Analyzer may be nil.
type Deps struct {
	Adapters Adapters
	Rates    *ratecontrol.Table
	Retrier  *ratecontrol.Retrier
	Store    Store
	Analyzer Analyzer
	Progress Publisher
	Logs     *execlog.Sink
	// Sleep overrides the context-aware pacing sleep, mainly for tests
	Sleep ratecontrol.SleepFunc
}

// Plan is everything one session run needs
type Plan struct {
	SessionID   uuid.UUID
	Tasks       []Task
	QueryCount  int
	EngineCount int
	Keyring     *credentials.Keyring
	Brand       string
	BrandDomain string
	Competitors []string
	// Tally, when set, mirrors the running counters after every task
	Tally *Tally
}

// NewPlan builds the task list and counts for a run
func NewPlan(sessionID uuid.UUID, engineList []db.TargetEngine, queries []db.QueryTask, keyring *credentials.Keyring) Plan {
	return Plan{
		SessionID:   sessionID,
		Tasks:       BuildTasks(engineList, queries),
		QueryCount:  len(queries),
		EngineCount: len(engineList),
		Keyring:     keyring,
	}
}

// Summary is the outcome of a run. Success+Failed equals Total for a run that was not aborted.
type Summary struct {
	Total   int           `json:"total"`
	Success int           `json:"success"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
}

// Processed returns how many tasks reached a final outcome
func (s Summary) Processed() int { return s.Success + s.Failed }

// Tally is a run's summary readable from another goroutine while the run is in flight
type Tally struct {
	mu  sync.Mutex
	sum Summary
}

// Record stores s as the current counters
func (t *Tally) Record(s Summary) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.sum = s
	t.mu.Unlock()
}

// Snapshot returns the counters recorded so far
func (t *Tally) Snapshot() Summary {
	if t == nil {
		return Summary{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sum
}

// Dispatcher drives the tasks of a session one at a time
type Dispatcher struct {
	deps   Deps
	cfg    Config
	sleep  ratecontrol.SleepFunc
	now    func() time.Time
	logger *zap.Logger
}

// New creates a dispatcher
func New(deps Deps, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Rates == nil {
		deps.Rates = ratecontrol.NewTable(nil)
	}
	if deps.Retrier == nil {
		deps.Retrier = ratecontrol.NewRetrier()
	}
	if deps.Logs == nil {
		deps.Logs = execlog.NewSink(execlog.NewMemoryStore(), logger)
	}
	if cfg.RecoveryDelay < 0 {
		cfg.RecoveryDelay = 0
	}
	if cfg.AssumedLatency <= 0 {
		cfg.AssumedLatency = DefaultAssumedLatency
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = ratecontrol.Sleep
	}
	return &Dispatcher{deps: deps, cfg: cfg, sleep: sleep, now: time.Now, logger: logger}
}

// Run executes every task of plan in order. A failed task is recorded and the loop continues;
// only cancellation of ctx stops it early, returning the partial summary with ctx's error.
func (d *Dispatcher) Run(ctx context.Context, plan Plan) (Summary, error) {
	start := d.now()
	sum := Summary{Total: len(plan.Tasks)}
	sid := plan.SessionID.String()
	eta := newETAEstimator(d.cfg.AssumedLatency, plan.QueryCount, plan.EngineCount)
	plan.Tally.Record(sum)

	d.logger.Info("Dispatch started",
		zap.String("session_id", sid),
		zap.Int("tasks", sum.Total),
		zap.Int("queries", plan.QueryCount),
		zap.Int("engines", plan.EngineCount),
	)

	for i, task := range plan.Tasks {
		if err := ctx.Err(); err != nil {
			sum.Elapsed = d.now().Sub(start)
			return sum, err
		}

		provider := task.Engine.Name
		policy := d.deps.Rates.PolicyFor(provider)
		taskStart := d.now()

		progress := streaming.Progress{
			Status:                 streaming.StatusRunning,
			CurrentQuery:           task.Query.Text,
			TotalQueries:           sum.Total,
			CurrentEngine:          provider,
			SuccessCount:           sum.Success,
			FailedCount:            sum.Failed,
			EstimatedTimeRemaining: eta.estimate(eta.remaining(task), policy.InterCallDelay),
		}
		d.publish(sid, progress)

		answer, attempts, err := d.call(ctx, plan, task, policy, progress)
		if ctx.Err() != nil {
			sum.Elapsed = d.now().Sub(start)
			return sum, ctx.Err()
		}

		var resp *db.EngineResponse
		if err == nil {
			resp, err = d.saveResponse(ctx, plan, task, answer)
		}

		if err == nil {
			d.analyze(ctx, plan, task, resp, answer)
			sum.Success++
			progress.Message = fmt.Sprintf("%s answered query %d/%d", provider, task.QueryIndex+1, plan.QueryCount)
		} else {
			sum.Failed++
			d.deps.Logs.Error(ctx, plan.SessionID, fmt.Sprintf("Task failed on %s", provider), map[string]interface{}{
				"task_index": task.Index,
				"query_id":   task.Query.ID.String(),
				"query":      task.Query.Text,
				"engine":     provider,
				"error":      err.Error(),
				"attempts":   attempts,
			})
			progress.Message = fmt.Sprintf("%s failed query %d/%d: %v", provider, task.QueryIndex+1, plan.QueryCount, err)
		}
		metrics.RecordTask(provider, err == nil, d.now().Sub(taskStart).Seconds())
		sum.Elapsed = d.now().Sub(start)
		plan.Tally.Record(sum)

		progress.SuccessCount = sum.Success
		progress.FailedCount = sum.Failed
		progress.RateLimit = nil
		progress.EstimatedTimeRemaining = eta.estimate(eta.remaining(task)-1, policy.InterCallDelay)
		d.publish(sid, progress)

		last := i == len(plan.Tasks)-1
		if err != nil && !last {
			if perr := d.pace(ctx, provider, "recovery", d.cfg.RecoveryDelay); perr != nil {
				sum.Elapsed = d.now().Sub(start)
				return sum, perr
			}
		}
		if !last {
			if perr := d.pace(ctx, provider, "inter_call", policy.InterCallDelay); perr != nil {
				sum.Elapsed = d.now().Sub(start)
				return sum, perr
			}
		}
		eta.observe(d.now().Sub(taskStart))
	}

	sum.Elapsed = d.now().Sub(start)
	d.logger.Info("Dispatch finished",
		zap.String("session_id", sid),
		zap.Int("success", sum.Success),
		zap.Int("failed", sum.Failed),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

// call runs the adapter under the provider's retry policy
func (d *Dispatcher) call(ctx context.Context, plan Plan, task Task, policy ratecontrol.Policy, progress streaming.Progress) (*engines.Answer, int, error) {
	provider := task.Engine.Name
	cred, ok := plan.Keyring.Get(provider)
	if !ok {
		return nil, 0, fmt.Errorf("%w %s", ErrNoCredential, provider)
	}
	adapter, err := d.deps.Adapters.Get(provider)
	if err != nil {
		return nil, 0, err
	}

	retrier := *d.deps.Retrier
	retrier.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.TaskRetries.WithLabelValues(provider).Inc()
		d.deps.Logs.Warn(ctx, plan.SessionID, fmt.Sprintf("Transient error from %s, retrying", provider), map[string]interface{}{
			"task_index":  task.Index,
			"query_id":    task.Query.ID.String(),
			"engine":      provider,
			"attempt":     attempt + 1,
			"retry_in_ms": delay.Milliseconds(),
			"error":       err.Error(),
		})
		p := progress
		p.Message = fmt.Sprintf("%s is rate limited, retrying in %ds", provider, int(delay.Seconds()))
		p.RateLimit = &streaming.RateLimit{Provider: provider, Attempt: attempt + 1, RetryInMs: delay.Milliseconds()}
		d.publish(plan.SessionID.String(), p)
	}

	spanCtx, span := tracing.StartTaskSpan(ctx, plan.SessionID.String(), provider, task.Index)
	defer span.End()

	var answer *engines.Answer
	attempts, err := retrier.Do(spanCtx, policy, func(ctx context.Context, attempt int) error {
		a, err := adapter.Call(ctx, cred, task.Engine.Model, task.Query.Text)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("%w: %s", ErrEmptyAnswer, provider)
		}
		answer = a
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return answer, attempts, err
}

func (d *Dispatcher) saveResponse(ctx context.Context, plan Plan, task Task, answer *engines.Answer) (*db.EngineResponse, error) {
	cites := make(db.JSONArray, 0, len(answer.Citations))
	for _, c := range answer.Citations {
		cites = append(cites, map[string]interface{}{"url": c.URL, "title": c.Title})
	}
	resp := &db.EngineResponse{
		SessionID: plan.SessionID,
		QueryID:   task.Query.ID,
		EngineID:  task.Engine.ID,
		Content:   answer.Content,
		Citations: cites,
	}
	if err := d.deps.Store.SaveEngineResponse(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// analyze runs the pipeline and stores what it produced. Nothing here fails the task.
func (d *Dispatcher) analyze(ctx context.Context, plan Plan, task Task, resp *db.EngineResponse, answer *engines.Answer) {
	if d.deps.Analyzer == nil {
		return
	}
	res := d.deps.Analyzer.Analyze(ctx, analysis.Input{
		Query:       task.Query.Text,
		Response:    answer.Content,
		Citations:   answer.Citations,
		Brand:       plan.Brand,
		BrandDomain: plan.BrandDomain,
		Competitors: plan.Competitors,
	})
	if len(res.Degraded) > 0 {
		d.logger.Debug("Analysis degraded",
			zap.String("session_id", plan.SessionID.String()),
			zap.Int("task_index", task.Index),
			zap.Strings("stages", res.Degraded),
		)
	}

	var failures []string
	issues := make(db.JSONArray, 0, len(res.Reliability.Issues))
	for _, is := range res.Reliability.Issues {
		issues = append(issues, map[string]interface{}{
			"category":    is.Category,
			"description": is.Description,
			"severity":    is.Severity,
		})
	}
	if err := d.deps.Store.UpdateResponseReliability(ctx, resp.ID, res.Reliability.RiskScore, res.Reliability.Confidence, issues); err != nil {
		failures = append(failures, err.Error())
	}

	mentions := make([]db.BrandMention, 0, len(res.Mentions))
	for _, m := range res.Mentions {
		mentions = append(mentions, db.BrandMention{
			Brand:                  m.Brand,
			IsTarget:               m.IsTarget,
			Mentioned:              m.Mentioned,
			Sentiment:              m.Sentiment,
			RankPosition:           m.RankPosition,
			IsSarcastic:            m.IsSarcastic,
			RecommendationStrength: m.RecommendationStrength,
			Context:                m.Context,
			Degraded:               m.Degraded,
		})
	}
	if err := d.deps.Store.SaveBrandMentions(ctx, resp.ID, mentions); err != nil {
		failures = append(failures, err.Error())
	}

	sources := make([]db.CitationSource, 0, len(res.Citations))
	for _, c := range res.Citations {
		sources = append(sources, db.CitationSource{URL: c.URL, Title: c.Title, Domain: c.Domain, SourceType: c.SourceType})
	}
	if err := d.deps.Store.SaveCitationSources(ctx, resp.ID, sources); err != nil {
		failures = append(failures, err.Error())
	}

	if len(failures) > 0 {
		d.deps.Logs.Warn(ctx, plan.SessionID, "Failed to store analysis results", map[string]interface{}{
			"task_index":  task.Index,
			"response_id": resp.ID.String(),
			"errors":      failures,
		})
	}
}

func (d *Dispatcher) pace(ctx context.Context, provider, kind string, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	metrics.PacingDelaySeconds.WithLabelValues(provider, kind).Add(delay.Seconds())
	return d.sleep(ctx, delay)
}

func (d *Dispatcher) publish(sessionID string, p streaming.Progress) {
	if d.deps.Progress == nil {
		return
	}
	d.deps.Progress.Publish(sessionID, p)
}
