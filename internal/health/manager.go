package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCheckInterval is the background cadence when none is configured
const DefaultCheckInterval = 30 * time.Second

// Manager runs registered checkers and aggregates their results
type Manager struct {
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	logger      *zap.Logger

	mu      sync.RWMutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a health manager checking every interval in the background
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		logger:      logger,
	}
}

// RegisterChecker registers a health check under its name
func (m *Manager) RegisterChecker(checker Checker) error {
	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker

	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// Checkers lists registered checker names in order
func (m *Manager) Checkers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAll runs every checker concurrently and stores the results
func (m *Manager) CheckAll(ctx context.Context) map[string]CheckResult {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}()
	}
	wg.Wait()

	out := make(map[string]CheckResult, len(results))
	m.mu.Lock()
	for _, r := range results {
		out[r.Component] = r
		m.lastResults[r.Component] = r
	}
	m.mu.Unlock()
	return out
}

// runCheck executes one checker under its own timeout. A panicking checker reports unhealthy.
func runCheck(ctx context.Context, c Checker) (result CheckResult) {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{Status: StatusUnhealthy, Error: fmt.Sprint(r), Message: "checker panicked"}
		}
		result.Component = c.Name()
		result.Critical = c.IsCritical()
		result.Duration = time.Since(start)
		result.Timestamp = start
	}()
	return c.Check(checkCtx)
}

// LastResults returns the results of the most recent run of each checker
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}

// GetOverallHealth runs all checks and folds them into one status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

// GetDetailedHealth runs all checks and reports each component
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	start := time.Now()
	detailed := Aggregate(m.CheckAll(ctx))
	detailed.Overall.Duration = time.Since(start)
	return detailed
}

// Aggregate summarizes component results. A failing critical component makes the service
// unhealthy and not ready; anything else failing only degrades it.
func Aggregate(components map[string]CheckResult) DetailedHealth {
	now := time.Now()
	summary := HealthSummary{Total: len(components)}
	criticalFailures, nonCriticalFailures := 0, 0
	for _, r := range components {
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
			if r.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	overall := OverallHealth{Timestamp: now, Live: true}
	switch {
	case summary.Total == 0:
		overall.Status = StatusUnknown
		overall.Message = "No health checks registered"
		overall.Ready = true
	case criticalFailures > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
	case summary.Degraded > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", summary.Degraded)
		overall.Ready = true
	case nonCriticalFailures > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
		overall.Ready = true
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("All %d components healthy", summary.Total)
		overall.Ready = true
	}
	overall.Degraded = overall.Status == StatusDegraded

	return DetailedHealth{Overall: overall, Components: components, Summary: summary, Timestamp: now}
}

// IsReady returns true if the service can accept session starts
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// Start begins background health checking
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(m.stopCh, m.doneCh)

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.interval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
}

// Stop stops background health checking and waits for the loop to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.logger.Info("Health manager stopped")
}

func (m *Manager) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			results := m.CheckAll(ctx)
			cancel()
			for name, r := range results {
				if r.Status == StatusUnhealthy {
					m.logger.Warn("Health check failing",
						zap.String("checker", name),
						zap.Bool("critical", r.Critical),
						zap.String("error", r.Error),
					)
				}
			}
		}
	}
}
