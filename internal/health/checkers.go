package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
)

// RedisHealthChecker checks the run lock store
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, logger: logger, timeout: 3 * time.Second}
}

func (r *RedisHealthChecker) Name() string { return "redis" }

// IsCritical is true: without the lock a session could run on two replicas
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: "Redis circuit breaker is open",
		}
	}

	start := time.Now()
	err := r.wrapper.Ping(ctx).Err()
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: "Redis ping failed",
			Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
		}
	}

	result := CheckResult{
		Status:  StatusHealthy,
		Message: "Redis healthy",
		Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
	}
	if latency > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	}
	return result
}

// DatabaseHealthChecker checks PostgreSQL connectivity
type DatabaseHealthChecker struct {
	db      *sql.DB
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db *sql.DB, wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	if d.wrapper != nil && d.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: "Database circuit breaker is open",
		}
	}

	start := time.Now()
	err := d.db.PingContext(ctx)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: "Database ping failed",
			Details: map[string]interface{}{"latency_ms": latency.Milliseconds()},
		}
	}

	stats := d.db.Stats()
	result := CheckResult{Status: StatusHealthy, Message: "Database healthy"}
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	} else if latency > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           latency.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
	}
	return result
}

// AnalysisServiceHealthChecker probes the external analysis service. Non-critical: sessions
// fall back to heuristic analysis when it is away.
type AnalysisServiceHealthChecker struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewAnalysisServiceHealthChecker creates a checker hitting baseURL/health
func NewAnalysisServiceHealthChecker(baseURL string, logger *zap.Logger) *AnalysisServiceHealthChecker {
	return &AnalysisServiceHealthChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger,
		timeout: 3 * time.Second,
	}
}

func (a *AnalysisServiceHealthChecker) Name() string           { return "analysis_service" }
func (a *AnalysisServiceHealthChecker) IsCritical() bool       { return false }
func (a *AnalysisServiceHealthChecker) Timeout() time.Duration { return a.timeout }

func (a *AnalysisServiceHealthChecker) Check(ctx context.Context) CheckResult {
	if a.baseURL == "" {
		return CheckResult{Status: StatusDegraded, Message: "Analysis endpoint not configured; heuristics only"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "Invalid analysis endpoint"}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "Analysis service unreachable"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   fmt.Sprintf("HTTP %d", resp.StatusCode),
			Message: "Analysis service unhealthy",
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "Analysis service healthy"}
}

// CustomHealthChecker wraps a function as a checker
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
