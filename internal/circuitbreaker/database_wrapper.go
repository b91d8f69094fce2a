package circuitbreaker

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const (
	dbBreakerName    = "postgresql"
	dbBreakerService = "probe-store"
)

// DatabaseWrapper wraps database operations with circuit breaker
type DatabaseWrapper struct {
	db     *sql.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sql.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker(dbBreakerName, GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.Register(dbBreakerName, dbBreakerService, cb)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

func (dw *DatabaseWrapper) guard(ctx context.Context, fn func() error) error {
	var inner error
	cbErr := dw.cb.Execute(ctx, func() error {
		inner = fn()
		// sql.ErrNoRows is a normal outcome, not an outage
		if inner == sql.ErrNoRows {
			return nil
		}
		return inner
	})
	GlobalMetricsCollector.RecordRequest(dbBreakerName, dbBreakerService, dw.cb.State(), cbErr == nil)
	if cbErr != nil && inner == nil {
		return cbErr
	}
	return inner
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.guard(ctx, func() error { return dw.db.PingContext(ctx) })
}

// QueryContext wraps database query with circuit breaker
func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := dw.guard(ctx, func() error {
		var qErr error
		rows, qErr = dw.db.QueryContext(ctx, query, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.guard(ctx, func() error {
		var eErr error
		result, eErr = dw.db.ExecContext(ctx, query, args...)
		return eErr
	})
	return result, err
}

// BeginTx starts a transaction whose statements bypass the breaker; only the begin is guarded.
func (dw *DatabaseWrapper) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	var tx *sql.Tx
	err := dw.guard(ctx, func() error {
		var bErr error
		tx, bErr = dw.db.BeginTx(ctx, opts)
		return bErr
	})
	return tx, err
}

// Close closes the underlying pool.
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// GetDB returns the raw pool for health checks.
func (dw *DatabaseWrapper) GetDB() *sql.DB {
	return dw.db
}

// IsCircuitBreakerOpen reports whether queries are being short-circuited.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.IsOpen()
}
