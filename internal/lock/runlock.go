package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
)

const keyPrefix = "probe:run:"

// ErrHeld is returned when another process already runs the session
var ErrHeld = errors.New("session run lock held by another process")

// releaseScript deletes the key only if it still carries our token
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RunLock guards a session against being run by two replicas at once
type RunLock struct {
	redis  *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewRunLock creates a run lock. ttl bounds how long a crashed holder blocks a session.
func NewRunLock(rw *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *RunLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 35 * time.Minute
	}
	return &RunLock{redis: rw, ttl: ttl, logger: logger}
}

// Lease is a held run lock
type Lease struct {
	key   string
	token string
	owner *RunLock
}

// Acquire takes the lock for sessionID or returns ErrHeld
func (l *RunLock) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	key := keyPrefix + sessionID
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock for %s: %w", sessionID, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	l.logger.Debug("Acquired run lock", zap.String("session_id", sessionID), zap.Duration("ttl", l.ttl))
	return &Lease{key: key, token: token, owner: l}, nil
}

// Release frees the lock if this lease still owns it. Releasing twice is harmless.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	n, err := le.owner.redis.Eval(ctx, releaseScript, []string{le.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release run lock %s: %w", le.key, err)
	}
	if n == 0 {
		le.owner.logger.Debug("Run lock already expired or taken over", zap.String("key", le.key))
	}
	return nil
}
