package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/brandlens/orchestrator/internal/dispatch"
)

// abandonGrace is how long the guard waits for the loop to hand back its partial summary after
// the deadline before abandoning it and reading the tally instead
var abandonGrace = 5 * time.Second

type runResult struct {
	summary dispatch.Summary
	err     error
}

// runGuarded runs fn under a deadline of timeout. On expiry the loop's context is cancelled and
// the returned error wraps ErrSessionTimeout. A panic in fn becomes an error. When fn panics or
// is abandoned, the summary comes from tally.
func runGuarded(parent context.Context, timeout time.Duration, tally *dispatch.Tally, fn func(ctx context.Context) (dispatch.Summary, error)) (dispatch.Summary, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	results := make(chan runResult, 1)
	go func() {
		var res runResult
		defer func() {
			if r := recover(); r != nil {
				res.summary = tally.Snapshot()
				res.err = fmt.Errorf("dispatcher panic: %v\n%s", r, debug.Stack())
			}
			results <- res
		}()
		res.summary, res.err = fn(ctx)
	}()

	var res runResult
	select {
	case res = <-results:
	case <-ctx.Done():
		select {
		case res = <-results:
		case <-time.After(abandonGrace):
			res.summary = tally.Snapshot()
			res.err = ctx.Err()
		}
	}

	if res.err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
			return res.summary, fmt.Errorf("%w after %s", ErrSessionTimeout, timeout)
		case parent.Err() != nil:
			return res.summary, ErrShuttingDown
		}
	}
	return res.summary, res.err
}
