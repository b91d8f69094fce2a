package ratecontrol

import (
	"context"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// BaseBackoff is the first retry delay when the provider gives no hint.
	BaseBackoff = 5000 * time.Millisecond
	// MaxBackoff caps every computed delay.
	MaxBackoff = 120000 * time.Millisecond
	// JitterFraction bounds the random spread applied to backoff.
	JitterFraction = 0.2
)

var transientMarkers = []string{
	"429",
	"503",
	"too many requests",
	"rate limit",
	"ratelimit",
	"service unavailable",
	"overloaded",
	"resource exhausted",
	"resource_exhausted",
}

var retryHint = regexp.MustCompile(`(?i)retry (?:in|after) (\d+(?:\.\d+)?)\s*(ms\b|millisecond|s\b|sec|second)?`)

// IsRetryable reports whether err looks like a transient provider condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// HintedDelay extracts a "retry in N seconds" or "retry in N ms" hint from err. A bare number
// is read as seconds. Millisecond hints are clamped to MaxBackoff.
func HintedDelay(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := retryHint.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	n, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || n < 0 {
		return 0, false
	}
	if unit := strings.ToLower(m[2]); strings.HasPrefix(unit, "m") {
		d := time.Duration(math.Ceil(n)) * time.Millisecond
		if d > MaxBackoff {
			d = MaxBackoff
		}
		return d, true
	}
	// whole seconds only; "retry in 34.7s" means 34000ms
	return time.Duration(math.Floor(n)) * time.Second, true
}

// Backoff returns BaseBackoff*2^attempt scaled by (1+jitter), capped at MaxBackoff.
// jitter is clamped to [-JitterFraction, JitterFraction].
func Backoff(attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if jitter > JitterFraction {
		jitter = JitterFraction
	} else if jitter < -JitterFraction {
		jitter = -JitterFraction
	}
	base := float64(BaseBackoff.Milliseconds()) * math.Pow(2, float64(attempt))
	ms := base * (1 + jitter)
	if ms > float64(MaxBackoff.Milliseconds()) || math.IsInf(ms, 0) {
		ms = float64(MaxBackoff.Milliseconds())
	}
	return time.Duration(math.Round(ms)) * time.Millisecond
}

// RetryDelay honours an explicit provider hint, else falls back to jittered backoff.
func RetryDelay(attempt int, err error, jitter float64) time.Duration {
	if d, ok := HintedDelay(err); ok {
		return d
	}
	return Backoff(attempt, jitter)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the context-aware default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryHook observes a scheduled retry before the backoff sleep.
type RetryHook func(attempt int, delay time.Duration, err error)

// Retrier runs a call under a provider Policy.
type Retrier struct {
	Sleep   SleepFunc
	Jitter  func() float64
	OnRetry RetryHook
}

// NewRetrier returns a Retrier with real sleeps and uniform ±20% jitter.
func NewRetrier() *Retrier {
	return &Retrier{
		Sleep:  Sleep,
		Jitter: func() float64 { return (rand.Float64()*2 - 1) * JitterFraction },
	}
}

// Do calls fn until it succeeds, fails permanently, or policy.MaxRetries retries are spent.
// It returns the number of attempts made alongside the last error.
func (r *Retrier) Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil || !IsRetryable(lastErr) || attempt == policy.MaxRetries {
			return attempt + 1, lastErr
		}
		jitter := 0.0
		if r.Jitter != nil {
			jitter = r.Jitter()
		}
		delay := RetryDelay(attempt, lastErr, jitter)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt + 1, err
		}
	}
	return policy.MaxRetries + 1, lastErr
}
