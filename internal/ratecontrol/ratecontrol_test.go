package ratecontrol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequenceWithoutJitter(t *testing.T) {
	want := []time.Duration{5000, 10000, 20000, 40000, 80000}
	for attempt, ms := range want {
		assert.Equal(t, ms*time.Millisecond, Backoff(attempt, 0), "attempt %d", attempt)
	}
}

func TestBackoffNeverExceedsCap(t *testing.T) {
	for attempt := 0; attempt < 200; attempt++ {
		for _, j := range []float64{-0.2, 0, 0.2, 5} {
			d := Backoff(attempt, j)
			if d > MaxBackoff {
				t.Fatalf("attempt %d jitter %v: %v exceeds cap", attempt, j, d)
			}
		}
	}
	assert.Equal(t, MaxBackoff, Backoff(5, 0))
}

func TestBackoffJitterBounds(t *testing.T) {
	assert.Equal(t, 4000*time.Millisecond, Backoff(0, -0.2))
	assert.Equal(t, 6000*time.Millisecond, Backoff(0, 0.2))
	// jitter outside the band is clamped
	assert.Equal(t, 6000*time.Millisecond, Backoff(0, 0.9))
}

func TestRetryDelayUsesHint(t *testing.T) {
	err := errors.New("429 Too Many Requests: please retry in 34 seconds")
	for attempt := 0; attempt < 6; attempt++ {
		assert.Equal(t, 34000*time.Millisecond, RetryDelay(attempt, err, 0.2))
	}
	assert.Equal(t, 34000*time.Millisecond, RetryDelay(0, errors.New("Please retry in 34.56s"), 0))
	assert.Equal(t, 34000*time.Millisecond, RetryDelay(0, errors.New("HTTP 429: retry in 34"), 0))

	tests := []struct {
		msg  string
		want time.Duration
	}{
		{"gemini: HTTP 429: Please retry in 250ms.", 250 * time.Millisecond},
		{"gemini: HTTP 429: Please retry in 520.398ms.", 521 * time.Millisecond},
		{"HTTP 429: retry after 1500 milliseconds", 1500 * time.Millisecond},
		{"HTTP 429: retry in 900000ms", MaxBackoff},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(0, errors.New(tt.msg), 0), tt.msg)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := map[string]bool{
		"provider openai: status 429: slow down":  true,
		"status 503 Service Unavailable":          true,
		"Anthropic API is Overloaded":             true,
		"RESOURCE_EXHAUSTED: quota":               true,
		"status 401: invalid api key":             false,
		"status 400: bad request":                 false,
		"context length exceeded for this prompt": false,
	}
	for msg, want := range cases {
		assert.Equal(t, want, IsRetryable(errors.New(msg)), msg)
	}
	assert.False(t, IsRetryable(nil))
}

func TestTablePolicies(t *testing.T) {
	tbl := NewTable(map[string]Override{
		"OpenAI": {InterCallDelayMs: 12000},
		"mistral": {RPM: 30, MaxRetries: 7},
	})

	p := tbl.PolicyFor("openai")
	assert.Equal(t, 12*time.Second, p.InterCallDelay)
	assert.Equal(t, 3, p.MaxRetries)

	p = tbl.PolicyFor("mistral")
	assert.Equal(t, 2*time.Second, p.InterCallDelay)
	assert.Equal(t, 7, p.MaxRetries)

	assert.Equal(t, fallbackPolicy, tbl.PolicyFor("unknown-provider"))

	tbl.Update(nil)
	assert.Equal(t, builtInPolicies["openai"], tbl.PolicyFor("openai"))
}

type recordedSleep struct{ delays []time.Duration }

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestRetrierRetriesTransientThenSucceeds(t *testing.T) {
	rec := &recordedSleep{}
	var retries []int
	r := &Retrier{
		Sleep:   rec.sleep,
		OnRetry: func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) },
	}

	attempts, err := r.Do(context.Background(), Policy{MaxRetries: 3}, func(_ context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("status 503: overloaded")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{0, 1}, retries)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, rec.delays)
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	rec := &recordedSleep{}
	r := &Retrier{Sleep: rec.sleep}
	calls := 0
	attempts, err := r.Do(context.Background(), Policy{MaxRetries: 5}, func(context.Context, int) error {
		calls++
		return errors.New("status 401: unauthorized")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.delays)
}

func TestRetrierExhaustsRetries(t *testing.T) {
	rec := &recordedSleep{}
	r := &Retrier{Sleep: rec.sleep}
	last := errors.New("429 again")
	calls := 0
	attempts, err := r.Do(context.Background(), Policy{MaxRetries: 2}, func(context.Context, int) error {
		calls++
		return last
	})
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.Len(t, rec.delays, 2)
}

func TestRetrierHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Retrier{Sleep: Sleep}
	calls := 0
	_, err := r.Do(ctx, Policy{MaxRetries: 3}, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("503")
	})
	assert.EqualError(t, err, "503")
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
