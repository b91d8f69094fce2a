package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type countingNotifier struct {
	calls int32
	err   error
	panic bool
}

func (c *countingNotifier) Notify(context.Context, Outcome) error {
	atomic.AddInt32(&c.calls, 1)
	if c.panic {
		panic("notifier blew up")
	}
	return c.err
}

func sampleOutcome() Outcome {
	return Outcome{
		SessionID:  "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Status:     "failed",
		Total:      4,
		Success:    1,
		Failed:     3,
		ElapsedMs:  90_000,
		Error:      "session timed out after 30m0s",
		FinishedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDeliverAttemptsOnceAndSwallowsErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	failing := &countingNotifier{err: errors.New("endpoint down")}

	Deliver(context.Background(), failing, sampleOutcome(), zap.New(core))
	assert.Equal(t, int32(1), atomic.LoadInt32(&failing.calls))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to deliver session notification", logs.All()[0].Message)
}

func TestDeliverRecoversPanics(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := &countingNotifier{panic: true}
	assert.NotPanics(t, func() { Deliver(context.Background(), p, sampleOutcome(), zap.New(core)) })
	assert.Equal(t, 1, logs.Len())
}

func TestDeliverIgnoresCancelledCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var sawLive bool
	n := notifierFunc(func(ctx context.Context, _ Outcome) error {
		sawLive = ctx.Err() == nil
		return nil
	})
	Deliver(ctx, n, sampleOutcome(), zaptest.NewLogger(t))
	assert.True(t, sawLive)
	Deliver(ctx, nil, sampleOutcome(), nil)
}

type notifierFunc func(ctx context.Context, o Outcome) error

func (f notifierFunc) Notify(ctx context.Context, o Outcome) error { return f(ctx, o) }

func TestMultiJoinsErrors(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{err: errors.New("b failed")}
	c := &countingNotifier{err: errors.New("c failed")}

	err := Multi{a, nil, b, c}.Notify(context.Background(), sampleOutcome())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b failed")
	assert.Contains(t, err.Error(), "c failed")
	assert.Equal(t, int32(1), a.calls)

	assert.NoError(t, Multi{a, Nop{}}.Notify(context.Background(), sampleOutcome()))
}

func TestWebhookPostsOutcome(t *testing.T) {
	var got Outcome
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, zaptest.NewLogger(t))
	require.NoError(t, w.Notify(context.Background(), sampleOutcome()))
	assert.Equal(t, sampleOutcome(), got)
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, zaptest.NewLogger(t)).Notify(context.Background(), sampleOutcome())
	assert.ErrorContains(t, err, "HTTP 502")
}

func TestTelegramSendsMessage(t *testing.T) {
	var sent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"probe","username":"probe_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "42", r.FormValue("chat_id"))
			sent.Store(r.FormValue("text"))
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	bot, err := tgbotapi.NewBotAPIWithClient("123:abc", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)

	tg := NewTelegramWithBot(bot, 42)
	require.NoError(t, tg.Notify(context.Background(), sampleOutcome()))
	text, _ := sent.Load().(string)
	assert.Contains(t, text, "session timed out after 30m0s")
	assert.Contains(t, text, "1/4 succeeded")
}

func TestOutcomeText(t *testing.T) {
	o := sampleOutcome()
	o.Error = ""
	o.Status = "completed"
	assert.Equal(t, "Probe session 7c9e6679-7425-40de-944b-e07fc1f90ae7 completed: 1/4 succeeded, 3 failed in 1m30s", o.Text())
}
