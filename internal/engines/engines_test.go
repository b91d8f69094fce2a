package engines

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
	"github.com/brandlens/orchestrator/internal/credentials"
	"github.com/brandlens/orchestrator/internal/ratecontrol"
)

func testWrapper(t *testing.T, name string) *circuitbreaker.HTTPWrapper {
	return circuitbreaker.NewHTTPWrapper(nil, name, "engines-test", zaptest.NewLogger(t))
}

func TestOpenAICompatibleSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer pplx-key", r.Header.Get("Authorization"))

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sonar", body.Model)
		assert.Equal(t, "best trail shoes", body.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "Acme makes great trail shoes."}}],
			"search_results": [{"title": "Review", "url": "https://runnersworld.com/acme"}],
			"citations": ["https://runnersworld.com/acme", "https://reddit.com/r/running/1"]
		}`))
	}))
	defer server.Close()

	a := NewOpenAICompatible("perplexity", server.URL, testWrapper(t, "engine-perplexity"))
	answer, err := a.Call(context.Background(), credentials.NewSecret("pplx-key"), "", "best trail shoes")
	require.NoError(t, err)
	assert.Equal(t, "Acme makes great trail shoes.", answer.Content)
	require.Len(t, answer.Citations, 2)
	assert.Equal(t, Citation{URL: "https://runnersworld.com/acme", Title: "Review"}, answer.Citations[0])
	assert.Equal(t, "https://reddit.com/r/running/1", answer.Citations[1].URL)
}

func TestOpenAICompatibleErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"rate_limit_exceeded"}}`, true},
		{"unavailable", http.StatusServiceUnavailable, `upstream down`, true},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"model not found","type":"invalid_request_error"}}`, false},
		{"unauthorized", http.StatusUnauthorized, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			a := NewOpenAICompatible("openai", server.URL, testWrapper(t, "engine-openai-"+tt.name))
			_, err := a.Call(context.Background(), credentials.NewSecret("sk"), "gpt-4o-mini", "q")
			require.Error(t, err)

			var perr *ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Equal(t, tt.retryable, ratecontrol.IsRetryable(err))
		})
	}
}

func TestRetryAfterHeaderBecomesHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "34")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	a := NewOpenAICompatible("openai", server.URL, testWrapper(t, "engine-openai-retry-after"))
	_, err := a.Call(context.Background(), credentials.NewSecret("sk"), "", "q")
	require.Error(t, err)
	assert.Equal(t, int64(34000), ratecontrol.RetryDelay(0, err, 0).Milliseconds())
}

func TestAnthropicSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ant-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		_, _ = w.Write([]byte(`{"content":[
			{"type":"text","text":"Acme and Globex ","citations":[{"url":"https://acme.com","title":"Acme"}]},
			{"type":"text","text":"are both popular."}
		]}`))
	}))
	defer server.Close()

	a := NewAnthropic(server.URL, testWrapper(t, "engine-anthropic"))
	answer, err := a.Call(context.Background(), credentials.NewSecret("ant-key"), "", "q")
	require.NoError(t, err)
	assert.Equal(t, "Acme and Globex are both popular.", answer.Content)
	assert.Equal(t, []Citation{{URL: "https://acme.com", Title: "Acme"}}, answer.Citations)
}

func TestAnthropicOverloaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer server.Close()

	a := NewAnthropic(server.URL, testWrapper(t, "engine-anthropic-overloaded"))
	_, err := a.Call(context.Background(), credentials.NewSecret("k"), "", "q")
	require.Error(t, err)
	assert.True(t, ratecontrol.IsRetryable(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	stub := AdapterFunc(func(ctx context.Context, cred credentials.Secret, model, query string) (*Answer, error) {
		return &Answer{Content: "ok"}, nil
	})
	r.Register("OpenAI", stub)

	a, err := r.Get("openai")
	require.NoError(t, err)
	ans, err := a.Call(context.Background(), credentials.Secret{}, "", "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", ans.Content)

	_, err = r.Get("unknown")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestDefaultRegistryHasBuiltIns(t *testing.T) {
	r := NewDefaultRegistry(map[string]Endpoint{"openai": {BaseURL: "http://localhost:1"}}, zaptest.NewLogger(t))
	for _, p := range []string{"openai", "perplexity", "mistral", "deepseek", "anthropic", "gemini"} {
		_, err := r.Get(p)
		assert.NoError(t, err, p)
	}
}

func TestBreakerErrorIsTransient(t *testing.T) {
	err := breakerError("openai", circuitbreaker.ErrCircuitBreakerOpen)
	assert.True(t, ratecontrol.IsRetryable(err))

	plain := errors.New("dial tcp: connection refused")
	assert.Equal(t, plain, breakerError("openai", plain))
}
