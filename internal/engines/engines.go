package engines

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
	"github.com/brandlens/orchestrator/internal/credentials"
)

// ErrUnknownProvider is returned when no adapter is registered for a provider
var ErrUnknownProvider = errors.New("no adapter registered for provider")

// Citation is a source an engine attributed its answer to
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Answer is what a provider returned for one query
type Answer struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
}

// Adapter calls one external answer provider
type Adapter interface {
	Call(ctx context.Context, cred credentials.Secret, model, query string) (*Answer, error)
}

// AdapterFunc lets ordinary functions act as adapters
type AdapterFunc func(ctx context.Context, cred credentials.Secret, model, query string) (*Answer, error)

// Call implements Adapter
func (f AdapterFunc) Call(ctx context.Context, cred credentials.Secret, model, query string) (*Answer, error) {
	return f(ctx, cred, model, query)
}

// ProviderError is a classified failure of a provider call. Its message always carries the
// HTTP status so transient statuses are recognised by the retry controller.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Endpoint overrides where an adapter sends requests
type Endpoint struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Registry maps provider names to adapters. Lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for provider
func (r *Registry) Register(provider string, a Adapter) {
	r.mu.Lock()
	r.adapters[normalize(provider)] = a
	r.mu.Unlock()
}

// Get returns the adapter for provider
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[normalize(provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", provider, ErrUnknownProvider)
	}
	return a, nil
}

// Default base URLs of the OpenAI-compatible providers
var openAICompatible = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"perplexity": "https://api.perplexity.ai",
	"mistral":    "https://api.mistral.ai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
}

// Default models used when an engine row leaves the model empty
var defaultModels = map[string]string{
	"openai":     "gpt-4o-mini",
	"perplexity": "sonar",
	"mistral":    "mistral-small-latest",
	"deepseek":   "deepseek-chat",
	"anthropic":  "claude-3-5-haiku-latest",
	"gemini":     "gemini-2.0-flash",
}

// NewDefaultRegistry registers every built-in adapter, applying endpoint overrides
func NewDefaultRegistry(endpoints map[string]Endpoint, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewRegistry()
	lookup := func(provider, fallback string) Endpoint {
		ep := endpoints[provider]
		if ep.BaseURL == "" {
			ep.BaseURL = fallback
		}
		if ep.Timeout == 0 {
			ep.Timeout = 90 * time.Second
		}
		return ep
	}

	for provider, base := range openAICompatible {
		ep := lookup(provider, base)
		r.Register(provider, NewOpenAICompatible(provider, ep.BaseURL, httpFor(provider, ep, logger)))
	}

	ep := lookup("anthropic", "https://api.anthropic.com")
	r.Register("anthropic", NewAnthropic(ep.BaseURL, httpFor("anthropic", ep, logger)))

	ep = lookup("gemini", "")
	r.Register("gemini", NewGemini(ep.BaseURL, &http.Client{Timeout: ep.Timeout}))

	logger.Info("Engine adapters registered", zap.Int("count", len(openAICompatible)+2))
	return r
}

func httpFor(provider string, ep Endpoint, logger *zap.Logger) *circuitbreaker.HTTPWrapper {
	return circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: ep.Timeout}, "engine-"+provider, "engines", logger)
}

func modelOrDefault(provider, model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return defaultModels[provider]
}

// breakerError turns a short-circuited call into a transient provider failure
func breakerError(provider string, err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return &ProviderError{Provider: provider, StatusCode: http.StatusServiceUnavailable, Message: "service unavailable: " + err.Error()}
	}
	return err
}

func normalize(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
