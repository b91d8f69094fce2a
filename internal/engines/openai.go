package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
	"github.com/brandlens/orchestrator/internal/credentials"
	"github.com/brandlens/orchestrator/internal/tracing"
)

const maxErrorBody = 4096

// OpenAICompatible speaks the chat completions API shared by OpenAI, Perplexity, Mistral and DeepSeek
type OpenAICompatible struct {
	provider string
	baseURL  string
	client   *circuitbreaker.HTTPWrapper
}

// NewOpenAICompatible creates an adapter for provider at baseURL
func NewOpenAICompatible(provider, baseURL string, client *circuitbreaker.HTTPWrapper) *OpenAICompatible {
	return &OpenAICompatible{provider: provider, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	// Perplexity attaches sources in one of these two shapes
	Citations     []string `json:"citations"`
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"search_results"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Call implements Adapter
func (a *OpenAICompatible) Call(ctx context.Context, cred credentials.Secret, model, query string) (*Answer, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    modelOrDefault(a.provider, model),
		Messages: []chatMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := a.baseURL + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Reveal())
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, breakerError(a.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, statusError(a.provider, resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ProviderError{Provider: a.provider, StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	if len(out.Choices) == 0 {
		return nil, &ProviderError{Provider: a.provider, StatusCode: resp.StatusCode, Message: "response has no choices"}
	}

	answer := &Answer{Content: out.Choices[0].Message.Content}
	seen := make(map[string]bool)
	for _, r := range out.SearchResults {
		if r.URL != "" && !seen[r.URL] {
			seen[r.URL] = true
			answer.Citations = append(answer.Citations, Citation{URL: r.URL, Title: r.Title})
		}
	}
	for _, u := range out.Citations {
		if u != "" && !seen[u] {
			seen[u] = true
			answer.Citations = append(answer.Citations, Citation{URL: u})
		}
	}
	return answer, nil
}

// statusError reads the provider's error body into a ProviderError
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
		if parsed.Error.Type != "" {
			msg = parsed.Error.Type + ": " + msg
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		msg += " (retry after " + ra + "s)"
	}
	return &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
}
