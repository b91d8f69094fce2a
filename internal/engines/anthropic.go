package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
	"github.com/brandlens/orchestrator/internal/credentials"
	"github.com/brandlens/orchestrator/internal/tracing"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the Messages API
type Anthropic struct {
	baseURL   string
	client    *circuitbreaker.HTTPWrapper
	maxTokens int
}

// NewAnthropic creates an Anthropic adapter
func NewAnthropic(baseURL string, client *circuitbreaker.HTTPWrapper) *Anthropic {
	return &Anthropic{baseURL: strings.TrimRight(baseURL, "/"), client: client, maxTokens: 1024}
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type      string `json:"type"`
		Text      string `json:"text"`
		Citations []struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		} `json:"citations"`
	} `json:"content"`
}

// Call implements Adapter
func (a *Anthropic) Call(ctx context.Context, cred credentials.Secret, model, query string) (*Answer, error) {
	payload, err := json.Marshal(anthropicRequest{
		Model:     modelOrDefault("anthropic", model),
		MaxTokens: a.maxTokens,
		Messages:  []chatMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := a.baseURL + "/v1/messages"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", cred.Reveal())
	req.Header.Set("anthropic-version", anthropicVersion)
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, breakerError("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, statusError("anthropic", resp)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}

	var text strings.Builder
	answer := &Answer{}
	seen := make(map[string]bool)
	for _, block := range out.Content {
		if block.Type != "text" {
			continue
		}
		text.WriteString(block.Text)
		for _, c := range block.Citations {
			if c.URL != "" && !seen[c.URL] {
				seen[c.URL] = true
				answer.Citations = append(answer.Citations, Citation{URL: c.URL, Title: c.Title})
			}
		}
	}
	answer.Content = text.String()
	if answer.Content == "" {
		return nil, &ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: "response has no text content"}
	}
	return answer, nil
}
