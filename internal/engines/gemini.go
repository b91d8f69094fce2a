package engines

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/genai"

	"github.com/brandlens/orchestrator/internal/credentials"
	"github.com/brandlens/orchestrator/internal/tracing"
)

// Gemini calls the Gemini API through the genai SDK with Google Search grounding enabled
type Gemini struct {
	baseURL    string
	httpClient *http.Client
}

// NewGemini creates a Gemini adapter. An empty baseURL uses the SDK default.
func NewGemini(baseURL string, httpClient *http.Client) *Gemini {
	return &Gemini{baseURL: baseURL, httpClient: httpClient}
}

// Call implements Adapter
func (g *Gemini) Call(ctx context.Context, cred credentials.Secret, model, query string) (*Answer, error) {
	ctx, span := tracing.StartSpan(ctx, "gemini.generate_content")
	defer span.End()

	cfg := &genai.ClientConfig{
		APIKey:     cred.Reveal(),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
	}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Message: "client init: " + err.Error()}
	}

	resp, err := client.Models.GenerateContent(ctx,
		modelOrDefault("gemini", model),
		genai.Text(query),
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		},
	)
	if err != nil {
		return nil, geminiError(err)
	}

	answer := &Answer{Content: resp.Text()}
	if answer.Content == "" {
		return nil, &ProviderError{Provider: "gemini", StatusCode: http.StatusOK, Message: "response has no text content"}
	}

	seen := make(map[string]bool)
	for _, cand := range resp.Candidates {
		if cand.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" || seen[chunk.Web.URI] {
				continue
			}
			seen[chunk.Web.URI] = true
			answer.Citations = append(answer.Citations, Citation{URL: chunk.Web.URI, Title: chunk.Web.Title})
		}
	}
	return answer, nil
}

func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if apiErr.Status != "" {
			msg = apiErr.Status + ": " + msg
		}
		return &ProviderError{Provider: "gemini", StatusCode: apiErr.Code, Message: msg}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{Provider: "gemini", Message: err.Error()}
}
