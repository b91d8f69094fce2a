package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
	"github.com/brandlens/orchestrator/internal/engines"
	"github.com/brandlens/orchestrator/internal/tracing"
)

// ServiceClient calls the external analysis service for reliability scoring and mention
// extraction. It implements both ReliabilityScorer and MentionExtractor.
type ServiceClient struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewServiceClient creates a client for the service at baseURL
func NewServiceClient(baseURL string, timeout time.Duration, logger *zap.Logger) *ServiceClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "analysis", "analysis", logger),
		logger:  logger,
	}
}

type reliabilityRequest struct {
	Query     string             `json:"query"`
	Response  string             `json:"response"`
	Citations []engines.Citation `json:"citations"`
}

type reliabilityResponse struct {
	RiskScore  *float64 `json:"risk_score"`
	Confidence string   `json:"confidence"`
	Issues     []Issue  `json:"issues"`
}

// Score asks the service to rate the response
func (c *ServiceClient) Score(ctx context.Context, query, response string, citations []engines.Citation) (Reliability, error) {
	var out reliabilityResponse
	if err := c.post(ctx, "/v1/reliability", reliabilityRequest{Query: query, Response: response, Citations: citations}, &out); err != nil {
		return Reliability{}, err
	}
	if out.RiskScore == nil {
		return Reliability{}, fmt.Errorf("analysis service returned no risk_score")
	}
	return Reliability{RiskScore: *out.RiskScore, Confidence: out.Confidence, Issues: out.Issues}, nil
}

type mentionsRequest struct {
	Response    string   `json:"response"`
	Brand       string   `json:"brand"`
	Competitors []string `json:"competitors"`
}

type mentionsResponse struct {
	Mentions []Mention `json:"mentions"`
}

// Extract asks the service for brand mentions
func (c *ServiceClient) Extract(ctx context.Context, response, brand string, competitors []string) ([]Mention, error) {
	if competitors == nil {
		competitors = []string{}
	}
	var out mentionsResponse
	if err := c.post(ctx, "/v1/mentions", mentionsRequest{Response: response, Brand: brand, Competitors: competitors}, &out); err != nil {
		return nil, err
	}
	for i := range out.Mentions {
		out.Mentions[i].Degraded = false
	}
	return out.Mentions, nil
}

func (c *ServiceClient) post(ctx context.Context, path string, body, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("analysis endpoint not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read analysis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis service %s returned HTTP %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode analysis response: %w", err)
	}
	return nil
}

// truncate returns s cut to at most max runes, appending "..." when truncated.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
