package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brandlens/orchestrator/internal/config"
	"github.com/brandlens/orchestrator/internal/engines"
)

type stubScorer struct {
	rel   Reliability
	err   error
	panic bool
}

func (s stubScorer) Score(context.Context, string, string, []engines.Citation) (Reliability, error) {
	if s.panic {
		panic("scorer exploded")
	}
	return s.rel, s.err
}

type stubExtractor struct {
	mentions []Mention
	err      error
}

func (s stubExtractor) Extract(context.Context, string, string, []string) ([]Mention, error) {
	return s.mentions, s.err
}

const sampleAnswer = `For running shoes, most reviewers highly recommend Nike for cushioning.
Adidas is a solid choice for budget buyers. Some users report problems with Puma sizing.`

func TestHeuristicRanksByFirstAppearance(t *testing.T) {
	h := NewHeuristicExtractor()
	got := h.Extract(sampleAnswer, "Adidas", []string{"Nike", "Puma", "Reebok", "nike"})

	require.Len(t, got, 4)
	assert.Equal(t, "Adidas", got[0].Brand)
	assert.True(t, got[0].IsTarget)
	for _, m := range got[1:] {
		assert.False(t, m.IsTarget)
	}

	byBrand := map[string]Mention{}
	for _, m := range got {
		byBrand[m.Brand] = m
		assert.True(t, m.Degraded)
	}
	require.NotNil(t, byBrand["Nike"].RankPosition)
	require.NotNil(t, byBrand["Adidas"].RankPosition)
	require.NotNil(t, byBrand["Puma"].RankPosition)
	assert.Equal(t, 1, *byBrand["Nike"].RankPosition)
	assert.Equal(t, 2, *byBrand["Adidas"].RankPosition)
	assert.Equal(t, 3, *byBrand["Puma"].RankPosition)

	assert.False(t, byBrand["Reebok"].Mentioned)
	assert.Nil(t, byBrand["Reebok"].RankPosition)
	assert.Empty(t, byBrand["Reebok"].Context)
}

func TestHeuristicSentimentAndRecommendation(t *testing.T) {
	h := NewHeuristicExtractor()

	pos := h.Extract("Acme is the best and most reliable option. I highly recommend Acme.", "Acme", nil)
	require.Len(t, pos, 1)
	assert.Greater(t, pos[0].Sentiment, 0.0)
	assert.Equal(t, 1.0, pos[0].RecommendationStrength)
	assert.False(t, pos[0].IsSarcastic)

	neg := h.Extract("Avoid Acme, it is overpriced and unreliable.", "Acme", nil)
	assert.Equal(t, -1.0, neg[0].Sentiment)
	assert.Equal(t, 0.0, neg[0].RecommendationStrength)

	sarcastic := h.Extract(`Oh great, Acme crashed again. Truly "reliable".`, "Acme", nil)
	assert.True(t, sarcastic[0].IsSarcastic)
	assert.LessOrEqual(t, sarcastic[0].Sentiment, 0.0)
}

func TestHeuristicWholeWordMatch(t *testing.T) {
	h := NewHeuristicExtractor()
	got := h.Extract("Applesauce is tasty.", "Apple", nil)
	assert.False(t, got[0].Mentioned)

	got = h.Extract("I bought an APPLE laptop.", "Apple", nil)
	assert.True(t, got[0].Mentioned)
}

func TestHeuristicContextWindow(t *testing.T) {
	h := NewHeuristicExtractor()
	text := strings.Repeat("a", 300) + " Acme " + strings.Repeat("b", 300)
	got := h.Extract(text, "Acme", nil)
	require.True(t, got[0].Mentioned)
	assert.True(t, strings.HasPrefix(got[0].Context, "..."))
	assert.True(t, strings.HasSuffix(got[0].Context, "..."))
	assert.Contains(t, got[0].Context, "Acme")
	assert.LessOrEqual(t, len(got[0].Context), 2*contextRadius+len("Acme")+2+6)
}

func TestClassifierBuckets(t *testing.T) {
	c := NewSourceClassifier(nil)
	cases := []struct {
		url, brandDomain, domain, kind string
	}{
		{"https://www.amazon.com/dp/B0", "", "amazon.com", config.SourceEcommerce},
		{"https://old.reddit.com/r/running", "", "old.reddit.com", config.SourceForum},
		{"https://youtu.be/abc", "", "youtu.be", config.SourceVideo},
		{"https://www.nytimes.com/2024/a", "", "nytimes.com", config.SourceMedia},
		{"https://data.census.gov/x", "", "data.census.gov", config.SourceOfficial},
		{"https://shop.acme.com/p", "acme.com", "shop.acme.com", config.SourceOfficial},
		{"https://acme.com:8443/", "https://www.acme.com", "acme.com", config.SourceOfficial},
		{"https://runnersforum.net/t/1", "", "runnersforum.net", config.SourceForum},
		{"https://example.org/", "", "example.org", config.SourceUnknown},
		{"", "", "", config.SourceUnknown},
	}
	for _, tc := range cases {
		domain, kind := c.Classify(tc.url, tc.brandDomain)
		assert.Equal(t, tc.domain, domain, tc.url)
		assert.Equal(t, tc.kind, kind, tc.url)
	}
}

func TestClassifyAllDropsDuplicates(t *testing.T) {
	c := NewSourceClassifier(nil)
	out := c.ClassifyAll([]engines.Citation{
		{URL: "https://reddit.com/a", Title: "A"},
		{URL: "https://reddit.com/a", Title: "A again"},
		{URL: " "},
		{URL: "https://vimeo.com/1"},
	}, "")
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].Title)
	assert.Equal(t, config.SourceVideo, out[1].SourceType)
}

func TestPipelineUsesServices(t *testing.T) {
	rank := 1
	p := NewPipeline(
		stubScorer{rel: Reliability{RiskScore: 1.7, Confidence: "high"}},
		stubExtractor{mentions: []Mention{{Brand: "Acme", IsTarget: true, Mentioned: true, RankPosition: &rank}}},
		nil, zaptest.NewLogger(t))

	res := p.Analyze(context.Background(), Input{Response: "Acme", Brand: "Acme", Citations: []engines.Citation{{URL: "https://reddit.com/x"}}})
	assert.Empty(t, res.Degraded)
	assert.Equal(t, 1.0, res.Reliability.RiskScore)
	assert.Equal(t, ConfidenceHigh, res.Reliability.Confidence)
	assert.NotNil(t, res.Reliability.Issues)
	require.Len(t, res.Mentions, 1)
	assert.False(t, res.Mentions[0].Degraded)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, config.SourceForum, res.Citations[0].SourceType)
}

func TestPipelineDegradesPerStage(t *testing.T) {
	p := NewPipeline(
		stubScorer{panic: true},
		stubExtractor{err: errors.New("service down")},
		nil, zaptest.NewLogger(t))

	res := p.Analyze(context.Background(), Input{Response: sampleAnswer, Brand: "Nike", Competitors: []string{"Adidas"}})
	assert.True(t, res.IsDegraded(StageReliability))
	assert.True(t, res.IsDegraded(StageMentions))
	assert.False(t, res.IsDegraded(StageCitations))
	assert.Equal(t, NeutralReliability(), res.Reliability)
	assert.Contains(t, res.StageErrors[StageReliability], "scorer exploded")
	assert.Contains(t, res.StageErrors[StageMentions], "service down")

	require.Len(t, res.Mentions, 2)
	assert.True(t, res.Mentions[0].Mentioned)
	assert.True(t, res.Mentions[0].Degraded)
}

func TestPipelineWithoutServices(t *testing.T) {
	p := NewPipeline(nil, nil, nil, nil)
	res := p.Analyze(context.Background(), Input{Response: "nothing here", Brand: "Acme"})
	assert.ElementsMatch(t, []string{StageReliability, StageMentions}, res.Degraded)
	require.Len(t, res.Mentions, 1)
	assert.False(t, res.Mentions[0].Mentioned)
	assert.Empty(t, res.Citations)
}

func TestServiceClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/reliability":
			var req reliabilityRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "best shoes?", req.Query)
			_, _ = w.Write([]byte(`{"risk_score":0.2,"confidence":"medium","issues":[{"category":"outdated","description":"old prices","severity":"low"}]}`))
		case "/v1/mentions":
			var req mentionsRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{}, req.Competitors)
			_, _ = w.Write([]byte(`{"mentions":[{"brand":"Acme","is_target":true,"mentioned":true,"sentiment":0.5,"rank_position":2}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewServiceClient(srv.URL+"/", 0, zaptest.NewLogger(t))
	rel, err := c.Score(context.Background(), "best shoes?", "answer", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.2, rel.RiskScore)
	require.Len(t, rel.Issues, 1)
	assert.Equal(t, "outdated", rel.Issues[0].Category)

	ms, err := c.Extract(context.Background(), "answer", "Acme", nil)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	require.NotNil(t, ms[0].RankPosition)
	assert.Equal(t, 2, *ms[0].RankPosition)
}

func TestServiceClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/reliability" {
			_, _ = w.Write([]byte(`{"confidence":"high"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad input`))
	}))
	defer srv.Close()

	c := NewServiceClient(srv.URL, 0, nil)
	_, err := c.Score(context.Background(), "q", "r", nil)
	assert.ErrorContains(t, err, "risk_score")

	_, err = c.Extract(context.Background(), "r", "Acme", nil)
	assert.ErrorContains(t, err, "HTTP 400")

	_, err = NewServiceClient("", 0, nil).Extract(context.Background(), "r", "Acme", nil)
	assert.ErrorContains(t, err, "not configured")
}
