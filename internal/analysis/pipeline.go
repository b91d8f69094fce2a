package analysis

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/engines"
	"github.com/brandlens/orchestrator/internal/metrics"
)

// Stage names reported in Result.Degraded
const (
	StageReliability = "reliability"
	StageMentions    = "mentions"
	StageCitations   = "citations"
)

// Confidence levels
const (
	ConfidenceHigh    = "high"
	ConfidenceMedium  = "medium"
	ConfidenceLow     = "low"
	ConfidenceUnknown = "unknown"
)

// Issue is one categorized reliability concern
type Issue struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Reliability is the factual-reliability verdict of a response
type Reliability struct {
	RiskScore  float64 `json:"risk_score"`
	Confidence string  `json:"confidence"`
	Issues     []Issue `json:"issues"`
}

// NeutralReliability is used when scoring is unavailable
func NeutralReliability() Reliability {
	return Reliability{RiskScore: 0.5, Confidence: ConfidenceUnknown, Issues: []Issue{}}
}

// Mention is one brand's presence in a response
type Mention struct {
	Brand                  string  `json:"brand"`
	IsTarget               bool    `json:"is_target"`
	Mentioned              bool    `json:"mentioned"`
	Sentiment              float64 `json:"sentiment"`
	RankPosition           *int    `json:"rank_position,omitempty"`
	IsSarcastic            bool    `json:"is_sarcastic"`
	RecommendationStrength float64 `json:"recommendation_strength"`
	Context                string  `json:"context"`
	Degraded               bool    `json:"degraded"`
}

// ClassifiedCitation is a citation with its domain and source bucket
type ClassifiedCitation struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Domain     string `json:"domain"`
	SourceType string `json:"source_type"`
}

// ReliabilityScorer rates how trustworthy a response is
type ReliabilityScorer interface {
	Score(ctx context.Context, query, response string, citations []engines.Citation) (Reliability, error)
}

// MentionExtractor finds brand mentions in a response
type MentionExtractor interface {
	Extract(ctx context.Context, response, brand string, competitors []string) ([]Mention, error)
}

// Input is everything the pipeline needs about one successful task
type Input struct {
	Query       string
	Response    string
	Citations   []engines.Citation
	Brand       string
	BrandDomain string
	Competitors []string
}

// Result is the best-effort outcome. Degraded lists the stages that fell back, and StageErrors
// holds their causes.
type Result struct {
	Reliability Reliability
	Mentions    []Mention
	Citations   []ClassifiedCitation
	Degraded    []string
	StageErrors map[string]string
}

// IsDegraded reports whether stage fell back
func (r Result) IsDegraded(stage string) bool {
	for _, s := range r.Degraded {
		if s == stage {
			return true
		}
	}
	return false
}

// Pipeline runs the isolated analysis stages. A nil scorer yields the neutral verdict and a nil
// extractor goes straight to the heuristic.
type Pipeline struct {
	scorer     ReliabilityScorer
	extractor  MentionExtractor
	fallback   *HeuristicExtractor
	classifier *SourceClassifier
	logger     *zap.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(scorer ReliabilityScorer, extractor MentionExtractor, classifier *SourceClassifier, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if classifier == nil {
		classifier = NewSourceClassifier(nil)
	}
	return &Pipeline{
		scorer:     scorer,
		extractor:  extractor,
		fallback:   NewHeuristicExtractor(),
		classifier: classifier,
		logger:     logger,
	}
}

// Analyze never fails: every stage error is captured in the result.
func (p *Pipeline) Analyze(ctx context.Context, in Input) Result {
	res := Result{StageErrors: make(map[string]string)}

	res.Reliability = NeutralReliability()
	if p.scorer == nil {
		p.degrade(&res, StageReliability, fmt.Errorf("no reliability scorer configured"))
	} else if err := safely(func() error {
		rel, err := p.scorer.Score(ctx, in.Query, in.Response, in.Citations)
		if err != nil {
			return err
		}
		res.Reliability = normalizeReliability(rel)
		return nil
	}); err != nil {
		res.Reliability = NeutralReliability()
		p.degrade(&res, StageReliability, err)
	}

	var mentions []Mention
	var mentionErr error
	if p.extractor == nil {
		mentionErr = fmt.Errorf("no mention extractor configured")
	} else {
		mentionErr = safely(func() error {
			var err error
			mentions, err = p.extractor.Extract(ctx, in.Response, in.Brand, in.Competitors)
			return err
		})
	}
	if mentionErr != nil {
		p.degrade(&res, StageMentions, mentionErr)
		if err := safely(func() error {
			mentions = p.fallback.Extract(in.Response, in.Brand, in.Competitors)
			return nil
		}); err != nil {
			mentions = nil
			res.StageErrors[StageMentions] += "; heuristic: " + err.Error()
		}
	}
	res.Mentions = mentions

	if err := safely(func() error {
		res.Citations = p.classifier.ClassifyAll(in.Citations, in.BrandDomain)
		return nil
	}); err != nil {
		res.Citations = nil
		p.degrade(&res, StageCitations, err)
	}
	return res
}

func (p *Pipeline) degrade(res *Result, stage string, err error) {
	res.Degraded = append(res.Degraded, stage)
	res.StageErrors[stage] = err.Error()
	metrics.AnalysisDegraded.WithLabelValues(stage).Inc()
	p.logger.Debug("Analysis stage degraded", zap.String("stage", stage), zap.Error(err))
}

// safely runs fn, converting a panic into an error
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

func normalizeReliability(r Reliability) Reliability {
	if r.RiskScore < 0 {
		r.RiskScore = 0
	}
	if r.RiskScore > 1 {
		r.RiskScore = 1
	}
	switch r.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		r.Confidence = ConfidenceUnknown
	}
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	return r
}
