package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/db"
)

// strongRecommendation is the strength at or above which a mention counts as a recommendation
const strongRecommendation = 0.6

// Store reads mentions and persists reports
type Store interface {
	ListSessionMentions(ctx context.Context, sessionID uuid.UUID) ([]db.MentionRecord, error)
	SaveSessionReport(ctx context.Context, report *db.SessionReport) error
}

// BrandStats aggregates one brand's mentions
type BrandStats struct {
	Brand              string  `json:"brand"`
	IsTarget           bool    `json:"is_target"`
	Mentions           int     `json:"mentions"`
	ShareOfVoice       float64 `json:"share_of_voice"`
	AvgSentiment       float64 `json:"avg_sentiment"`
	AvgRank            float64 `json:"avg_rank,omitempty"`
	RecommendationRate float64 `json:"recommendation_rate"`
	SarcasticMentions  int     `json:"sarcastic_mentions"`
}

// EngineStats is the target brand's visibility on one engine
type EngineStats struct {
	Engine           string  `json:"engine"`
	Responses        int     `json:"responses"`
	TargetMentioned  int     `json:"target_mentioned"`
	TargetVisibility float64 `json:"target_visibility"`
}

// Report is the strategic summary of a session
type Report struct {
	Responses        int           `json:"responses"`
	DegradedMentions int           `json:"degraded_mentions"`
	Brands           []BrandStats  `json:"brands"`
	Engines          []EngineStats `json:"engines"`
}

// Generator builds and stores session reports
type Generator struct {
	store  Store
	logger *zap.Logger
}

// NewGenerator creates a generator
func NewGenerator(store Store, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{store: store, logger: logger}
}

// Generate aggregates the session's mentions and saves the report
func (g *Generator) Generate(ctx context.Context, sessionID uuid.UUID) (*Report, error) {
	records, err := g.store.ListSessionMentions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rep := Build(records)

	summary, err := toJSONB(rep)
	if err != nil {
		return nil, err
	}
	if err := g.store.SaveSessionReport(ctx, &db.SessionReport{SessionID: sessionID, Summary: summary}); err != nil {
		return nil, err
	}
	g.logger.Info("Session report generated",
		zap.String("session_id", sessionID.String()),
		zap.Int("responses", rep.Responses),
		zap.Int("brands", len(rep.Brands)),
	)
	return rep, nil
}

// Build aggregates mention records. Brands are ordered target first, then by mentions.
func Build(records []db.MentionRecord) *Report {
	type brandAcc struct {
		stats     BrandStats
		sentiment float64
		rankSum   int
		ranked    int
		recs      int
	}
	type engineAcc struct {
		responses map[uuid.UUID]bool
		mentioned map[uuid.UUID]bool
	}

	responses := map[uuid.UUID]bool{}
	brands := map[string]*brandAcc{}
	engines := map[string]*engineAcc{}
	rep := &Report{}
	totalMentions := 0

	for _, r := range records {
		responses[r.ResponseID] = true
		if r.Degraded {
			rep.DegradedMentions++
		}

		e := engines[r.EngineName]
		if e == nil {
			e = &engineAcc{responses: map[uuid.UUID]bool{}, mentioned: map[uuid.UUID]bool{}}
			engines[r.EngineName] = e
		}
		e.responses[r.ResponseID] = true
		if r.IsTarget && r.Mentioned {
			e.mentioned[r.ResponseID] = true
		}

		b := brands[r.Brand]
		if b == nil {
			b = &brandAcc{stats: BrandStats{Brand: r.Brand}}
			brands[r.Brand] = b
		}
		b.stats.IsTarget = b.stats.IsTarget || r.IsTarget
		if !r.Mentioned {
			continue
		}
		totalMentions++
		b.stats.Mentions++
		b.sentiment += r.Sentiment
		if r.RankPosition != nil {
			b.rankSum += *r.RankPosition
			b.ranked++
		}
		if r.RecommendationStrength >= strongRecommendation {
			b.recs++
		}
		if r.IsSarcastic {
			b.stats.SarcasticMentions++
		}
	}

	rep.Responses = len(responses)
	for _, b := range brands {
		s := b.stats
		if s.Mentions > 0 {
			s.ShareOfVoice = round(float64(s.Mentions) / float64(totalMentions))
			s.AvgSentiment = round(b.sentiment / float64(s.Mentions))
			s.RecommendationRate = round(float64(b.recs) / float64(s.Mentions))
		}
		if b.ranked > 0 {
			s.AvgRank = round(float64(b.rankSum) / float64(b.ranked))
		}
		rep.Brands = append(rep.Brands, s)
	}
	sort.Slice(rep.Brands, func(i, j int) bool {
		a, b := rep.Brands[i], rep.Brands[j]
		if a.IsTarget != b.IsTarget {
			return a.IsTarget
		}
		if a.Mentions != b.Mentions {
			return a.Mentions > b.Mentions
		}
		return a.Brand < b.Brand
	})

	for name, e := range engines {
		es := EngineStats{Engine: name, Responses: len(e.responses), TargetMentioned: len(e.mentioned)}
		if es.Responses > 0 {
			es.TargetVisibility = round(float64(es.TargetMentioned) / float64(es.Responses))
		}
		rep.Engines = append(rep.Engines, es)
	}
	sort.Slice(rep.Engines, func(i, j int) bool { return rep.Engines[i].Engine < rep.Engines[j].Engine })
	return rep
}

func toJSONB(r *Report) (db.JSONB, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	var out db.JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return out, nil
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
