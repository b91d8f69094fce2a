package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveEngineResponse inserts the raw answer of a successful task. ID and CreatedAt are filled in.
func (c *Client) SaveEngineResponse(ctx context.Context, resp *EngineResponse) error {
	if resp.ID == uuid.Nil {
		resp.ID = uuid.New()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO engine_responses (id, session_id, query_id, engine_id, content, citations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		resp.ID, resp.SessionID, resp.QueryID, resp.EngineID, resp.Content, resp.Citations, resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save engine response: %w", err)
	}
	return nil
}

// UpdateResponseReliability stores the reliability verdict of a response
func (c *Client) UpdateResponseReliability(ctx context.Context, responseID uuid.UUID, risk float64, confidence string, issues JSONArray) error {
	if issues == nil {
		issues = JSONArray{}
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE engine_responses
		SET risk_score = $2, confidence = $3, issues = $4
		WHERE id = $1`,
		responseID, risk, confidence, issues)
	if err != nil {
		return fmt.Errorf("failed to update reliability of %s: %w", responseID, err)
	}
	return nil
}

// SaveBrandMentions inserts the mentions of one response atomically
func (c *Client) SaveBrandMentions(ctx context.Context, responseID uuid.UUID, mentions []BrandMention) error {
	if len(mentions) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for i := range mentions {
			m := &mentions[i]
			if m.ID == uuid.Nil {
				m.ID = uuid.New()
			}
			m.ResponseID = responseID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO brand_mentions (
					id, response_id, brand, is_target, mentioned, sentiment, rank_position,
					is_sarcastic, recommendation_strength, context, degraded
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				m.ID, m.ResponseID, m.Brand, m.IsTarget, m.Mentioned, m.Sentiment, m.RankPosition,
				m.IsSarcastic, m.RecommendationStrength, m.Context, m.Degraded)
			if err != nil {
				return fmt.Errorf("failed to save mention of %q: %w", m.Brand, err)
			}
		}
		return nil
	})
}

// SaveCitationSources inserts the classified citations of one response atomically
func (c *Client) SaveCitationSources(ctx context.Context, responseID uuid.UUID, sources []CitationSource) error {
	if len(sources) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for i := range sources {
			s := &sources[i]
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			s.ResponseID = responseID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO citation_sources (id, response_id, url, title, domain, source_type)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				s.ID, s.ResponseID, s.URL, s.Title, s.Domain, s.SourceType)
			if err != nil {
				return fmt.Errorf("failed to save citation %q: %w", s.URL, err)
			}
		}
		return nil
	})
}

// ListSessionMentions returns every mention produced in a session, tagged with its engine
func (c *Client) ListSessionMentions(ctx context.Context, sessionID uuid.UUID) ([]MentionRecord, error) {
	var records []MentionRecord
	err := c.selectInto(ctx, &records, `
		SELECT e.name AS engine_name,
			m.id, m.response_id, m.brand, m.is_target, m.mentioned, m.sentiment, m.rank_position,
			m.is_sarcastic, m.recommendation_strength, m.context, m.degraded
		FROM brand_mentions m
		JOIN engine_responses r ON r.id = m.response_id
		JOIN target_engines e ON e.id = r.engine_id
		WHERE r.session_id = $1
		ORDER BY r.created_at, m.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mentions of session %s: %w", sessionID, err)
	}
	return records, nil
}

// SaveSessionReport persists the aggregated report of a session, replacing a previous one
func (c *Client) SaveSessionReport(ctx context.Context, report *SessionReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO session_reports (id, session_id, summary, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET summary = EXCLUDED.summary, created_at = EXCLUDED.created_at`,
		report.ID, report.SessionID, report.Summary, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save report of session %s: %w", report.SessionID, err)
	}
	return nil
}
