package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetProject loads the project a session probes
func (c *Client) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	var projects []Project
	err := c.selectInto(ctx, &projects, `
		SELECT id, user_id, name, brand_name, brand_domain, competitors
		FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	if len(projects) == 0 {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return &projects[0], nil
}

// ListProjectQueries returns every query under the project's keywords in insertion order
func (c *Client) ListProjectQueries(ctx context.Context, projectID uuid.UUID) ([]QueryTask, error) {
	var queries []QueryTask
	err := c.selectInto(ctx, &queries, `
		SELECT q.id, q.keyword_id, q.query_text, q.generation_type, q.created_at
		FROM queries q
		JOIN keywords k ON k.id = q.keyword_id
		WHERE k.project_id = $1
		ORDER BY q.created_at, q.id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries for project %s: %w", projectID, err)
	}
	return queries, nil
}

// ListActiveEngines returns the engines that participate in new sessions
func (c *Client) ListActiveEngines(ctx context.Context) ([]TargetEngine, error) {
	var engines []TargetEngine
	err := c.selectInto(ctx, &engines, `
		SELECT id, name, model, is_active
		FROM target_engines
		WHERE is_active
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active engines: %w", err)
	}
	return engines, nil
}

// ListCredentials returns the encrypted provider credentials of a user
func (c *Client) ListCredentials(ctx context.Context, userID uuid.UUID) ([]Credential, error) {
	var creds []Credential
	err := c.selectInto(ctx, &creds, `
		SELECT user_id, provider, ciphertext, nonce
		FROM provider_credentials
		WHERE user_id = $1
		ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}
