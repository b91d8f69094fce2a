package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AppendExecutionLog inserts a log entry; ID and CreatedAt are assigned by the database
func (c *Client) AppendExecutionLog(ctx context.Context, entry *ExecutionLog) error {
	if entry.Details == nil {
		entry.Details = JSONB{}
	}
	rows, err := c.db.QueryContext(ctx, `
		INSERT INTO execution_logs (session_id, level, message, details)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		entry.SessionID, entry.Level, entry.Message, entry.Details)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&entry.ID, &entry.CreatedAt); err != nil {
			return fmt.Errorf("failed to read execution log id: %w", err)
		}
	}
	return rows.Err()
}

// ListExecutionLogs returns a session's entries in creation order. An empty level returns all.
func (c *Client) ListExecutionLogs(ctx context.Context, sessionID uuid.UUID, level string) ([]ExecutionLog, error) {
	query := `SELECT id, session_id, level, message, details, created_at FROM execution_logs WHERE session_id = $1`
	args := []interface{}{sessionID}
	if level != "" {
		query += ` AND level = $2`
		args = append(args, level)
	}
	query += ` ORDER BY id`

	var logs []ExecutionLog
	if err := c.selectInto(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	return logs, nil
}
