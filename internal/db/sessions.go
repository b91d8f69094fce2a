package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, project_id, status, started_at, completed_at, error_message, created_at`

// GetSession loads one session by id
func (c *Client) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var sessions []Session
	err := c.selectInto(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM probe_sessions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return &sessions[0], nil
}

// TransitionSession moves a session from one status to another. The update is conditional on
// the current status so that concurrent writers can never persist two terminal states;
// ErrInvalidTransition is returned when the session was not in from.
func (c *Client) TransitionSession(ctx context.Context, id uuid.UUID, from, to SessionStatus, errMsg string) error {
	if !validTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	var startedAt, completedAt interface{}
	now := time.Now().UTC()
	if to == SessionRunning {
		startedAt = now
	}
	if to.IsTerminal() {
		completedAt = now
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE probe_sessions
		SET status = $3,
			started_at = COALESCE($4, started_at),
			completed_at = COALESCE($5, completed_at),
			error_message = COALESCE($6, error_message)
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), startedAt, completedAt, nullIfEmpty(errMsg))
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	return nil
}

func validTransition(from, to SessionStatus) bool {
	switch from {
	case SessionPending:
		return to == SessionRunning || to == SessionFailed
	case SessionRunning:
		return to.IsTerminal()
	default:
		return false
	}
}
