package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/metrics"
)

const deliverTimeout = 10 * time.Second

// Outcome is the terminal result of a session run
type Outcome struct {
	SessionID  string    `json:"session_id"`
	ProjectID  string    `json:"project_id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Text renders the outcome as a short human message
func (o Outcome) Text() string {
	msg := fmt.Sprintf("Probe session %s %s: %d/%d succeeded, %d failed in %s",
		o.SessionID, o.Status, o.Success, o.Total, o.Failed, time.Duration(o.ElapsedMs)*time.Millisecond)
	if o.Error != "" {
		msg += "\nError: " + o.Error
	}
	return msg
}

// Notifier tells an external party that a session finished
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// Nop discards every outcome
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, Outcome) error { return nil }

// Multi fans an outcome out to several notifiers and joins their errors
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, o Outcome) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver makes exactly one notification attempt. Errors and panics are logged and swallowed.
func Deliver(ctx context.Context, n Notifier, o Outcome, logger *zap.Logger) {
	if n == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("notifier panic: %v", r)
			}
		}()
		return n.Notify(ctx, o)
	}()
	if err != nil {
		metrics.NotificationsSent.WithLabelValues("error").Inc()
		logger.Warn("Failed to deliver session notification",
			zap.String("session_id", o.SessionID),
			zap.String("status", o.Status),
			zap.Error(err),
		)
		return
	}
	metrics.NotificationsSent.WithLabelValues("sent").Inc()
}
