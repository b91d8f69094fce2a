package streaming

import (
	"encoding/json"
	"time"
)

// Event types
const (
	EventProgress     = "progress"
	EventError        = "error"
	EventHeartbeatAck = "heartbeat_ack"
)

// Progress statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RateLimit describes a retry the dispatcher is waiting out
type RateLimit struct {
	Provider  string `json:"provider"`
	Attempt   int    `json:"attempt"`
	RetryInMs int64  `json:"retryInMs"`
}

// Progress is the live snapshot of a session run
type Progress struct {
	Status                 string     `json:"status"`
	CurrentQuery           string     `json:"currentQuery"`
	TotalQueries           int        `json:"totalQueries"`
	CurrentEngine          string     `json:"currentEngine"`
	SuccessCount           int        `json:"successCount"`
	FailedCount            int        `json:"failedCount"`
	EstimatedTimeRemaining *int64     `json:"estimatedTimeRemaining,omitempty"` // seconds
	Message                string     `json:"message,omitempty"`
	RateLimit              *RateLimit `json:"rateLimit,omitempty"`
}

// IsTerminal reports whether the status ends the run
func (p Progress) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// ErrorPayload is the body of an "error" event
type ErrorPayload struct {
	Message string `json:"message"`
}

// Event is one message on a session's stream
type Event struct {
	SessionID string        `json:"session_id"`
	Type      string        `json:"type"`
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	Progress  *Progress     `json:"progress,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// Marshal returns the full envelope as JSON, used by the WebSocket transport
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Payload returns only the typed body, used as SSE data
func (e Event) Payload() []byte {
	var v interface{}
	switch {
	case e.Progress != nil:
		v = e.Progress
	case e.Error != nil:
		v = e.Error
	default:
		v = map[string]interface{}{"timestamp": e.Timestamp}
	}
	b, _ := json.Marshal(v)
	return b
}
