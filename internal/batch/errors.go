package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when the session id is unknown
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned when the session is not pending
	ErrInvalidTransition = errors.New("session is not pending")
	// ErrAlreadyRunning is returned when the session runs here or on another replica
	ErrAlreadyRunning = errors.New("session already running")
	// ErrSessionTimeout is the cause of a session aborted by the timeout guard
	ErrSessionTimeout = errors.New("session timed out")
	// ErrShuttingDown is the cause of a session aborted by process shutdown
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Configuration failure reasons
const (
	ReasonNoCredentials = "no credentials"
	ReasonNoEngines     = "no engines"
	ReasonNoQueries     = "no queries"
)

// ConfigurationError means the session cannot run as configured. No task was attempted.
type ConfigurationError struct {
	Reason string
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Detail == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Reason, e.Detail)
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
