package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSessionState is returned when an operation does not fit the
	// session's lifecycle: starting a session that already exists, or
	// resuming or cancelling one that does not.
	ErrInvalidSessionState = errors.New("coordinator: invalid session state")

	// ErrCancelledDuringResume marks a runtime failure that happened after the
	// session was cancelled. It is logged and reported to clients as done.
	ErrCancelledDuringResume = errors.New("coordinator: cancelled during resume")

	// ErrClosed is returned by Start and Resume after Shutdown.
	ErrClosed = errors.New("coordinator: closed")

	errNotSuspended  = errors.New("coordinator: session not suspended")
	errEmptyApproval = errors.New("approval request chunk carries no request")
	errNoRunID       = errors.New("approval request has no run id")
)

// RuntimeStreamError wraps a failure reported by the agent runtime while
// starting, continuing or reading a run.
type RuntimeStreamError struct {
	SessionID string
	RunID     string
	Err       error
}

func (e *RuntimeStreamError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("runtime stream error (session %s): %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("runtime stream error (session %s, run %s): %v", e.SessionID, e.RunID, e.Err)
}

func (e *RuntimeStreamError) Unwrap() error {
	return e.Err
}
