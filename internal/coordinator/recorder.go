package coordinator

import (
	"context"
	"time"

	"deckhand/internal/agent"
	"deckhand/internal/policy"
)

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeCancelled Outcome = "cancelled"
)

// Decision sources.
const (
	SourcePolicy = "policy"
	SourceUser   = "user"
)

// ApprovalDecision describes one decision taken on an approval request.
type ApprovalDecision struct {
	SessionID string
	RunID     string
	Request   agent.ApprovalRequest
	Mode      policy.PermissionMode
	Approved  bool
	Source    string
	At        time.Time
}

// Recorder persists session history. Failures are logged by the
// coordinator and never affect the session.
type Recorder interface {
	SessionStarted(ctx context.Context, sessionID string, mode policy.PermissionMode, fc agent.Context, at time.Time) error
	SessionFinished(ctx context.Context, sessionID string, outcome Outcome, message string, at time.Time) error
	ApprovalDecided(ctx context.Context, d ApprovalDecision) error
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(context.Context, string, policy.PermissionMode, agent.Context, time.Time) error {
	return nil
}

func (nopRecorder) SessionFinished(context.Context, string, Outcome, string, time.Time) error {
	return nil
}

func (nopRecorder) ApprovalDecided(context.Context, ApprovalDecision) error { return nil }
