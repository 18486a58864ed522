package server

import (
	"context"
	"time"

	"deckhand/internal/agent"
	"deckhand/internal/coordinator"
	"deckhand/internal/policy"
	"deckhand/internal/storage"
)

// ledgerRecorder writes coordinator history to the run ledger.
type ledgerRecorder struct {
	db *storage.DB
}

// NewRecorder returns a coordinator.Recorder backed by db.
func NewRecorder(db *storage.DB) coordinator.Recorder {
	return &ledgerRecorder{db: db}
}

func (r *ledgerRecorder) SessionStarted(ctx context.Context, sessionID string, mode policy.PermissionMode, fc agent.Context, at time.Time) error {
	if fc == nil {
		fc = agent.Context{}
	}
	_, err := r.db.StartSession(ctx, sessionID, string(mode), fc, at)
	return err
}

func (r *ledgerRecorder) SessionFinished(ctx context.Context, sessionID string, outcome coordinator.Outcome, message string, at time.Time) error {
	return r.db.FinishSession(ctx, sessionID, string(outcome), message, at)
}

func (r *ledgerRecorder) ApprovalDecided(ctx context.Context, d coordinator.ApprovalDecision) error {
	_, err := r.db.RecordApproval(ctx, storage.ApprovalRecord{
		SessionID:  d.SessionID,
		ApprovalID: d.Request.ID,
		RunID:      d.RunID,
		ToolName:   d.Request.ToolName,
		Mode:       string(d.Mode),
		Approved:   d.Approved,
		Source:     d.Source,
		CreatedAt:  d.At,
	})
	return err
}
