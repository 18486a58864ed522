package coordinator

import (
	"errors"
	"io"
	"time"

	"deckhand/internal/agent"
	"deckhand/internal/metrics"
	"deckhand/internal/policy"
)

// drain forwards stream to the sink until it ends, fails, is cancelled or
// suspends on an approval request. Auto-decided requests are continued in
// place, so one call may consume a chain of streams; the loop never
// recurses.
func (c *Coordinator) drain(sessionID string, tok *Token, stream agent.Stream) {
	log := c.sessionLog(sessionID)
	defer func() { _ = stream.Close() }()

	for {
		if tok.Signalled() {
			c.finish(sessionID, tok, OutcomeCancelled, "")
			return
		}

		chunk, err := stream.Next(tok.Context())
		if errors.Is(err, io.EOF) {
			c.finish(sessionID, tok, OutcomeCompleted, "")
			return
		}
		if err != nil {
			c.failRun(sessionID, tok, stream.RunID(), err)
			return
		}
		// Next may have blocked for a long time
		if tok.Signalled() {
			c.finish(sessionID, tok, OutcomeCancelled, "")
			return
		}

		if chunk.Kind == agent.ChunkApprovalRequest && chunk.Approval == nil {
			c.failRun(sessionID, tok, stream.RunID(), errEmptyApproval)
			return
		}
		if !chunk.IsApprovalRequest() {
			c.sink.Publish(sessionID, chunkEvent(sessionID, chunk))
			metrics.RecordChunk()
			continue
		}

		runID := chunk.RunID
		if runID == "" {
			runID = stream.RunID()
			chunk.RunID = runID
		}
		// a suspended session must know which run to continue
		if runID == "" {
			c.failRun(sessionID, tok, "", errNoRunID)
			return
		}
		mode, ok := c.store.Mode(sessionID)
		if !ok {
			return
		}
		req := *chunk.Approval
		decision := c.Engine().Decide(mode, req.ToolName)

		log.Debug().
			Str("tool", req.ToolName).
			Str("approval_id", req.ID).
			Str("run_id", runID).
			Str("decision", decision.String()).
			Msg("approval requested")

		if decision == policy.RequireHuman {
			switch c.store.Suspend(sessionID, tok, runID, &req, func() {
				c.sink.Publish(sessionID, chunkEvent(sessionID, chunk))
			}) {
			case suspendOK:
				metrics.RecordSuspend()
				log.Info().Str("tool", req.ToolName).Str("run_id", runID).Msg("session suspended for approval")
			case suspendCancelled:
				c.finish(sessionID, tok, OutcomeCancelled, "")
			}
			return
		}

		approved := decision == policy.AutoApprove
		c.decided(ApprovalDecision{
			SessionID: sessionID,
			RunID:     runID,
			Request:   req,
			Mode:      mode,
			Approved:  approved,
			Source:    SourcePolicy,
			At:        time.Now(),
		})

		fc, _ := c.store.Context(sessionID)
		var next agent.Stream
		if approved {
			next, err = c.runtime.Approve(tok.Context(), runID, fc)
		} else {
			next, err = c.runtime.Decline(tok.Context(), runID, fc)
		}
		_ = stream.Close()
		if err != nil {
			c.failRun(sessionID, tok, runID, err)
			return
		}
		stream = next
	}
}
