// Package coordinator runs agent sessions: it drains each run's chunk
// stream to a sink, applies the approval policy to tool-call requests,
// suspends for human decisions, resumes, and tears sessions down exactly once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"deckhand/internal/agent"
	"deckhand/internal/metrics"
	"deckhand/internal/policy"
	"deckhand/pkg/logger"
)

const recordTimeout = 5 * time.Second

// Options configures a Coordinator.
type Options struct {
	Runtime  agent.Runtime
	Sink     Sink
	Engine   *policy.Engine  // nil means the default engine
	Recorder Recorder        // nil disables history
	Logger   *zerolog.Logger // nil means logger.Component("coordinator")

	// DefaultMode applies to Start calls with an empty mode.
	DefaultMode policy.PermissionMode
}

// Coordinator owns the state of every live session. Start, Resume and
// Cancel return quickly; runs proceed on their own goroutines and report
// through the Sink.
type Coordinator struct {
	runtime     agent.Runtime
	sink        Sink
	recorder    Recorder
	engine      atomic.Pointer[policy.Engine]
	defaultMode policy.PermissionMode
	store       *Store
	log         zerolog.Logger
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Runtime == nil {
		return nil, errors.New("coordinator: runtime is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("coordinator: sink is required")
	}

	mode := opts.DefaultMode
	if mode == "" {
		mode = policy.ModeManual
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("coordinator: default mode: %w: %q", policy.ErrUnknownMode, mode)
	}

	c := &Coordinator{
		runtime:     opts.Runtime,
		sink:        opts.Sink,
		recorder:    opts.Recorder,
		defaultMode: mode,
		store:       NewStore(),
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	} else {
		c.log = *logger.Component("coordinator")
	}
	engine := opts.Engine
	if engine == nil {
		engine = policy.NewEngine(policy.Config{})
	}
	c.engine.Store(engine)
	return c, nil
}

// SetEngine swaps the approval policy. Runs already past an approval
// request are unaffected; later requests use the new engine.
func (c *Coordinator) SetEngine(e *policy.Engine) {
	if e != nil {
		c.engine.Store(e)
	}
}

// Engine returns the current approval policy.
func (c *Coordinator) Engine() *policy.Engine {
	return c.engine.Load()
}

// DefaultMode returns the mode applied when Start is given none.
func (c *Coordinator) DefaultMode() policy.PermissionMode {
	return c.defaultMode
}

// Snapshot returns the current state of a live session.
func (c *Coordinator) Snapshot(sessionID string) (State, bool) {
	return c.store.Get(sessionID)
}

// Sessions returns snapshots of all live sessions, oldest first.
func (c *Coordinator) Sessions() []State {
	return c.store.List()
}

// Counts returns the number of running and suspended sessions.
func (c *Coordinator) Counts() (running, suspended int) {
	for _, st := range c.store.List() {
		if st.Suspended {
			suspended++
		} else if st.Running {
			running++
		}
	}
	return running, suspended
}

// Start begins a session: it records the forwarding context and mode,
// asks the runtime for a run and drains it. It fails with
// ErrInvalidSessionState if the session is already live.
func (c *Coordinator) Start(sessionID string, fc agent.Context, mode policy.PermissionMode) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidSessionState)
	}
	if mode == "" {
		mode = c.defaultMode
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", policy.ErrUnknownMode, mode)
	}

	tok, err := c.store.Create(sessionID, fc, mode)
	if err != nil {
		return err
	}

	log := c.sessionLog(sessionID)
	log.Info().Str("mode", string(mode)).Uint64("gen", tok.Generation()).Msg("session started")
	metrics.RecordSessionStart(string(mode))
	c.record(sessionID, func(ctx context.Context) error {
		return c.recorder.SessionStarted(ctx, sessionID, mode, fc, time.Now())
	})

	fc = fc.Clone()
	c.spawn(sessionID, tok, "", func(ctx context.Context) (agent.Stream, error) {
		return c.runtime.StartRun(ctx, sessionID, fc)
	})
	return nil
}

// Resume delivers a human decision to a suspended session. extra is merged
// into the forwarding context before the runtime is called. Resuming a live
// session that is not suspended is a no-op; resuming an unknown session
// fails with ErrInvalidSessionState.
func (c *Coordinator) Resume(sessionID string, approved bool, extra agent.Context) error {
	t, err := c.store.BeginResume(sessionID, extra)
	if errors.Is(err, errNotSuspended) {
		c.sessionLog(sessionID).Debug().Msg("resume ignored: session not suspended")
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RecordUnsuspend()

	log := c.sessionLog(sessionID)
	log.Info().
		Bool("approved", approved).
		Str("run_id", t.runID).
		Uint64("gen", t.token.Generation()).
		Msg("session resumed")

	d := ApprovalDecision{
		SessionID: sessionID,
		RunID:     t.runID,
		Mode:      t.mode,
		Approved:  approved,
		Source:    SourceUser,
		At:        time.Now(),
	}
	if t.approval != nil {
		d.Request = *t.approval
	}
	c.decided(d)

	c.spawn(sessionID, t.token, t.runID, func(ctx context.Context) (agent.Stream, error) {
		if approved {
			return c.runtime.Approve(ctx, t.runID, t.ctx)
		}
		return c.runtime.Decline(ctx, t.runID, t.ctx)
	})
	return nil
}

// Cancel stops a session. A running session is signalled and ends with a
// done event once its run observes the signal; a suspended session ends
// immediately. Cancelling an unknown or finished session fails with
// ErrInvalidSessionState and changes nothing.
func (c *Coordinator) Cancel(sessionID string) error {
	res, st, err := c.store.Cancel(sessionID, func() {
		c.sink.Publish(sessionID, doneEvent(sessionID))
	})
	if err != nil {
		return err
	}

	log := c.sessionLog(sessionID)
	switch res {
	case cancelSignalled:
		log.Info().Uint64("gen", st.Generation).Msg("cancellation signalled")
	default:
		if res == cancelClearedSuspended {
			metrics.RecordUnsuspend()
		}
		log.Info().Msg("session cancelled while idle")
		c.terminated(sessionID, st.StartedAt, OutcomeCancelled, "")
	}
	return nil
}

// Shutdown stops accepting sessions, cancels every live one and waits for
// their goroutines until ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for _, id := range c.store.Close() {
		_ = c.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		c.store.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every run goroutine has returned.
func (c *Coordinator) Wait() {
	c.store.Wait()
}

// spawn runs open and drains the resulting stream on a new goroutine owned
// by tok. runID identifies the run being continued, if any. The run was
// counted by the store when tok was issued.
func (c *Coordinator) spawn(sessionID string, tok *Token, runID string, open func(context.Context) (agent.Stream, error)) {
	go func() {
		defer c.store.RunDone()
		defer c.store.Release(sessionID, tok)
		defer c.recoverRun(sessionID, tok)

		stream, err := open(tok.Context())
		if err != nil {
			c.failRun(sessionID, tok, runID, err)
			return
		}
		c.drain(sessionID, tok, stream)
	}()
}

func (c *Coordinator) recoverRun(sessionID string, tok *Token) {
	if r := recover(); r != nil {
		c.sessionLog(sessionID).Error().Interface("panic", r).Msg("run panicked")
		c.finish(sessionID, tok, OutcomeErrored, fmt.Sprintf("internal error: %v", r))
	}
}

// failRun ends a session whose runtime call or stream failed. A failure
// after cancellation is reported as done.
func (c *Coordinator) failRun(sessionID string, tok *Token, runID string, err error) {
	log := c.sessionLog(sessionID)
	if tok.Signalled() {
		log.Debug().
			Err(fmt.Errorf("%w: %v", ErrCancelledDuringResume, err)).
			Str("run_id", runID).
			Msg("runtime error after cancellation suppressed")
		c.finish(sessionID, tok, OutcomeCancelled, "")
		return
	}

	rse := &RuntimeStreamError{SessionID: sessionID, RunID: runID, Err: err}
	log.Warn().Err(rse).Msg("run failed")
	c.finish(sessionID, tok, OutcomeErrored, err.Error())
}

// finish clears the session if tok still owns it and publishes the single
// terminal event. It reports whether it did so.
func (c *Coordinator) finish(sessionID string, tok *Token, outcome Outcome, message string) bool {
	st, ok := c.store.ClearIfOwner(sessionID, tok)
	if !ok {
		c.sessionLog(sessionID).Debug().
			Uint64("gen", tok.Generation()).
			Str("outcome", string(outcome)).
			Msg("stale run finished, state left untouched")
		return false
	}

	if outcome == OutcomeErrored {
		c.sink.Publish(sessionID, errorEvent(sessionID, message))
	} else {
		c.sink.Publish(sessionID, doneEvent(sessionID))
	}
	c.terminated(sessionID, st.StartedAt, outcome, message)
	return true
}

func (c *Coordinator) terminated(sessionID string, startedAt time.Time, outcome Outcome, message string) {
	metrics.RecordSessionEnd(string(outcome), time.Since(startedAt))

	log := c.sessionLog(sessionID)
	var ev *zerolog.Event
	if outcome == OutcomeErrored {
		ev = log.Warn().Str("error", message)
	} else {
		ev = log.Info()
	}
	ev.Str("outcome", string(outcome)).Dur("elapsed", time.Since(startedAt)).Msg("session finished")

	c.record(sessionID, func(ctx context.Context) error {
		return c.recorder.SessionFinished(ctx, sessionID, outcome, message, time.Now())
	})
}

func (c *Coordinator) decided(d ApprovalDecision) {
	decision := "declined"
	if d.Approved {
		decision = "approved"
	}
	metrics.RecordApproval(decision, d.Source)
	c.record(d.SessionID, func(ctx context.Context) error {
		return c.recorder.ApprovalDecided(ctx, d)
	})
}

func (c *Coordinator) record(sessionID string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.sessionLog(sessionID).Warn().Err(err).Msg("failed to record session history")
	}
}

func (c *Coordinator) sessionLog(sessionID string) *zerolog.Logger {
	l := c.log.With().Str("session_id", sessionID).Logger()
	return &l
}
