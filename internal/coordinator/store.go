package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"deckhand/internal/agent"
	"deckhand/internal/policy"
)

// State is a point-in-time copy of a session's coordination state.
type State struct {
	SessionID       string                 `json:"session_id"`
	Context         agent.Context          `json:"context"`
	Mode            policy.PermissionMode  `json:"permission_mode"`
	Suspended       bool                   `json:"suspended"`
	PendingRunID    string                 `json:"pending_run_id,omitempty"`
	PendingApproval *agent.ApprovalRequest `json:"pending_approval,omitempty"`
	Running         bool                   `json:"running"`
	Generation      uint64                 `json:"generation"`
	StartedAt       time.Time              `json:"started_at"`
	SuspendedAt     time.Time              `json:"suspended_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

type entry struct {
	ctx          agent.Context
	mode         policy.PermissionMode
	suspended    bool
	pendingRunID string
	pending      *agent.ApprovalRequest
	token        *Token
	startedAt    time.Time
	suspendedAt  time.Time
	updatedAt    time.Time

	// emit orders the approval-chunk publication of a suspending run before
	// any later publication for the session (cancel's done, a resumed run).
	emit sync.Mutex
}

func (e *entry) snapshot(id string) State {
	st := State{
		SessionID:    id,
		Context:      e.ctx.Clone(),
		Mode:         e.mode,
		Suspended:    e.suspended,
		PendingRunID: e.pendingRunID,
		Running:      e.token != nil && !e.suspended,
		StartedAt:    e.startedAt,
		SuspendedAt:  e.suspendedAt,
		UpdatedAt:    e.updatedAt,
	}
	if e.pending != nil {
		p := *e.pending
		st.PendingApproval = &p
	}
	if e.token != nil {
		st.Generation = e.token.gen
	}
	return st
}

// barrier waits for an in-flight suspend publication to finish.
func (e *entry) barrier() {
	e.emit.Lock()
	e.emit.Unlock() //nolint:staticcheck // empty critical section is the point
}

type suspendResult int

const (
	suspendOK suspendResult = iota
	suspendCancelled
	suspendStale
)

type cancelResult int

const (
	cancelSignalled cancelResult = iota
	cancelClearedSuspended
	cancelClearedIdle
)

type resumeTicket struct {
	runID    string
	ctx      agent.Context
	approval *agent.ApprovalRequest
	mode     policy.PermissionMode
	token    *Token
}

// Store holds the state of every live session. All methods are safe for
// concurrent use. Methods that take a *Token act only if that token is the
// one currently installed for the session.
//
// Every token handed out by Create or BeginResume is counted as one run
// until RunDone is called for it. Once Close has returned, no new run can
// be counted, so Wait never races a new run.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	now     func() time.Time
	closed  bool
	runs    sync.WaitGroup
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (s *Store) nextToken() *Token {
	s.gen++
	return newToken(s.gen)
}

// Create registers a new session and installs its first token.
func (s *Store) Create(id string, fc agent.Context, mode policy.PermissionMode) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.entries[id]; ok {
		return nil, fmt.Errorf("%w: session %s already exists", ErrInvalidSessionState, id)
	}
	now := s.now()
	tok := s.nextToken()
	s.entries[id] = &entry{
		ctx:       fc.Clone(),
		mode:      mode,
		token:     tok,
		startedAt: now,
		updatedAt: now,
	}
	s.runs.Add(1)
	return tok, nil
}

// Close stops the store from accepting sessions and resumptions and returns
// the ids of the sessions live at that moment.
func (s *Store) Close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunDone marks the run started with a token from Create or BeginResume as
// finished.
func (s *Store) RunDone() {
	s.runs.Done()
}

// Wait blocks until every counted run has finished.
func (s *Store) Wait() {
	s.runs.Wait()
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return State{}, false
	}
	return e.snapshot(id), true
}

// List returns snapshots of all sessions, oldest first.
func (s *Store) List() []State {
	s.mu.Lock()
	out := make([]State, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, e.snapshot(id))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Mode returns the session's permission mode.
func (s *Store) Mode(id string) (policy.PermissionMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return "", false
	}
	return e.mode, true
}

// Context returns a copy of the session's forwarding context.
func (s *Store) Context(id string) (agent.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.ctx.Clone(), true
}

// IsOwner reports whether tok is the session's installed token.
func (s *Store) IsOwner(id string, tok *Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	return ok && e.token == tok
}

// ClearIfOwner removes the session if tok is its installed token and
// returns its final state.
func (s *Store) ClearIfOwner(id string, tok *Token) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.token != tok {
		return State{}, false
	}
	delete(s.entries, id)
	return e.snapshot(id), true
}

// Release uninstalls tok if it is still installed. The session itself is
// kept; this is the cleanup a finished goroutine performs on a session it
// left suspended.
func (s *Store) Release(id string, tok *Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.token != tok {
		return false
	}
	e.token = nil
	return true
}

// Suspend marks the session as waiting for a decision on req, issued by run
// runID, then calls publish while holding the session's emit lock. It fails
// with suspendStale if tok is no longer installed and with suspendCancelled
// if tok was signalled; publish is not called in either case.
func (s *Store) Suspend(id string, tok *Token, runID string, req *agent.ApprovalRequest, publish func()) suspendResult {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.token != tok {
		s.mu.Unlock()
		return suspendStale
	}
	if tok.Signalled() {
		s.mu.Unlock()
		return suspendCancelled
	}

	now := s.now()
	e.suspended = true
	e.pendingRunID = runID
	e.pending = req
	e.suspendedAt = now
	e.updatedAt = now

	e.emit.Lock()
	s.mu.Unlock()
	defer e.emit.Unlock()

	publish()
	return suspendOK
}

// BeginResume atomically leaves the suspended state: it clears the flag,
// takes the pending run id, merges extra into the context and installs a new
// token. A known session that is not suspended yields errNotSuspended.
func (s *Store) BeginResume(id string, extra agent.Context) (resumeTicket, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return resumeTicket{}, ErrClosed
	}
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return resumeTicket{}, fmt.Errorf("%w: session %s not found", ErrInvalidSessionState, id)
	}
	if !e.suspended {
		s.mu.Unlock()
		return resumeTicket{}, errNotSuspended
	}

	e.suspended = false
	runID := e.pendingRunID
	approval := e.pending
	e.pendingRunID = ""
	e.pending = nil
	e.suspendedAt = time.Time{}
	e.ctx = e.ctx.Merge(extra)
	e.token = s.nextToken()
	e.updatedAt = s.now()
	s.runs.Add(1)

	t := resumeTicket{
		runID:    runID,
		ctx:      e.ctx.Clone(),
		approval: approval,
		mode:     e.mode,
		token:    e.token,
	}
	s.mu.Unlock()

	e.barrier()
	return t, nil
}

// Cancel signals the session's installed token. If no run is consuming a
// stream (the session is suspended), the session is removed and publish is
// called, ordered after any approval-chunk publication. The returned State
// is the session as it was when cancelled.
func (s *Store) Cancel(id string, publish func()) (cancelResult, State, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return 0, State{}, fmt.Errorf("%w: session %s not found", ErrInvalidSessionState, id)
	}
	st := e.snapshot(id)
	if e.token != nil {
		e.token.Signal()
		if !e.suspended {
			s.mu.Unlock()
			return cancelSignalled, st, nil
		}
	}
	res := cancelClearedIdle
	if e.suspended {
		res = cancelClearedSuspended
	}
	delete(s.entries, id)
	s.mu.Unlock()

	e.emit.Lock()
	defer e.emit.Unlock()
	publish()
	return res, st, nil
}
