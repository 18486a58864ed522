package coordinator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"deckhand/internal/agent"
	"deckhand/internal/policy"
)

const waitTimeout = 2 * time.Second

// chanStream is a stream fed by the test through a channel.
type chanStream struct {
	runID  string
	ch     chan step
	closed atomic.Bool
}

type step struct {
	chunk agent.Chunk
	err   error
}

func newChanStream(runID string) *chanStream {
	return &chanStream{runID: runID, ch: make(chan step, 64)}
}

func (s *chanStream) Next(ctx context.Context) (agent.Chunk, error) {
	select {
	case st, ok := <-s.ch:
		if !ok {
			return agent.Chunk{}, io.EOF
		}
		if st.err != nil {
			return agent.Chunk{}, st.err
		}
		if st.chunk.RunID == "" {
			st.chunk.RunID = s.runID
		}
		return st.chunk, nil
	case <-ctx.Done():
		return agent.Chunk{}, ctx.Err()
	}
}

func (s *chanStream) RunID() string { return s.runID }

func (s *chanStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *chanStream) send(c agent.Chunk) { s.ch <- step{chunk: c} }
func (s *chanStream) fail(err error)     { s.ch <- step{err: err} }
func (s *chanStream) end()               { close(s.ch) }

type runtimeCall struct {
	op        string
	sessionID string
	runID     string
	ctx       agent.Context
}

type streamFunc func(ctx context.Context, id string, fc agent.Context) (agent.Stream, error)

// fakeRuntime records calls and delegates to per-operation hooks. A nil hook
// yields an empty stream.
type fakeRuntime struct {
	mu        sync.Mutex
	calls     []runtimeCall
	onStart   streamFunc
	onApprove streamFunc
	onDecline streamFunc
}

func (f *fakeRuntime) call(ctx context.Context, op, id string, fc agent.Context, hook streamFunc) (agent.Stream, error) {
	f.mu.Lock()
	c := runtimeCall{op: op, ctx: fc.Clone()}
	if op == "start" {
		c.sessionID = id
	} else {
		c.runID = id
	}
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if hook == nil {
		return agent.NewSliceStream(op + "-" + id), nil
	}
	return hook(ctx, id, fc)
}

func (f *fakeRuntime) StartRun(ctx context.Context, sessionID string, fc agent.Context) (agent.Stream, error) {
	return f.call(ctx, "start", sessionID, fc, f.onStart)
}

func (f *fakeRuntime) Approve(ctx context.Context, runID string, fc agent.Context) (agent.Stream, error) {
	return f.call(ctx, "approve", runID, fc, f.onApprove)
}

func (f *fakeRuntime) Decline(ctx context.Context, runID string, fc agent.Context) (agent.Stream, error) {
	return f.call(ctx, "decline", runID, fc, f.onDecline)
}

func (f *fakeRuntime) callsOf(op string) []runtimeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtimeCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

// slice returns a hook that replays chunks on a fixed run id.
func slice(runID string, chunks ...agent.Chunk) streamFunc {
	return func(context.Context, string, agent.Context) (agent.Stream, error) {
		return agent.NewSliceStream(runID, chunks...), nil
	}
}

// recordingSink keeps every published event.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(sessionID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.SessionID != sessionID {
		panic(fmt.Sprintf("event for %s published under %s", ev.SessionID, sessionID))
	}
	s.events = append(s.events, ev)
}

func (s *recordingSink) of(sessionID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, sessionID string, cond func([]Event) bool) []Event {
	t.Helper()
	var got []Event
	require.Eventually(t, func() bool {
		got = s.of(sessionID)
		return cond(got)
	}, waitTimeout, time.Millisecond, "events so far: %v", describe(s.of(sessionID)))
	return got
}

func (s *recordingSink) waitTerminal(t *testing.T, sessionID string) []Event {
	t.Helper()
	return s.waitFor(t, sessionID, func(evs []Event) bool {
		return len(evs) > 0 && evs[len(evs)-1].Terminal()
	})
}

func (s *recordingSink) waitApproval(t *testing.T, sessionID string) []Event {
	t.Helper()
	return s.waitFor(t, sessionID, func(evs []Event) bool {
		for _, ev := range evs {
			if ev.Chunk != nil && ev.Chunk.IsApprovalRequest() {
				return true
			}
		}
		return false
	})
}

// describe renders events compactly: "text", "?tool", "done", "error:msg".
func describe(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		switch ev.Type {
		case EventChunk:
			if ev.Chunk.IsApprovalRequest() {
				out = append(out, "?"+ev.Chunk.ToolName())
			} else {
				out = append(out, ev.Chunk.Content)
			}
		case EventDone:
			out = append(out, "done")
		case EventError:
			out = append(out, "error:"+ev.Error)
		}
	}
	return out
}

func countTerminal(evs []Event) int {
	n := 0
	for _, ev := range evs {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu        sync.Mutex
	started   []string
	finished  map[string]Outcome
	approvals []ApprovalDecision
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{finished: make(map[string]Outcome)}
}

func (r *fakeRecorder) SessionStarted(_ context.Context, id string, _ policy.PermissionMode, _ agent.Context, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
	return nil
}

func (r *fakeRecorder) SessionFinished(_ context.Context, id string, o Outcome, _ string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = o
	return nil
}

func (r *fakeRecorder) ApprovalDecided(_ context.Context, d ApprovalDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, d)
	return nil
}

func (r *fakeRecorder) outcome(id string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.finished[id]
	return o, ok
}

func (r *fakeRecorder) decisions() []ApprovalDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ApprovalDecision(nil), r.approvals...)
}

func newTestCoordinator(t *testing.T, rt agent.Runtime, mutate ...func(*Options)) (*Coordinator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	nop := zerolog.Nop()
	opts := Options{Runtime: rt, Sink: sink, Logger: &nop}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		require.NoError(t, c.Shutdown(ctx))
	})
	return c, sink
}

func text(s string) agent.Chunk { return agent.ContentChunk(s) }

func ask(id, tool string) agent.Chunk { return agent.ApprovalChunk(id, tool, nil) }
