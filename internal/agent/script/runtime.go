package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"deckhand/internal/agent"
)

// ContextKey selects the script for a session through the forwarding
// context. Without it the default script runs.
const ContextKey = "script"

// pendingTTL bounds how long a paused run waits for Approve or Decline.
const pendingTTL = 24 * time.Hour

// ErrUnknownRun is returned when Approve or Decline name a run that is not
// paused on an approval, or was already continued.
var ErrUnknownRun = errors.New("script: unknown run")

// StepError is the failure produced by an error step.
type StepError struct {
	Script string
	RunID  string
	Msg    string
}

func (e *StepError) Error() string { return e.Msg }

// Options configures a Runtime.
type Options struct {
	// Dir is scanned for scripts by New and Reload. Empty means builtin only.
	Dir string
	// Default names the script used when the context does not pick one.
	Default string
	// ChunkDelay is waited before every chunk, to mimic a model streaming.
	ChunkDelay time.Duration
}

type pendingRun struct {
	script     *Script
	sessionID  string
	approvalID string
	pausedAt   time.Time
}

// Runtime replays scripts. It implements agent.Runtime.
type Runtime struct {
	opts Options

	mu      sync.RWMutex
	scripts map[string]*Script

	runsMu sync.Mutex
	runs   map[string]*pendingRun

	newID func() string
	now   func() time.Time
}

// New creates a Runtime and loads opts.Dir.
func New(opts Options) (*Runtime, error) {
	if opts.Default == "" {
		opts.Default = "demo"
	}
	r := &Runtime{
		opts:  opts,
		runs:  make(map[string]*pendingRun),
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
	}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewWithScripts creates a Runtime over the given scripts only.
func NewWithScripts(opts Options, scripts ...*Script) *Runtime {
	if opts.Default == "" && len(scripts) > 0 {
		opts.Default = scripts[0].Name
	}
	r := &Runtime{
		opts:    opts,
		scripts: make(map[string]*Script, len(scripts)),
		runs:    make(map[string]*pendingRun),
		newID:   func() string { return uuid.New().String() },
		now:     time.Now,
	}
	for _, s := range scripts {
		r.scripts[s.Name] = s
	}
	return r
}

// Reload rescans the script directory. The builtin demo script is always
// available unless a file overrides it. It returns the number of scripts
// loaded. Paused runs keep the script they started with.
func (r *Runtime) Reload() (int, error) {
	scripts := map[string]*Script{}
	builtin := MustBuiltin()
	scripts[builtin.Name] = builtin

	if r.opts.Dir != "" {
		loaded, err := LoadDir(r.opts.Dir)
		if err != nil {
			return 0, fmt.Errorf("load scripts from %s: %w", r.opts.Dir, err)
		}
		for _, s := range loaded {
			scripts[s.Name] = s
		}
	}

	r.mu.Lock()
	r.scripts = scripts
	r.mu.Unlock()

	log.Info().Str("dir", r.opts.Dir).Int("count", len(scripts)).Msg("scripts loaded")
	return len(scripts), nil
}

// Dir returns the watched script directory.
func (r *Runtime) Dir() string {
	return r.opts.Dir
}

// Names lists the available scripts.
func (r *Runtime) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.scripts))
	for name := range r.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Script returns a script by name.
func (r *Runtime) Script(name string) (*Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[name]
	return s, ok
}

// StartRun implements agent.Runtime.
func (r *Runtime) StartRun(ctx context.Context, sessionID string, fc agent.Context) (agent.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, ok := fc.Get(ContextKey)
	if !ok || name == "" {
		name = r.opts.Default
	}
	s, ok := r.Script(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, name)
	}
	return r.newStream(s, sessionID, s.Start), nil
}

// Approve implements agent.Runtime.
func (r *Runtime) Approve(ctx context.Context, runID string, _ agent.Context) (agent.Stream, error) {
	return r.continueRun(ctx, runID, true)
}

// Decline implements agent.Runtime.
func (r *Runtime) Decline(ctx context.Context, runID string, _ agent.Context) (agent.Stream, error) {
	return r.continueRun(ctx, runID, false)
}

func (r *Runtime) continueRun(ctx context.Context, runID string, approved bool) (agent.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.runsMu.Lock()
	p, ok := r.runs[runID]
	delete(r.runs, runID)
	r.runsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	branch := p.script.OnDecline
	if approved {
		branch = p.script.OnApprove
	}
	return r.newStream(p.script, p.sessionID, branch[p.approvalID]), nil
}

// Pending returns the number of runs paused on an approval.
func (r *Runtime) Pending() int {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	return len(r.runs)
}

func (r *Runtime) pause(runID string, p *pendingRun) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	for id, old := range r.runs {
		if p.pausedAt.Sub(old.pausedAt) > pendingTTL {
			delete(r.runs, id)
		}
	}
	r.runs[runID] = p
}

func (r *Runtime) newStream(s *Script, sessionID string, steps []Step) *stream {
	return &stream{
		rt:        r,
		script:    s,
		sessionID: sessionID,
		runID:     r.newID(),
		steps:     steps,
	}
}

// stream plays one step list. It is used by a single goroutine.
type stream struct {
	rt        *Runtime
	script    *Script
	sessionID string
	runID     string
	steps     []Step
	pos       int
	closed    bool
}

func (s *stream) RunID() string { return s.runID }

func (s *stream) Close() error {
	s.closed = true
	return nil
}

func (s *stream) Next(ctx context.Context) (agent.Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return agent.Chunk{}, err
		}
		if s.closed || s.pos >= len(s.steps) {
			return agent.Chunk{}, io.EOF
		}
		st := s.steps[s.pos]
		s.pos++

		if st.Sleep > 0 {
			if err := wait(ctx, st.Sleep); err != nil {
				return agent.Chunk{}, err
			}
			continue
		}
		if err := wait(ctx, s.rt.opts.ChunkDelay); err != nil {
			return agent.Chunk{}, err
		}

		switch {
		case st.Error != "":
			return agent.Chunk{}, &StepError{Script: s.script.Name, RunID: s.runID, Msg: st.Error}

		case st.Approval != nil:
			args, err := st.Approval.arguments()
			if err != nil {
				return agent.Chunk{}, err
			}
			s.rt.pause(s.runID, &pendingRun{
				script:     s.script,
				sessionID:  s.sessionID,
				approvalID: st.Approval.ID,
				pausedAt:   s.rt.now(),
			})
			c := agent.ApprovalChunk(st.Approval.ID, st.Approval.Tool, args)
			c.RunID = s.runID
			return c, nil

		default:
			c := agent.ContentChunk(st.Content)
			c.RunID = s.runID
			if st.Data != nil {
				data, err := json.Marshal(st.Data)
				if err != nil {
					return agent.Chunk{}, err
				}
				c.Data = data
			}
			return c, nil
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
