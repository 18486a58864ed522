// Package reaper cancels sessions that have been suspended or running for
// too long and prunes old ledger records, on a cron schedule.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"deckhand/internal/config"
	"deckhand/internal/coordinator"
	"deckhand/internal/metrics"
	"deckhand/pkg/logger"
)

// Reap reasons, used as metric labels.
const (
	ReasonSuspended = "suspended"
	ReasonRunning   = "running"
)

const pruneTimeout = 30 * time.Second

// Sessions is the part of the coordinator the reaper drives.
type Sessions interface {
	Sessions() []coordinator.State
	Cancel(sessionID string) error
}

// Pruner deletes finished ledger records.
type Pruner interface {
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

// Result summarises one sweep.
type Result struct {
	Suspended int
	Running   int
	Pruned    int64
}

// Reaper runs Sweep on a schedule.
type Reaper struct {
	cfg      config.ReaperConfig
	sessions Sessions
	pruner   Pruner
	cron     *cron.Cron
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

// New creates a Reaper. pruner may be nil when the ledger is disabled. The
// schedule accepts standard 5-field expressions and descriptors such as
// "@every 1m".
func New(cfg config.ReaperConfig, sessions Sessions, pruner Pruner) (*Reaper, error) {
	if sessions == nil {
		return nil, errors.New("reaper: sessions are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}

	log := logger.Component("reaper")
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	r := &Reaper{
		cfg:      cfg,
		sessions: sessions,
		pruner:   pruner,
		cron:     c,
		log:      *log,
		now:      time.Now,
	}
	if _, err := c.AddFunc(cfg.Schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("reaper: schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Start starts the schedule.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.cron.Start()
	r.running = true
	r.log.Info().
		Str("schedule", r.cfg.Schedule).
		Dur("max_suspended", r.cfg.MaxSuspended).
		Dur("max_running", r.cfg.MaxRunning).
		Msg("reaper started")
}

// Stop stops the schedule. The returned context is done once a sweep in
// progress has finished.
func (r *Reaper) Stop() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	r.running = false
	return r.cron.Stop()
}

// Sweep cancels every session past its limit and prunes the ledger.
func (r *Reaper) Sweep(ctx context.Context) Result {
	var res Result
	now := r.now()

	for _, st := range r.sessions.Sessions() {
		reason := r.expired(st, now)
		if reason == "" {
			continue
		}
		if err := r.sessions.Cancel(st.SessionID); err != nil {
			// finished between the listing and the cancel
			r.log.Debug().Err(err).Str("session_id", st.SessionID).Msg("reap skipped")
			continue
		}
		metrics.RecordReap(reason)
		r.log.Info().
			Str("session_id", st.SessionID).
			Str("reason", reason).
			Time("since", r.since(st)).
			Msg("session reaped")
		if reason == ReasonSuspended {
			res.Suspended++
		} else {
			res.Running++
		}
	}

	if r.pruner != nil && r.cfg.LedgerRetention > 0 {
		pctx, cancel := context.WithTimeout(ctx, pruneTimeout)
		n, err := r.pruner.PruneBefore(pctx, now.Add(-r.cfg.LedgerRetention))
		cancel()
		if err != nil {
			r.log.Warn().Err(err).Msg("ledger prune failed")
		} else if n > 0 {
			r.log.Info().Int64("records", n).Msg("ledger pruned")
		}
		res.Pruned = n
	}
	return res
}

func (r *Reaper) expired(st coordinator.State, now time.Time) string {
	switch {
	case st.Suspended:
		if r.cfg.MaxSuspended > 0 && now.Sub(st.SuspendedAt) > r.cfg.MaxSuspended {
			return ReasonSuspended
		}
	case st.Running:
		if r.cfg.MaxRunning > 0 && now.Sub(st.UpdatedAt) > r.cfg.MaxRunning {
			return ReasonRunning
		}
	}
	return ""
}

func (r *Reaper) since(st coordinator.State) time.Time {
	if st.Suspended {
		return st.SuspendedAt
	}
	return st.UpdatedAt
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
