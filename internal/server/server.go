// Package server assembles the coordinator, its runtime, the run ledger, the
// gateway, the reaper and the hot-reload watcher into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"deckhand/internal/agent"
	"deckhand/internal/agent/script"
	"deckhand/internal/config"
	"deckhand/internal/coordinator"
	"deckhand/internal/gateway"
	"deckhand/internal/gateway/handlers"
	"deckhand/internal/gateway/websocket"
	"deckhand/internal/policy"
	"deckhand/internal/reaper"
	"deckhand/internal/storage"
	"deckhand/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	Config *config.Config
	// ConfigPath is watched for policy changes. Empty disables config reload.
	ConfigPath string
	// Runtime overrides the runtime built from Config.Runtime.
	Runtime agent.Runtime
	// Listener overrides the configured gateway address.
	Listener net.Listener
	Logger   *zerolog.Logger
	// Version is the build version reported by /api/v1/health.
	Version string
}

// Server is the deckhand daemon.
type Server struct {
	cfg        *config.Config
	configPath string
	log        zerolog.Logger

	db      *storage.DB
	hub     *websocket.Hub
	coord   *coordinator.Coordinator
	scripts *script.Runtime
	gateway *gateway.Server
	reaper  *reaper.Reaper
	watcher *gateway.Watcher
	ln      net.Listener
}

// New builds every component. Nothing runs until Run.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	cfg := opts.Config

	s := &Server{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		ln:         opts.Listener,
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = *logger.Component("server")
	}

	rt := opts.Runtime
	if rt == nil {
		var err error
		rt, s.scripts, err = NewRuntime(cfg.Runtime)
		if err != nil {
			return nil, fmt.Errorf("runtime: %w", err)
		}
	}

	var (
		recorder coordinator.Recorder
		history  handlers.HistoryStore
		pruner   reaper.Pruner
	)
	if cfg.Storage.Driver != "none" {
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		s.db = db
		recorder, history, pruner = NewRecorder(db), db, db
	}

	var mode policy.PermissionMode
	if cfg.Policy.DefaultMode != "" {
		m, err := policy.ParseMode(cfg.Policy.DefaultMode)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("policy.default_mode: %w", err)
		}
		mode = m
	}

	s.hub = websocket.NewHub()
	var err error
	s.coord, err = coordinator.New(coordinator.Options{
		Runtime:     rt,
		Sink:        s.hub,
		Engine:      NewEngine(cfg.Policy),
		Recorder:    recorder,
		DefaultMode: mode,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.hub.SetController(s.coord)

	s.gateway = gateway.NewServer(cfg, s.hub, s.coord, history)
	if opts.Version != "" {
		s.gateway.SetVersion(opts.Version)
	}

	if cfg.Reaper.Enabled {
		s.reaper, err = reaper.New(cfg.Reaper, s.coord, pruner)
		if err != nil {
			s.close()
			return nil, err
		}
	}

	if err := s.setupWatcher(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) setupWatcher() error {
	var targets []string
	if s.configPath != "" {
		if _, err := os.Stat(s.configPath); err == nil {
			targets = append(targets, s.configPath)
		}
	}
	if s.scripts != nil && s.scripts.Dir() != "" {
		if err := os.MkdirAll(s.scripts.Dir(), 0755); err != nil {
			s.log.Warn().Err(err).Str("dir", s.scripts.Dir()).Msg("Cannot create script directory")
		} else {
			targets = append(targets, s.scripts.Dir())
		}
	}
	if len(targets) == 0 {
		return nil
	}

	w, err := gateway.NewWatcher(s.hub)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	for _, path := range targets {
		reload := s.reloadScripts
		if path == s.configPath {
			reload = s.reloadConfig
		}
		if err := w.Watch(path, reload); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}
	s.watcher = w
	return nil
}

// reloadConfig rereads the config file and swaps the approval policy. Other
// sections need a restart.
func (s *Server) reloadConfig(path string) error {
	config.Reset()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	s.coord.SetEngine(NewEngine(cfg.Policy))
	s.log.Info().
		Strs("edit_tools", cfg.Policy.EditTools).
		Strs("blocked_tools", cfg.Policy.BlockedTools).
		Msg("Approval policy reloaded")
	return nil
}

func (s *Server) reloadScripts(string) error {
	_, err := s.scripts.Reload()
	return err
}

// Run serves until ctx is done, then shuts everything down. Live sessions
// are cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln := s.ln
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Gateway.Addr())
		if err != nil {
			s.close()
			return fmt.Errorf("listen %s: %w", s.cfg.Gateway.Addr(), err)
		}
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		return s.gateway.Serve(ln)
	})
	if s.reaper != nil {
		s.reaper.Start()
	}
	if s.watcher != nil {
		s.watcher.Start()
	}

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("runtime", s.runtimeKind()).
		Bool("ledger", s.db != nil).
		Msg("deckhand started")

	<-gctx.Done()
	shutdownErr := s.shutdown()
	stopHub()

	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.reaper != nil {
		<-s.reaper.Stop().Done()
	}

	var errs []error
	if err := s.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	// sessions publish their done events while the hub still runs
	if err := s.coord.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator: %w", err))
	}
	s.close()

	s.log.Info().Msg("deckhand stopped")
	return errors.Join(errs...)
}

func (s *Server) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close ledger")
		}
		s.db = nil
	}
}

func (s *Server) runtimeKind() string {
	if s.scripts != nil {
		return RuntimeScript
	}
	if s.cfg.Runtime.Kind != "" {
		return s.cfg.Runtime.Kind
	}
	return "custom"
}

// Coordinator returns the session coordinator.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Hub returns the websocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
