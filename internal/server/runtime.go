package server

import (
	"fmt"

	"deckhand/internal/agent"
	"deckhand/internal/agent/httpruntime"
	"deckhand/internal/agent/script"
	"deckhand/internal/config"
	"deckhand/internal/policy"
)

// Runtime kinds.
const (
	RuntimeScript = "script"
	RuntimeHTTP   = "http"
)

// NewRuntime builds the agent runtime named by cfg.Kind. For the script
// runtime the concrete *script.Runtime is returned as well so callers can
// reload it.
func NewRuntime(cfg config.RuntimeConfig) (agent.Runtime, *script.Runtime, error) {
	switch cfg.Kind {
	case "", RuntimeScript:
		dir, err := config.ExpandPath(cfg.ScriptDir)
		if err != nil {
			return nil, nil, fmt.Errorf("script dir: %w", err)
		}
		rt, err := script.New(script.Options{
			Dir:        dir,
			Default:    cfg.DefaultScript,
			ChunkDelay: cfg.ChunkDelay,
		})
		if err != nil {
			return nil, nil, err
		}
		return rt, rt, nil

	case RuntimeHTTP:
		c, err := httpruntime.New(httpruntime.Options{
			Endpoint: cfg.Endpoint,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown runtime kind %q", cfg.Kind)
	}
}

// NewEngine builds the approval policy from cfg.
func NewEngine(cfg config.PolicyConfig) *policy.Engine {
	return policy.NewEngine(policy.Config{
		EditTools:    cfg.EditTools,
		BlockedTools: cfg.BlockedTools,
	})
}
