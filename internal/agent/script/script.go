// Package script provides a deterministic agent runtime that replays YAML
// scripts. It backs local runs, demos and tests.
package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownScript = errors.New("script: unknown script")
	ErrInvalidScript = errors.New("script: invalid script")
)

// Script is a canned agent conversation.
//
//	name: refactor
//	start:
//	  - content: "reading main.go"
//	  - approval: {id: w1, tool: write_file, arguments: {path: main.go}}
//	on_approve:
//	  w1:
//	    - content: "main.go updated"
//	on_decline:
//	  w1:
//	    - content: "leaving main.go alone"
type Script struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Start       []Step            `yaml:"start"`
	OnApprove   map[string][]Step `yaml:"on_approve,omitempty"`
	OnDecline   map[string][]Step `yaml:"on_decline,omitempty"`

	FilePath string    `yaml:"-"`
	LoadedAt time.Time `yaml:"-"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	Content  string         `yaml:"content,omitempty"`
	Approval *ApprovalStep  `yaml:"approval,omitempty"`
	Error    string         `yaml:"error,omitempty"`
	Sleep    time.Duration  `yaml:"sleep,omitempty"`
	Data     map[string]any `yaml:"data,omitempty"`
}

// ApprovalStep pauses the run on a tool-call request.
type ApprovalStep struct {
	ID        string         `yaml:"id"`
	Tool      string         `yaml:"tool"`
	Arguments map[string]any `yaml:"arguments,omitempty"`
}

func (s Step) kinds() int {
	n := 0
	if s.Content != "" || s.Data != nil {
		n++
	}
	if s.Approval != nil {
		n++
	}
	if s.Error != "" {
		n++
	}
	if s.Sleep > 0 {
		n++
	}
	return n
}

func (a *ApprovalStep) arguments() (json.RawMessage, error) {
	if len(a.Arguments) == 0 {
		return nil, nil
	}
	return json.Marshal(a.Arguments)
}

// Validate checks that every step has one kind, that approvals end their
// step list and that approval ids are unique.
func (s *Script) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScript)
	}
	if len(s.Start) == 0 {
		return fmt.Errorf("%w: %s: start has no steps", ErrInvalidScript, s.Name)
	}

	seen := make(map[string]bool)
	check := func(where string, steps []Step) error {
		for i, st := range steps {
			if st.kinds() != 1 {
				return fmt.Errorf("%w: %s: %s step %d must set exactly one of content, approval, error, sleep",
					ErrInvalidScript, s.Name, where, i)
			}
			if st.Approval == nil {
				continue
			}
			if st.Approval.ID == "" || st.Approval.Tool == "" {
				return fmt.Errorf("%w: %s: %s step %d: approval needs id and tool", ErrInvalidScript, s.Name, where, i)
			}
			if i != len(steps)-1 {
				return fmt.Errorf("%w: %s: %s step %d: approval must be the last step", ErrInvalidScript, s.Name, where, i)
			}
			if seen[st.Approval.ID] {
				return fmt.Errorf("%w: %s: duplicate approval id %q", ErrInvalidScript, s.Name, st.Approval.ID)
			}
			seen[st.Approval.ID] = true
			if _, err := st.Approval.arguments(); err != nil {
				return fmt.Errorf("%w: %s: approval %s arguments: %v", ErrInvalidScript, s.Name, st.Approval.ID, err)
			}
		}
		return nil
	}

	if err := check("start", s.Start); err != nil {
		return err
	}
	for _, branch := range []struct {
		name  string
		steps map[string][]Step
	}{{"on_approve", s.OnApprove}, {"on_decline", s.OnDecline}} {
		keys := make([]string, 0, len(branch.steps))
		for k := range branch.steps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := check(branch.name+"."+k, branch.steps[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Parse decodes and validates a script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a script from path. A script without a name is named after
// its file.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}

	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidScript, path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.FilePath = path
	s.LoadedAt = time.Now()
	return &s, nil
}

// IsScriptFile reports whether path looks like a script.
func IsScriptFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadDir loads every *.yaml and *.yml file in dir. A missing directory
// yields no scripts. Invalid files are logged and skipped.
func LoadDir(dir string) ([]*Script, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var scripts []*Script
	for _, entry := range entries {
		if entry.IsDir() || !IsScriptFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		s, err := LoadFile(path)
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("failed to load script, skipping")
			continue
		}
		scripts = append(scripts, s)
		log.Debug().Str("script", s.Name).Str("path", path).Msg("loaded script")
	}
	return scripts, nil
}

// Builtin is the script used when none is configured. It exercises content
// and both approval paths.
const Builtin = `name: demo
description: reads a file, asks to edit it, then asks to run the tests
start:
  - content: "Reading internal/app/server.go"
  - content: "The handler leaks a goroutine when the client disconnects."
  - approval:
      id: edit-1
      tool: edit_file
      arguments:
        path: internal/app/server.go
        summary: stop the worker when the request context is done
on_approve:
  edit-1:
    - content: "Patched internal/app/server.go"
    - approval:
        id: test-1
        tool: shell
        arguments:
          command: go test ./internal/app/...
  test-1:
    - content: "ok  internal/app  0.412s"
    - content: "All tests pass."
on_decline:
  edit-1:
    - content: "Leaving the file unchanged. The leak remains."
  test-1:
    - content: "Skipping the test run."
`

// MustBuiltin parses Builtin.
func MustBuiltin() *Script {
	s, err := Parse([]byte(Builtin))
	if err != nil {
		panic(err)
	}
	return s
}
