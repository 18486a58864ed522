package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"deckhand/internal/agent"
	"deckhand/internal/agent/script"
	"deckhand/internal/config"
	"deckhand/internal/coordinator"
	"deckhand/internal/policy"
	"deckhand/internal/server"
)

// Decider answers an approval request that needs a human.
type Decider func(req agent.ApprovalRequest) (bool, error)

// ErrRunFailed is returned when a local session ends with an error event.
var ErrRunFailed = errors.New("session failed")

// RunOptions configures a local session.
type RunOptions struct {
	SessionID string
	Script    string
	Mode      string
	Pairs     []string
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var (
		opts       RunOptions
		approveAll bool
		declineAll bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one agent session in the terminal",
		Long: `Run one agent session locally and stream its output to the terminal.

Approval requests the policy leaves to a human are answered with a single
key press (y/n) when stdin is a terminal, or by reading a line otherwise.
--approve-all and --decline-all answer every request without asking.`,
		Example: `  # Run the built-in demo script
  deckhand run

  # Run a named script from the script directory, auto-approving edits
  deckhand run --script refactor --mode autoApproveEdits

  # Forward extra context to the runtime
  deckhand run --context workspace=/repo --context branch=main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if approveAll && declineAll {
				return errors.New("--approve-all and --decline-all are mutually exclusive")
			}
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return errors.New("CLI context not initialized")
			}

			out := cmd.OutOrStdout()
			var decide Decider
			switch {
			case approveAll:
				decide = fixedDecider(true)
			case declineAll:
				decide = fixedDecider(false)
			case term.IsTerminal(int(os.Stdin.Fd())):
				decide = keyDecider(os.Stdin, out)
			default:
				decide = lineDecider(cmd.InOrStdin(), out)
			}

			var recorder coordinator.Recorder
			db, err := cliCtx.GetStorage()
			switch {
			case err == nil:
				recorder = server.NewRecorder(db)
			case errors.Is(err, ErrLedgerDisabled):
			default:
				cliCtx.Log().Warn().Err(err).Msg("run ledger unavailable, session will not be recorded")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return RunSession(ctx, cliCtx.Config, opts, recorder, decide, out)
		},
	}

	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id (default: generated)")
	cmd.Flags().StringVar(&opts.Script, "script", "", "script to run (default: runtime.default_script)")
	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", "", "permission mode: manual, autoApproveEdits, autoApproveAll")
	cmd.Flags().StringArrayVar(&opts.Pairs, "context", nil, "forwarding context entry key=value (repeatable)")
	cmd.Flags().BoolVar(&approveAll, "approve-all", false, "approve every request without asking")
	cmd.Flags().BoolVar(&declineAll, "decline-all", false, "decline every request without asking")

	return cmd
}

// RunSession runs one session to completion against the runtime configured
// in cfg, printing its output to out and asking decide for every approval
// request. Cancelling ctx cancels the session.
func RunSession(ctx context.Context, cfg *config.Config, opts RunOptions, recorder coordinator.Recorder, decide Decider, out io.Writer) error {
	rt, _, err := server.NewRuntime(cfg.Runtime)
	if err != nil {
		return err
	}

	fc, err := agent.ParsePairs(opts.Pairs)
	if err != nil {
		return err
	}
	if opts.Script != "" {
		fc = fc.Set(script.ContextKey, opts.Script)
	}

	var mode policy.PermissionMode
	if opts.Mode != "" {
		if mode, err = policy.ParseMode(opts.Mode); err != nil {
			return err
		}
	}
	var defaultMode policy.PermissionMode
	if cfg.Policy.DefaultMode != "" {
		if defaultMode, err = policy.ParseMode(cfg.Policy.DefaultMode); err != nil {
			return fmt.Errorf("policy.default_mode: %w", err)
		}
	}

	events := make(chan coordinator.Event, 64)
	finished := make(chan struct{})
	sink := coordinator.SinkFunc(func(_ string, ev coordinator.Event) {
		select {
		case events <- ev:
		case <-finished:
		}
	})
	coord, err := coordinator.New(coordinator.Options{
		Runtime:     rt,
		Sink:        sink,
		Engine:      server.NewEngine(cfg.Policy),
		Recorder:    recorder,
		DefaultMode: defaultMode,
	})
	if err != nil {
		return err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if err := coord.Start(sessionID, fc, mode); err != nil {
		return err
	}
	defer coord.Wait()
	defer close(finished)

	cancelled := false
	for {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				fmt.Fprintln(out, "\ncancelling...")
				_ = coord.Cancel(sessionID)
			}
			ctx = context.Background()

		case ev := <-events:
			switch ev.Type {
			case coordinator.EventChunk:
				if ev.Chunk == nil {
					continue
				}
				if !ev.Chunk.IsApprovalRequest() {
					printChunk(out, *ev.Chunk)
					continue
				}
				approved, err := decide(*ev.Chunk.Approval)
				if err != nil {
					_ = coord.Cancel(sessionID)
					cancelled = true
					fmt.Fprintf(out, "approval aborted: %v\n", err)
					continue
				}
				if err := coord.Resume(sessionID, approved, nil); err != nil {
					return err
				}

			case coordinator.EventDone:
				if cancelled {
					fmt.Fprintln(out, "session cancelled")
				} else {
					fmt.Fprintln(out, "session complete")
				}
				return nil

			case coordinator.EventError:
				return fmt.Errorf("%w: %s", ErrRunFailed, ev.Error)
			}
		}
	}
}

func printChunk(out io.Writer, c agent.Chunk) {
	switch {
	case c.Content != "":
		fmt.Fprintln(out, c.Content)
	case len(c.Data) > 0:
		fmt.Fprintln(out, string(c.Data))
	}
}

func describeRequest(req agent.ApprovalRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "approval requested: %s", req.ToolName)
	if len(req.Arguments) > 0 {
		fmt.Fprintf(&b, " %s", req.Arguments)
	}
	return b.String()
}

func fixedDecider(approved bool) Decider {
	return func(agent.ApprovalRequest) (bool, error) { return approved, nil }
}

// parseAnswer maps y/yes and n/no to a decision.
func parseAnswer(s string) (approved, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	}
	return false, false
}

// lineDecider reads one line per request. EOF declines.
func lineDecider(in io.Reader, out io.Writer) Decider {
	scanner := bufio.NewScanner(in)
	return func(req agent.ApprovalRequest) (bool, error) {
		for {
			fmt.Fprintf(out, "%s\napprove? [y/n] ", describeRequest(req))
			if !scanner.Scan() {
				fmt.Fprintln(out)
				return false, scanner.Err()
			}
			if approved, ok := parseAnswer(scanner.Text()); ok {
				return approved, nil
			}
		}
	}
}

// keyDecider reads a single key press with the terminal in raw mode.
// Ctrl-C aborts the session.
func keyDecider(f *os.File, out io.Writer) Decider {
	fd := int(f.Fd())
	return func(req agent.ApprovalRequest) (bool, error) {
		fmt.Fprintf(out, "%s\napprove? [y/n] ", describeRequest(req))

		state, err := term.MakeRaw(fd)
		if err != nil {
			return false, err
		}
		defer func() {
			_ = term.Restore(fd, state)
			fmt.Fprintln(out)
		}()

		buf := make([]byte, 1)
		for {
			if _, err := f.Read(buf); err != nil {
				return false, err
			}
			if buf[0] == 3 {
				return false, errors.New("interrupted")
			}
			if approved, ok := parseAnswer(string(buf)); ok {
				return approved, nil
			}
		}
	}
}
