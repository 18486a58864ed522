package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"deckhand/internal/agent"
	"deckhand/internal/coordinator"
	"deckhand/internal/gateway/handlers"
	"deckhand/internal/storage"
)

// NewSessionsCmd creates the sessions command.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control sessions",
		Long: `Inspect the run ledger, or list and control the live sessions of a
running server.`,
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsLiveCmd())
	cmd.AddCommand(newSessionsResumeCmd("approve", true))
	cmd.AddCommand(newSessionsResumeCmd("decline", false))
	cmd.AddCommand(newSessionsCancelCmd())

	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ledger(cmd)
			if err != nil {
				return err
			}
			records, err := db.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, records)
			}
			printRecords(out, records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of records")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the recorded history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ledger(cmd)
			if err != nil {
				return err
			}
			records, err := db.SessionHistory(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("session not found: %s", args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, records)
			}
			printHistory(out, records)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newSessionsLiveCmd() *cobra.Command {
	var (
		serverURL  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "live",
		Short: "List the live sessions of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Sessions []coordinator.State `json:"sessions"`
			}
			if err := newAPIClient(cmd, serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/sessions", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, resp.Sessions)
			}
			printLive(out, resp.Sessions)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", "", "server URL (default: from gateway config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newSessionsResumeCmd(use string, approved bool) *cobra.Command {
	var (
		serverURL string
		pairs     []string
	)

	cmd := &cobra.Command{
		Use:   use + " <session-id>",
		Short: fmt.Sprintf("Answer a suspended session's approval request (%s)", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := agent.ParsePairs(pairs)
			if err != nil {
				return err
			}
			body := handlers.ResumeRequest{Approved: approved, Context: extra}
			path := "/api/v1/sessions/" + url.PathEscape(args[0]) + "/resume"
			if err := newAPIClient(cmd, serverURL).do(cmd.Context(), http.MethodPost, path, body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %sd\n", args[0], use)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", "", "server URL (default: from gateway config)")
	cmd.Flags().StringArrayVar(&pairs, "context", nil, "context entry key=value merged before resuming (repeatable)")

	return cmd
}

func newSessionsCancelCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/sessions/" + url.PathEscape(args[0]) + "/cancel"
			if err := newAPIClient(cmd, serverURL).do(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s: cancelled\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", "", "server URL (default: from gateway config)")

	return cmd
}

func ledger(cmd *cobra.Command) (*storage.DB, error) {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return nil, errors.New("CLI context not initialized")
	}
	return cliCtx.GetStorage()
}

// apiClient talks to the gateway of a running server.
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(cmd *cobra.Command, serverURL string) *apiClient {
	if serverURL == "" {
		serverURL = "http://127.0.0.1:8080"
		if cliCtx := GetCLIContext(cmd); cliCtx != nil && cliCtx.Config != nil {
			serverURL = "http://" + cliCtx.Config.Gateway.Addr()
		}
	}
	return &apiClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out. Error
// responses are returned as *handlers.APIError.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return handlers.DecodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecords(out io.Writer, records []storage.SessionRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMODE\tSTARTED\tOUTCOME\tAPPROVALS")
	fmt.Fprintln(w, "-------\t----\t-------\t-------\t---------")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			r.SessionID,
			r.Mode,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			outcomeLabel(r),
			len(r.Approvals),
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d sessions\n", len(records))
}

func printHistory(out io.Writer, records []storage.SessionRecord) {
	for i, r := range records {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "Session:  %s\n", r.SessionID)
		fmt.Fprintf(out, "Mode:     %s\n", r.Mode)
		fmt.Fprintf(out, "Started:  %s\n", r.StartedAt.Local().Format(time.RFC3339))
		if r.EndedAt != nil {
			fmt.Fprintf(out, "Ended:    %s\n", r.EndedAt.Local().Format(time.RFC3339))
		}
		fmt.Fprintf(out, "Outcome:  %s\n", outcomeLabel(r))
		if r.Error != "" {
			fmt.Fprintf(out, "Error:    %s\n", r.Error)
		}
		if len(r.Context) > 0 && string(r.Context) != "[]" {
			fmt.Fprintf(out, "Context:  %s\n", r.Context)
		}
		if len(r.Approvals) == 0 {
			continue
		}

		fmt.Fprintln(out, "Approvals:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, a := range r.Approvals {
			decision := "declined"
			if a.Approved {
				decision = "approved"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\tby %s\n",
				a.CreatedAt.Local().Format("15:04:05"),
				a.ToolName,
				decision,
				a.Source,
			)
		}
		w.Flush()
	}
}

func printLive(out io.Writer, sessions []coordinator.State) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No live sessions.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMODE\tSTATE\tPENDING\tSTARTED")
	fmt.Fprintln(w, "-------\t----\t-----\t-------\t-------")
	for _, s := range sessions {
		state := "idle"
		switch {
		case s.Suspended:
			state = "suspended"
		case s.Running:
			state = "running"
		}
		pending := "-"
		if s.PendingApproval != nil {
			pending = s.PendingApproval.ToolName
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.SessionID,
			s.Mode,
			state,
			pending,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d sessions\n", len(sessions))
}

func outcomeLabel(r storage.SessionRecord) string {
	if r.Open() {
		return "open"
	}
	return r.Outcome
}
