package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"deckhand/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the deckhand gateway server",
		Long: `Start the deckhand gateway server.

This command starts:
- the session coordinator and its agent runtime
- the HTTP API and the /ws event stream
- the reaper for sessions left suspended or running too long
- hot reload of the approval policy and the script directory

The server listens on the configured host and port (default: 127.0.0.1:8080).`,
		Example: `  # Start server with default configuration
  deckhand serve

  # Start server with custom port
  deckhand serve --port 9000

  # Start server against a remote agent runtime
  deckhand serve --runtime http --endpoint http://127.0.0.1:9090`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	cmd.Flags().String("runtime", "", "agent runtime: script or http (overrides config)")
	cmd.Flags().String("endpoint", "", "endpoint of the http runtime (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return errors.New("CLI context not initialized")
	}

	cfg := cliCtx.Config
	log := cliCtx.Log()

	// Override config with flags if provided
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	if kind, _ := cmd.Flags().GetString("runtime"); kind != "" {
		cfg.Runtime.Kind = kind
	}
	if endpoint, _ := cmd.Flags().GetString("endpoint"); endpoint != "" {
		cfg.Runtime.Endpoint = endpoint
	}

	srv, err := server.New(server.Options{
		Config:     cfg,
		ConfigPath: cliCtx.ConfigPath,
		Logger:     log,
		Version:    Version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("address", fmt.Sprintf("http://%s", cfg.Gateway.Addr())).
		Msg("Starting deckhand server...")

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Server error")
		return err
	}
	return nil
}
