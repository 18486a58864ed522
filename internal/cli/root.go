// Package cli implements the deckhand command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"deckhand/internal/config"
	"deckhand/pkg/logger"
)

// GlobalFlags 全局标志
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

// contextKey CLI 上下文键
type contextKey struct{}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deckhand",
		Short: "Deckhand - agent session coordinator",
		Long: `Deckhand runs agent sessions: it streams each run's output to
subscribers, applies the approval policy to tool calls, and waits for a
human decision when the policy asks for one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// version 和 help 不需要配置
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			cliCtx, err := bootstrap(globalFlags)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, cliCtx))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cliCtx := GetCLIContext(cmd); cliCtx != nil {
				return cliCtx.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path (default ~/.deckhand/config.yaml)")
	flags.BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "log errors only")

	rootCmd.AddCommand(
		NewServeCmd(),
		NewRunCmd(),
		NewSessionsCmd(),
		NewConfigCmd(),
		NewVersionCmd(),
	)

	return rootCmd
}

// bootstrap loads the configuration, initialises the logger and resolves
// the ledger path.
func bootstrap(flags GlobalFlags) (*CLIContext, error) {
	configPath := flags.ConfigPath
	if configPath == "" {
		var err error
		if configPath, err = config.DefaultConfigPath(); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	switch {
	case flags.Quiet:
		level = "error"
	case flags.Verbose:
		level = "debug"
	}
	if err := logger.Init(logger.LogConfig{
		Level:  level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}); err != nil {
		return nil, err
	}

	storagePath, err := config.ExpandPath(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if storagePath == "" {
		if storagePath, err = config.DefaultDataPath(); err != nil {
			return nil, err
		}
	}
	cfg.Storage.Path = storagePath

	return NewCLIContext(cfg, configPath, logger.Get(), storagePath, flags.Verbose, flags.Quiet), nil
}

// GetCLIContext 从命令上下文获取 CLI 上下文
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, _ := ctx.Value(contextKey{}).(*CLIContext)
	return cliCtx
}
