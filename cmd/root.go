// Package cmd defines the CLI commands for the frontier executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/app"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/logging"
)

var cfgFile string

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE resolves for every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "A persistent, politeness-aware crawl frontier.",
		Long: `frontier schedules discovered URIs into per-host queues, hands them
to fetch workers one host at a time, and enforces per-host delays and
crawl budgets. State lives in an embedded key-value store so a crawl
survives restarts.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, env{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newReportCmd(),
		newScanCmd(),
		newPurgeCmd(),
		newSeedCmd(),
	)
	return cmd
}

func resolveEnv(ctx context.Context) (env, error) {
	e, ok := ctx.Value(envKey).(env)
	if !ok {
		return env{}, errors.New("command environment not initialized")
	}
	return e, nil
}

// openOffline opens the frontier for a one-shot admin command. The journal is
// left off so offline maintenance does not publish to the crawl's sinks.
func openOffline(cmd *cobra.Command) (*app.App, error) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return nil, err
	}
	cfg := e.cfg
	cfg.Journal.Enabled = false
	a, err := newApp(cmd.Context(), cfg, e.logger)
	if err != nil {
		return nil, fmt.Errorf("open frontier: %w", err)
	}
	return a, nil
}

func closeApp(cmd *cobra.Command, a *app.App) {
	if err := a.Close(cmd.Context()); err != nil {
		a.GetLogger().Warn("close failed", zap.Error(err))
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
