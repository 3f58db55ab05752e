package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-frontier/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the frontier with its HTTP API",
		Long: `Opens the frontier store, starts the journal sinks and serves the
scheduling and admin API until interrupted. With workers.count > 0 an
in-process dry-run worker pool drains the frontier as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("init frontier services: %w", err)
			}
			return server.New(a).Run(cmd.Context())
		},
	}
}
