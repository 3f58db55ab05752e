package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

func newReportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the state of every queue",
		Long: `Opens the frontier store read-write (the server must be stopped) and
prints totals and per-queue state, budgets and costs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			snap := a.GetFrontier().Snapshot()
			if output == outputText {
				_, err := fmt.Fprint(cmd.OutOrStdout(), frontier.FormatReport(snap))
				return err
			}
			return writeValue(cmd.OutOrStdout(), output, snap)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text, json or yaml")
	return cmd
}
