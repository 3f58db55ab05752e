package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge CLASS_KEY PATTERN",
		Short: "Delete a queue's URIs that match a regular expression",
		Long: `Removes every queued URI of CLASS_KEY whose URI matches PATTERN, for
example to drop a crawler trap. An item currently handed out is spared.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			n, err := a.GetFrontier().DeleteMatching(args[0], args[1])
			if err != nil {
				return fmt.Errorf("purge %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d uris from %s\n", n, args[0])
			return err
		},
	}
}
