package cmd

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

const scanPageSize = 500

func newScanCmd() *cobra.Command {
	var (
		pattern string
		limit   int
		output  string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List queued URIs in store order",
		Long: `Walks every queue in store order, printing items whose URI matches
--pattern. JSON output is one item per line; YAML output is a single list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pattern != "" {
				if _, err := regexp.Compile(pattern); err != nil {
					return fmt.Errorf("invalid --pattern: %w", err)
				}
			}
			if output != outputJSON && output != outputYAML {
				return fmt.Errorf("unsupported output %q", output)
			}
			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			var (
				all []frontier.CrawlURI
				m   = frontier.Marker{Pattern: pattern}
				enc = json.NewEncoder(cmd.OutOrStdout())
			)
			for !m.Done && (limit <= 0 || len(all) < limit) {
				page := scanPageSize
				if limit > 0 {
					page = min(page, limit-len(all))
				}
				var items []frontier.CrawlURI
				items, m, err = a.GetFrontier().ScanFrom(m, page)
				if err != nil {
					return fmt.Errorf("scan: %w", err)
				}
				for _, it := range items {
					if output == outputJSON {
						if err := enc.Encode(it); err != nil {
							return fmt.Errorf("encode item: %w", err)
						}
					}
				}
				all = append(all, items...)
			}
			if output == outputYAML {
				return writeValue(cmd.OutOrStdout(), outputYAML, all)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "regular expression the URI must match")
	cmd.Flags().IntVar(&limit, "max", 0, "stop after this many items (0 for all)")
	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "output format: json or yaml")
	return cmd
}
