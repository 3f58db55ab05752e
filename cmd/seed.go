package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

func newSeedCmd() *cobra.Command {
	var (
		file     string
		priority int
		cost     int
	)
	cmd := &cobra.Command{
		Use:   "seed [URI...]",
		Short: "Schedule seed URIs",
		Long: `Schedules the URIs given as arguments and, with --file, one URI per
line from a file ("-" reads stdin). Blank lines and lines starting with
# are skipped. Each URI is queued under its lowercase host.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			uris := append([]string(nil), args...)
			if file != "" {
				more, err := readSeedFile(cmd, file)
				if err != nil {
					return err
				}
				uris = append(uris, more...)
			}
			if len(uris) == 0 {
				return fmt.Errorf("no URIs given")
			}

			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			var scheduled, skipped int
			for _, raw := range uris {
				classKey := frontier.HostClassKey(raw)
				if classKey == "" {
					a.GetLogger().Warn("skipping URI without host", zap.String("uri", raw))
					skipped++
					continue
				}
				err := a.GetFrontier().Schedule(frontier.CrawlURI{
					URI:      raw,
					ClassKey: classKey,
					Priority: priority,
					Cost:     cost,
				})
				if err != nil {
					return fmt.Errorf("schedule %s: %w", raw, err)
				}
				scheduled++
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "scheduled %d uris, skipped %d\n", scheduled, skipped)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", `file with one URI per line ("-" for stdin)`)
	cmd.Flags().IntVar(&priority, "priority", 0, "priority for every seed, 0 is most urgent (0-255)")
	cmd.Flags().IntVar(&cost, "cost", 1, "cost for every seed (0-255)")
	return cmd
}

func readSeedFile(cmd *cobra.Command, path string) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open seed file: %w", err)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return out, nil
}
