// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
)

// newCrawlCmd creates the 'crawl' subcommand, which harvests the listing once
// and writes a snapshot.
func newCrawlCmd() *cobra.Command {
	var req app.CrawlRequest
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Harvest the listing once and write a snapshot",
		Long: `Pages through the configured listing endpoint, retrying failed pages and
whole crawls as configured, and writes the harvested items to a timestamped
JSON snapshot in the output directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			run, out, err := appInstance.RunCrawl(cmd.Context(), req)
			if err != nil {
				return runError("crawl", run.ID, err)
			}
			appInstance.Logger().Info("Crawl command finished.",
				zap.String("run_id", run.ID),
				zap.String("path", out.Path),
				zap.Int("attempts", out.Attempts),
			)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved %d of %d items to %s\n",
				out.Snapshot.Count, out.Snapshot.Total, out.Path)
			return err
		},
	}
	cmd.Flags().StringVar(&req.Tags, "tags", "", "override crawl.tags for this run")
	cmd.Flags().StringVar(&req.Sort, "sort", "", "override crawl.sort for this run (U, T, S or R)")
	cmd.Flags().IntVar(&req.MaxItems, "max-items", 0, "override crawl.actual_count for this run")
	return cmd
}

func runError(kind, runID string, err error) error {
	if runID == "" {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return fmt.Errorf("%s run %s: %w", kind, runID, err)
}
