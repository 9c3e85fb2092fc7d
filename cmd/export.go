package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-harvester/internal/stats"
)

func newExportCmd() *cobra.Command {
	var (
		noImages bool
		allFiles bool
		snapshot string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Build a spreadsheet from harvested snapshots",
		Long: `Reads the newest snapshot (or every snapshot with --all-files, or a single
file with --snapshot) and writes a spreadsheet to the export directory. Cover
thumbnails are embedded unless --no-images is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := appInstance.DefaultExportRequest()
			if cmd.Flags().Changed("no-images") {
				req.IncludeImages = !noImages
			}
			if cmd.Flags().Changed("all-files") {
				req.AllFiles = allFiles
			}
			req.Snapshot = snapshot

			run, report, err := appInstance.RunExport(cmd.Context(), req)
			if err != nil {
				return runError("export", run.ID, err)
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "wrote %d rows to %s\n", report.Rows, report.Path); err != nil {
				return err
			}
			if req.IncludeImages {
				_, err = fmt.Fprintf(out, "images embedded: %d, failed: %d\n", report.ImagesEmbedded, report.ImagesFailed)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&noImages, "no-images", false, "skip downloading and embedding cover thumbnails")
	cmd.Flags().BoolVar(&allFiles, "all-files", false, "export every snapshot instead of the newest")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "export this snapshot file only")
	return cmd
}

func newCoversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "covers",
		Short: "Download full-size covers for the newest snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.DownloadCovers(cmd.Context())
			if err != nil {
				return fmt.Errorf("download covers: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"downloaded %d, skipped %d, failed %d, without cover %d\n",
				report.Downloaded, report.Skipped, report.Failed, report.NoCover)
			return err
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize snapshots, cache and covers on disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Stats()
			if err != nil {
				return fmt.Errorf("collect stats: %w", err)
			}
			return stats.Render(cmd.OutOrStdout(), summary, time.Now())
		},
	}
}
