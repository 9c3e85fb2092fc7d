package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/covers"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/snapshot"
	"github.com/JakeFAU/catalog-harvester/internal/spreadsheet"
	"github.com/JakeFAU/catalog-harvester/internal/stats"
)

// ExportRequest selects the snapshots to export and whether to embed covers.
// Snapshot wins over AllFiles; with neither set the newest snapshot is used.
type ExportRequest struct {
	IncludeImages bool   `json:"include_images"`
	AllFiles      bool   `json:"all_files"`
	Snapshot      string `json:"snapshot,omitempty"`
}

// DefaultExportRequest returns the export configured under export.*.
func (a *App) DefaultExportRequest() ExportRequest {
	return ExportRequest{
		IncludeImages: a.cfg.Export.IncludeImages,
		AllFiles:      !a.cfg.Export.LatestOnly,
	}
}

// StartExport builds a spreadsheet in the background and returns its queued run.
func (a *App) StartExport(_ context.Context, req ExportRequest) (catalog.Run, error) {
	run, runCtx, err := a.begin(a.baseCtx, catalog.RunKindExport, false)
	if err != nil {
		return catalog.Run{}, err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.end(run.ID)
		_, _ = a.export(runCtx, run.ID, req)
	}()
	return run, nil
}

// RunExport builds a spreadsheet on the calling goroutine.
func (a *App) RunExport(ctx context.Context, req ExportRequest) (catalog.Run, spreadsheet.Report, error) {
	run, runCtx, err := a.begin(ctx, catalog.RunKindExport, false)
	if err != nil {
		return catalog.Run{}, spreadsheet.Report{}, err
	}
	defer a.end(run.ID)
	report, err := a.export(runCtx, run.ID, req)
	return run, report, err
}

func (a *App) export(ctx context.Context, runID string, req ExportRequest) (spreadsheet.Report, error) {
	logger := a.logger.With(zap.String("run_id", runID))
	a.markRunning(ctx, runID)
	a.emit(progress.Event{RunID: runID, Stage: progress.StageExportStart})
	started := a.clock.Now()

	report, err := a.buildExport(ctx, req, logger)
	dur := a.clock.Now().Sub(started)
	if dur < 0 {
		dur = 0
	}
	if err != nil {
		logger.Error("Export failed", zap.Error(err))
		a.emit(progress.Event{RunID: runID, Stage: progress.StageExportError, Dur: dur, Note: err.Error()})
		a.finish(ctx, runID, catalog.RunProgress{}, err)
		return spreadsheet.Report{}, err
	}
	a.emit(progress.Event{
		RunID: runID,
		Stage: progress.StageExportDone,
		Items: report.Rows,
		Path:  report.Path,
		Dur:   dur,
	})
	a.finish(ctx, runID, catalog.RunProgress{Items: report.Rows, Path: report.Path}, nil)
	return report, nil
}

func (a *App) buildExport(ctx context.Context, req ExportRequest, logger *zap.Logger) (spreadsheet.Report, error) {
	items, used, err := snapshot.Collect(snapshot.Selection{
		Path: req.Snapshot,
		All:  req.AllFiles,
		Dir:  a.cfg.Output.Directory,
	}, logger)
	if err != nil {
		return spreadsheet.Report{}, fmt.Errorf("collect snapshots: %w", err)
	}
	logger.Info("Exporting items",
		zap.Int("items", len(items)),
		zap.Int("snapshots", len(used)),
		zap.Bool("images", req.IncludeImages),
	)
	return a.builder.Build(ctx, items, spreadsheet.Options{
		Tags:          a.cfg.Crawl.Tags,
		IncludeImages: req.IncludeImages,
	})
}

// DownloadCovers saves the large cover of every item in the newest snapshot
// into the covers directory.
func (a *App) DownloadCovers(ctx context.Context) (covers.Report, error) {
	items, _, err := snapshot.Collect(snapshot.Selection{Dir: a.cfg.Output.Directory}, a.logger)
	if err != nil {
		return covers.Report{}, fmt.Errorf("collect snapshots: %w", err)
	}
	store, err := a.coverStore(true)
	if err != nil {
		return covers.Report{}, err
	}
	d, err := covers.New(a.images, store, a.cfg.Export.Concurrency, a.logger.Named("covers"))
	if err != nil {
		return covers.Report{}, err
	}
	report, err := d.Download(ctx, items)
	a.logger.Info("Cover download finished",
		zap.Int("downloaded", report.Downloaded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("no_cover", report.NoCover),
	)
	return report, err
}

// Stats summarizes snapshots, the image cache and downloaded covers.
func (a *App) Stats() (stats.Summary, error) {
	var coverUsage stats.UsageReporter
	store, err := a.coverStore(false)
	if err != nil {
		return stats.Summary{}, err
	}
	if store != nil {
		coverUsage = store
	}
	return stats.Collect(a.cfg.Output.Directory, a.cache, coverUsage, a.logger)
}
