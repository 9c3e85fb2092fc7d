package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// CrawlRequest overrides the configured listing parameters for one crawl.
// Zero values keep the configured setting.
type CrawlRequest struct {
	Tags     string `json:"tags,omitempty"`
	Sort     string `json:"sort,omitempty"`
	MaxItems int    `json:"max_items,omitempty"`
}

// SnapshotNotice is published after a snapshot has been written.
type SnapshotNotice struct {
	RunID string `json:"run_id"`
	Path  string `json:"path"`
	URI   string `json:"uri,omitempty"`
	Count int    `json:"count"`
	Total int    `json:"total"`
}

// StartCrawl launches a crawl in the background and returns its queued run.
// It returns ErrCrawlInProgress while another crawl is running.
func (a *App) StartCrawl(_ context.Context, req CrawlRequest) (catalog.Run, error) {
	crawlCfg, err := a.crawlConfig(req)
	if err != nil {
		return catalog.Run{}, err
	}
	run, runCtx, err := a.begin(a.baseCtx, catalog.RunKindCrawl, true)
	if err != nil {
		return catalog.Run{}, err
	}
	a.logger.Info("Crawl queued", zap.String("run_id", run.ID), zap.String("tags", crawlCfg.Tags))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.end(run.ID)
		_, _ = a.crawl(runCtx, run.ID, crawlCfg)
	}()
	return run, nil
}

// RunCrawl performs a crawl on the calling goroutine.
func (a *App) RunCrawl(ctx context.Context, req CrawlRequest) (catalog.Run, crawler.Outcome, error) {
	crawlCfg, err := a.crawlConfig(req)
	if err != nil {
		return catalog.Run{}, crawler.Outcome{}, err
	}
	run, runCtx, err := a.begin(ctx, catalog.RunKindCrawl, true)
	if err != nil {
		return catalog.Run{}, crawler.Outcome{}, err
	}
	defer a.end(run.ID)
	out, err := a.crawl(runCtx, run.ID, crawlCfg)
	return run, out, err
}

func (a *App) crawlConfig(req CrawlRequest) (crawler.Config, error) {
	cfg := crawler.Config{
		StartOffset: a.cfg.Crawl.StartOffset,
		PageSize:    a.cfg.Crawl.PageSize,
		Tags:        a.cfg.Crawl.Tags,
		MaxItems:    a.cfg.Crawl.ActualCount,
	}
	sortKey := a.cfg.Crawl.Sort
	if req.Tags != "" {
		cfg.Tags = req.Tags
	}
	if req.Sort != "" {
		sortKey = req.Sort
	}
	if req.MaxItems < 0 {
		return crawler.Config{}, fmt.Errorf("%w: max_items must be >= 0 (got %d)", ErrInvalidRequest, req.MaxItems)
	}
	if req.MaxItems > 0 {
		cfg.MaxItems = req.MaxItems
	}
	key, err := catalog.ParseSortKey(sortKey)
	if err != nil {
		return crawler.Config{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	cfg.Sort = key
	if err := cfg.Validate(); err != nil {
		return crawler.Config{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return cfg, nil
}

func (a *App) crawl(ctx context.Context, runID string, cfg crawler.Config) (crawler.Outcome, error) {
	logger := a.logger.With(zap.String("run_id", runID))
	orch, err := crawler.New(runID, cfg, crawler.Dependencies{
		Fetcher: a.fetcher,
		Writer:  a.writer,
		Pauser:  a.pauser,
		Clock:   a.clock,
		Emitter: a.hub,
		Logger:  a.logger.Named("crawler"),
	})
	if err != nil {
		a.finish(ctx, runID, catalog.RunProgress{}, err)
		return crawler.Outcome{}, err
	}

	a.markRunning(ctx, runID)
	policy := crawler.NewFixedRetryPolicy(a.cfg.Crawl.MaxAttempts, a.cfg.CrawlRetryDelay())
	out, err := orch.RunWithRetry(ctx, policy)
	prog := catalog.RunProgress{
		Pages:    out.Pages,
		Items:    out.Snapshot.Count,
		Total:    out.Snapshot.Total,
		Attempts: out.Attempts,
		Path:     out.Path,
	}
	if err != nil {
		a.finish(ctx, runID, prog, err)
		return out, err
	}

	a.distribute(ctx, runID, out, logger)
	a.finish(ctx, runID, prog, nil)
	return out, nil
}

// distribute mirrors the snapshot and announces it. Both steps are optional
// and their failures never fail the crawl.
func (a *App) distribute(ctx context.Context, runID string, out crawler.Outcome, logger *zap.Logger) {
	var uri string
	if a.mirror != nil {
		var err error
		uri, err = a.mirrorSnapshot(ctx, out.Path)
		metrics.ObserveSnapshotPublish("gcs", err)
		if err != nil {
			logger.Warn("Mirroring snapshot failed", zap.String("path", out.Path), zap.Error(err))
		} else {
			logger.Info("Snapshot mirrored", zap.String("uri", uri))
		}
	}
	if a.publisher == nil || a.cfg.PubSub.TopicName == "" {
		return
	}
	notice := SnapshotNotice{
		RunID: runID,
		Path:  out.Path,
		URI:   uri,
		Count: out.Snapshot.Count,
		Total: out.Snapshot.Total,
	}
	id, err := a.publisher.Publish(ctx, a.cfg.PubSub.TopicName, notice)
	metrics.ObserveSnapshotPublish("pubsub", err)
	if err != nil {
		logger.Warn("Publishing snapshot notice failed", zap.String("topic", a.cfg.PubSub.TopicName), zap.Error(err))
		return
	}
	logger.Info("Snapshot notice published", zap.String("message_id", id))
}

func (a *App) mirrorSnapshot(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	return a.mirror.PutObject(ctx, filepath.Base(path), "application/json", bytes.NewReader(data))
}
