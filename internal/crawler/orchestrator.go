package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// ErrAttemptsExhausted is returned when every whole-crawl attempt failed.
var ErrAttemptsExhausted = errors.New("crawl attempts exhausted")

// Phase is the lifecycle stage of a crawl.
type Phase int32

// Crawl phases. A crawl moves forward only: Unstarted, ShapeKnown once the
// first page reports the total, Fetching while later pages are requested,
// then Done or Failed.
const (
	PhaseUnstarted Phase = iota
	PhaseShapeKnown
	PhaseFetching
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnstarted:
		return "unstarted"
	case PhaseShapeKnown:
		return "shape_known"
	case PhaseFetching:
		return "fetching"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Config describes what to crawl.
type Config struct {
	StartOffset int
	PageSize    int
	Tags        string
	Sort        catalog.SortKey
	// MaxItems caps the harvested items; zero means no cap.
	MaxItems int
}

// Validate enforces the crawl bounds.
func (c Config) Validate() error {
	if c.StartOffset < 0 {
		return errors.New("start offset must be >= 0")
	}
	if c.PageSize <= 0 {
		return errors.New("page size must be > 0")
	}
	if c.MaxItems < 0 {
		return errors.New("max items must be >= 0")
	}
	if _, err := catalog.ParseSortKey(string(c.Sort)); err != nil {
		return err
	}
	return nil
}

// Dependencies are the collaborators of an Orchestrator. Fetcher and Writer
// are required.
type Dependencies struct {
	Fetcher catalog.PageFetcher
	Writer  catalog.SnapshotWriter
	Pauser  Pauser
	Clock   catalog.Clock
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Outcome describes a successful crawl.
type Outcome struct {
	Snapshot catalog.Snapshot
	Path     string
	Pages    int
	Attempts int
}

// Orchestrator runs one crawl at a time; it is not safe for concurrent Run calls.
type Orchestrator struct {
	runID   string
	cfg     Config
	fetcher catalog.PageFetcher
	writer  catalog.SnapshotWriter
	pauser  Pauser
	clock   catalog.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	phase   atomic.Int32
}

// New builds an Orchestrator for the run identified by runID.
func New(runID string, cfg Config, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}
	if deps.Fetcher == nil {
		return nil, errors.New("page fetcher is required")
	}
	if deps.Writer == nil {
		return nil, errors.New("snapshot writer is required")
	}
	if deps.Pauser == nil {
		deps.Pauser = TimerPause{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		runID:   runID,
		cfg:     cfg,
		fetcher: deps.Fetcher,
		writer:  deps.Writer,
		pauser:  deps.Pauser,
		clock:   deps.Clock,
		emitter: deps.Emitter,
		logger:  deps.Logger.With(zap.String("run_id", runID)),
	}, nil
}

// Phase returns the phase of the current or most recent crawl.
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

// Run performs a single crawl attempt and writes the snapshot on success.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	started := o.clock.Now()
	out, err := o.attempt(ctx, 0)
	out.Attempts = 1
	o.finish(started, out, err)
	if err != nil {
		return Outcome{Pages: out.Pages, Attempts: 1}, err
	}
	return out, nil
}

// RunWithRetry repeats whole crawls under policy until one succeeds. Each
// attempt starts from the first page. When the policy gives up the returned
// error wraps both ErrAttemptsExhausted and the last failure.
func (o *Orchestrator) RunWithRetry(ctx context.Context, policy RetryPolicy) (Outcome, error) {
	started := o.clock.Now()
	for attempt := 0; ; attempt++ {
		out, err := o.attempt(ctx, attempt)
		out.Attempts = attempt + 1
		if err == nil {
			o.finish(started, out, nil)
			return out, nil
		}
		if ctx.Err() != nil || !policy.ShouldRetry(err, attempt) {
			if ctx.Err() == nil {
				err = fmt.Errorf("%w after %d attempt(s): %w", ErrAttemptsExhausted, attempt+1, err)
			}
			o.finish(started, out, err)
			return Outcome{Pages: out.Pages, Attempts: out.Attempts}, err
		}
		wait := policy.Backoff(attempt)
		o.logger.Warn("Crawl attempt failed; retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		o.emit(progress.Event{Stage: progress.StageCrawlRetry, Attempt: attempt, Dur: wait, Note: err.Error()})
		if pauseErr := o.pauser.Pause(ctx, wait); pauseErr != nil {
			o.finish(started, out, pauseErr)
			return Outcome{Attempts: out.Attempts}, pauseErr
		}
	}
}

func (o *Orchestrator) attempt(ctx context.Context, attempt int) (Outcome, error) {
	o.phase.Store(int32(PhaseUnstarted))
	o.emit(progress.Event{Stage: progress.StageCrawlStart, Attempt: attempt})

	snap, pages, err := o.crawl(ctx)
	if err == nil {
		var path string
		path, err = o.writer.Write(ctx, snap)
		if err == nil {
			o.phase.Store(int32(PhaseDone))
			metrics.ObserveCrawl("success")
			metrics.AddItemsHarvested(snap.Count)
			return Outcome{Snapshot: snap, Path: path, Pages: pages}, nil
		}
		err = fmt.Errorf("write snapshot: %w", err)
	}
	o.phase.Store(int32(PhaseFailed))
	if ctx.Err() != nil {
		metrics.ObserveCrawl("canceled")
	} else {
		metrics.ObserveCrawl("failure")
	}
	return Outcome{Pages: pages}, err
}

// crawl fetches every page of the listing and returns the packaged snapshot
// along with the number of pages requested.
func (o *Orchestrator) crawl(ctx context.Context) (catalog.Snapshot, int, error) {
	pageSize := o.cfg.PageSize

	first, err := o.fetchPage(ctx, 0, o.cfg.StartOffset)
	if err != nil {
		return catalog.Snapshot{}, 1, err
	}
	pages := 1
	total := first.Total
	o.phase.Store(int32(PhaseShapeKnown))

	if total == 0 {
		o.logger.Info("Listing reports no items", zap.String("tags", o.cfg.Tags))
		o.emitPage(0, o.cfg.StartOffset, 0, 0, total)
		return catalog.NewSnapshot(first, nil), pages, nil
	}

	items, capped := o.accumulate(make([]catalog.Item, 0, len(first.Items)), first.Items)
	o.emitPage(0, o.cfg.StartOffset, len(first.Items), len(items), total)
	if capped {
		return catalog.NewSnapshot(first, items), pages, nil
	}

	totalPages := (total + pageSize - 1) / pageSize
	o.logger.Info("Listing shape known",
		zap.Int("total", total),
		zap.Int("pages", totalPages),
		zap.Int("page_size", pageSize),
	)

	o.phase.Store(int32(PhaseFetching))
	lastCount := len(first.Items)
	for pageIndex := 1; pageIndex < totalPages; pageIndex++ {
		offset := pageIndex * pageSize
		if offset >= total {
			break
		}
		delay := AdaptiveDelay(lastCount, pageSize)
		metrics.ObservePageDelay(delay)
		o.emit(progress.Event{Stage: progress.StagePageDelay, Page: pageIndex, Offset: offset, Dur: delay})
		if err := o.pauser.Pause(ctx, delay); err != nil {
			return catalog.Snapshot{}, pages, err
		}

		page, err := o.fetchPage(ctx, pageIndex, offset)
		pages++
		if err != nil {
			return catalog.Snapshot{}, pages, err
		}
		items, capped = o.accumulate(items, page.Items)
		o.emitPage(pageIndex, offset, len(page.Items), len(items), total)
		o.logger.Info("Fetched page",
			zap.Int("page", pageIndex+1),
			zap.Int("of", totalPages),
			zap.Int("items", len(page.Items)),
			zap.Int("harvested", len(items)),
		)
		if capped {
			break
		}
		lastCount = len(page.Items)
	}
	return catalog.NewSnapshot(first, items), pages, nil
}

func (o *Orchestrator) fetchPage(ctx context.Context, pageIndex, offset int) (catalog.PageResult, error) {
	if err := ctx.Err(); err != nil {
		return catalog.PageResult{}, fmt.Errorf("crawl canceled before page %d: %w", pageIndex, err)
	}
	req := catalog.PageRequest{
		Start: offset,
		Count: o.cfg.PageSize,
		Tags:  o.cfg.Tags,
		Sort:  o.cfg.Sort,
	}
	page, err := o.fetcher.FetchPage(ctx, req)
	if err != nil {
		return catalog.PageResult{}, fmt.Errorf("page %d (offset %d): %w", pageIndex, offset, err)
	}
	return page, nil
}

// accumulate appends page to items and truncates to the cap when it is reached.
func (o *Orchestrator) accumulate(items, page []catalog.Item) ([]catalog.Item, bool) {
	items = append(items, page...)
	if o.cfg.MaxItems > 0 && len(items) >= o.cfg.MaxItems {
		o.logger.Info("Item cap reached", zap.Int("cap", o.cfg.MaxItems))
		return items[:o.cfg.MaxItems], true
	}
	return items, false
}

func (o *Orchestrator) finish(started time.Time, out Outcome, err error) {
	evt := progress.Event{
		Dur:     o.clock.Now().Sub(started),
		Attempt: out.Attempts - 1,
	}
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	if err != nil {
		evt.Stage = progress.StageCrawlError
		evt.Note = err.Error()
		o.logger.Error("Crawl failed", zap.Int("attempts", out.Attempts), zap.Error(err))
	} else {
		evt.Stage = progress.StageCrawlDone
		evt.Items = out.Snapshot.Count
		evt.Total = out.Snapshot.Total
		evt.Path = out.Path
		o.logger.Info("Crawl finished",
			zap.Int("items", out.Snapshot.Count),
			zap.Int("total", out.Snapshot.Total),
			zap.Int("pages", out.Pages),
			zap.String("path", out.Path),
		)
	}
	o.emit(evt)
}

func (o *Orchestrator) emitPage(pageIndex, offset, pageItems, harvested, total int) {
	o.emit(progress.Event{
		Stage:     progress.StagePageFetched,
		Page:      pageIndex,
		Offset:    offset,
		PageItems: pageItems,
		Items:     harvested,
		Total:     total,
	})
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.emitter == nil {
		return
	}
	evt.RunID = o.runID
	evt.TS = o.clock.Now()
	o.emitter.Emit(evt)
}
