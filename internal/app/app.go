// Package app initializes and holds long-lived harvester services, acting as
// a dependency injection container and run manager for the CLI, the control
// API and the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	collyfetcher "github.com/JakeFAU/catalog-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/imagecache"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/catalog-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-harvester/internal/snapshot"
	"github.com/JakeFAU/catalog-harvester/internal/spreadsheet"
	"github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
	"github.com/JakeFAU/catalog-harvester/internal/storage/memory"
)

var (
	// ErrCrawlInProgress is returned when a crawl is requested while another
	// one is still running in this process.
	ErrCrawlInProgress = errors.New("a crawl is already in progress")
	// ErrInvalidRequest wraps crawl request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = memory.ErrRunNotFound
	// ErrRunNotActive is returned when canceling a run that already finished.
	ErrRunNotActive = errors.New("run is not active")
)

// App holds the shared, long-lived services for the harvester. It is built
// once at startup and handed to whichever surface drives it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     catalog.Clock
	ids       catalog.IDGenerator
	runs      catalog.RunStore
	hub       *progress.Hub
	fetcher   catalog.PageFetcher
	pauser    crawler.Pauser
	writer    *snapshot.Writer
	cache     *local.BlobStore
	images    *imagecache.Cache
	builder   *spreadsheet.Builder
	mirror    catalog.BlobStore
	publisher catalog.Publisher
	closers   []func() error

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	crawlID string
}

// Option overrides a collaborator, mainly for tests.
type Option func(*options)

type options struct {
	fetcher     catalog.PageFetcher
	pauser      crawler.Pauser
	clock       catalog.Clock
	ids         catalog.IDGenerator
	registerer  prometheus.Registerer
	mirror      catalog.BlobStore
	publisher   catalog.Publisher
	imageClient *http.Client
}

// WithFetcher replaces the Colly listing fetcher.
func WithFetcher(f catalog.PageFetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithPauser replaces the timer used for backoff and page delays.
func WithPauser(p crawler.Pauser) Option {
	return func(o *options) { o.pauser = p }
}

// WithClock replaces the system clock.
func WithClock(c catalog.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator replaces the UUID v7 run id generator.
func WithIDGenerator(g catalog.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithRegisterer registers run metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithMirror replaces the GCS snapshot mirror.
func WithMirror(store catalog.BlobStore) Option {
	return func(o *options) { o.mirror = store }
}

// WithPublisher replaces the Pub/Sub snapshot publisher.
func WithPublisher(p catalog.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithImageClient replaces the HTTP client used for cover downloads.
func WithImageClient(c *http.Client) Option {
	return func(o *options) { o.imageClient = c }
}

// NewApp creates and initializes the services described by cfg. It fails
// fast if any configured service cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.ids == nil {
		o.ids = uuid.New()
	}
	if o.pauser == nil {
		o.pauser = crawler.TimerPause{}
	}

	logger.Info("Initializing application services...")

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  o.clock,
		ids:    o.ids,
		pauser: o.pauser,
		active: make(map[string]context.CancelFunc),
	}

	runs := memory.NewRunStore()
	a.runs = runs
	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		sinks.NewRunStoreSink(runs, logger),
	)
	a.closers = append(a.closers, func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.hub.Close(closeCtx)
	})

	a.fetcher = o.fetcher
	if a.fetcher == nil {
		f, err := collyfetcher.New(collyfetcher.Config{
			Endpoint: cfg.Crawl.Endpoint,
			Timeout:  cfg.PageTimeout(),
			Headers:  collyfetcher.DefaultHeaders(cfg.HTTP.UserAgent, cfg.HTTP.Referer),
			Policy:   crawler.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, time.Second),
			Pauser:   o.pauser,
			Logger:   logger.Named("fetcher"),
		})
		if err != nil {
			_ = a.shutdown()
			return nil, fmt.Errorf("failed to initialize fetcher: %w", err)
		}
		a.fetcher = f
	}

	a.writer, err = snapshot.NewWriter(cfg.Output.Directory, cfg.Output.SnapshotPrefix, o.clock, logger.Named("snapshot"))
	if err != nil {
		_ = a.shutdown()
		return nil, fmt.Errorf("failed to initialize snapshot writer: %w", err)
	}

	a.cache, err = local.New(local.Config{BaseDir: cfg.Cache.Directory})
	if err != nil {
		_ = a.shutdown()
		return nil, fmt.Errorf("failed to initialize image cache: %w", err)
	}
	a.images, err = imagecache.New(imagecache.Config{
		Store:   a.cache,
		Client:  o.imageClient,
		Timeout: cfg.ImageTimeout(),
		Waiter:  ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Export.ImageRPS}),
		Logger:  logger.Named("imagecache"),
	})
	if err != nil {
		_ = a.shutdown()
		return nil, fmt.Errorf("failed to initialize image cache: %w", err)
	}
	logger.Info("Using image cache", zap.String("dir", a.cache.BaseDir()))

	a.builder, err = spreadsheet.New(spreadsheet.Config{
		Dir:            cfg.Export.Directory,
		Prefix:         cfg.Export.FilePrefix,
		Images:         a.images,
		ThumbnailWidth: cfg.Export.ThumbnailWidth,
		Concurrency:    cfg.Export.Concurrency,
		Clock:          o.clock,
		Logger:         logger.Named("export"),
	})
	if err != nil {
		_ = a.shutdown()
		return nil, fmt.Errorf("failed to initialize spreadsheet builder: %w", err)
	}

	if err := a.initMirror(ctx, o.mirror); err != nil {
		_ = a.shutdown()
		return nil, err
	}
	if err := a.initPublisher(ctx, o.publisher); err != nil {
		_ = a.shutdown()
		return nil, err
	}

	a.baseCtx, a.stop = context.WithCancel(context.WithoutCancel(ctx))
	logger.Info("Application services initialized successfully.")
	return a, nil
}

func (a *App) initMirror(ctx context.Context, override catalog.BlobStore) error {
	if override != nil {
		a.mirror = override
		return nil
	}
	bucket := a.cfg.Storage.GCSBucket
	if bucket == "" {
		a.logger.Info("No GCS bucket configured; snapshots stay local.")
		return nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	store, err := gcs.New(client, gcs.Config{Bucket: bucket, Prefix: a.cfg.Storage.Prefix})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.logger.Info("Mirroring snapshots to GCS", zap.String("bucket", bucket))
	a.mirror = store
	a.closers = append(a.closers, client.Close)
	return nil
}

func (a *App) initPublisher(ctx context.Context, override catalog.Publisher) error {
	if override != nil {
		a.publisher = override
		return nil
	}
	topic := a.cfg.PubSub.TopicName
	if topic == "" {
		a.logger.Info("No Pub/Sub topic configured; no notifications will be sent.")
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to initialize pubsub: %w", err)
	}
	p := pubsubpublisher.New(client)
	a.logger.Info("Publishing snapshot notifications", zap.String("topic", topic))
	a.publisher = p
	a.closers = append(a.closers, func() error {
		p.Stop()
		return client.Close()
	})
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Images exposes the shared image cache.
func (a *App) Images() *imagecache.Cache {
	return a.images
}

// GetRun returns the run with id.
func (a *App) GetRun(ctx context.Context, id string) (catalog.Run, error) {
	run, err := a.runs.GetRun(ctx, id)
	if err != nil {
		return catalog.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs of kind, newest first. An empty kind lists all runs.
func (a *App) ListRuns(ctx context.Context, kind catalog.RunKind) ([]catalog.Run, error) {
	return a.runs.ListRuns(ctx, kind)
}

// CancelRun cancels an active crawl or export.
func (a *App) CancelRun(ctx context.Context, id string) error {
	a.mu.Lock()
	cancel, ok := a.active[id]
	a.mu.Unlock()
	if ok {
		a.logger.Info("Canceling run", zap.String("run_id", id))
		cancel()
		return nil
	}
	if _, err := a.runs.GetRun(ctx, id); err != nil {
		return fmt.Errorf("cancel run %s: %w", id, err)
	}
	return ErrRunNotActive
}

// Snapshots lists the snapshot files on disk, newest first.
func (a *App) Snapshots() ([]snapshot.Info, error) {
	return snapshot.List(a.cfg.Output.Directory)
}

// Close cancels in-flight runs, waits for them and shuts down services.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("Shutting down application services...")
	if a.stop != nil {
		a.stop()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Timed out waiting for runs to stop", zap.Error(ctx.Err()))
	}
	err := a.shutdown()
	// Sync fails on terminals; the error carries no information.
	_ = a.logger.Sync()
	return err
}

func (a *App) shutdown() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// begin registers a new run and its cancel func. When exclusive is set the
// run claims the single crawl slot.
func (a *App) begin(ctx context.Context, kind catalog.RunKind, exclusive bool) (catalog.Run, context.Context, error) {
	id, err := a.ids.NewID()
	if err != nil {
		return catalog.Run{}, nil, err
	}
	a.mu.Lock()
	if exclusive {
		if a.crawlID != "" {
			a.mu.Unlock()
			return catalog.Run{}, nil, ErrCrawlInProgress
		}
		a.crawlID = id
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.active[id] = cancel
	a.mu.Unlock()

	run := catalog.Run{
		ID:        id,
		Kind:      kind,
		Status:    catalog.RunStatusQueued,
		Submitted: a.clock.Now(),
	}
	if err := a.runs.CreateRun(ctx, run); err != nil {
		a.end(id)
		return catalog.Run{}, nil, fmt.Errorf("create run: %w", err)
	}
	return run, runCtx, nil
}

func (a *App) end(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.active[id]; ok {
		cancel()
		delete(a.active, id)
	}
	if a.crawlID == id {
		a.crawlID = ""
	}
}

// finish records the final counters and terminal status of a run. Store
// writes use a context detached from the run so cancellation is recorded.
func (a *App) finish(ctx context.Context, id string, prog catalog.RunProgress, err error) {
	storeCtx := context.WithoutCancel(ctx)
	if recErr := a.runs.RecordProgress(storeCtx, id, prog); recErr != nil {
		a.logger.Warn("Recording run progress failed", zap.String("run_id", id), zap.Error(recErr))
	}
	status, errText := catalog.RunStatusSucceeded, ""
	if err != nil {
		errText = err.Error()
		status = catalog.RunStatusFailed
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			status = catalog.RunStatusCanceled
		}
	}
	if upErr := a.runs.UpdateRunStatus(storeCtx, id, status, errText); upErr != nil {
		a.logger.Warn("Updating run status failed", zap.String("run_id", id), zap.Error(upErr))
	}
}

func (a *App) markRunning(ctx context.Context, id string) {
	if err := a.runs.UpdateRunStatus(context.WithoutCancel(ctx), id, catalog.RunStatusRunning, ""); err != nil {
		a.logger.Warn("Updating run status failed", zap.String("run_id", id), zap.Error(err))
	}
}

func (a *App) emit(evt progress.Event) {
	evt.TS = a.clock.Now()
	a.hub.Emit(evt)
}

// coverStore opens the cover directory. Without create, a missing directory
// yields a nil store.
func (a *App) coverStore(create bool) (*local.BlobStore, error) {
	dir := a.cfg.Covers.Directory
	if !create {
		if _, err := os.Stat(dir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("stat covers dir: %w", err)
		}
	}
	store, err := local.New(local.Config{BaseDir: dir})
	if err != nil {
		return nil, fmt.Errorf("open covers dir: %w", err)
	}
	return store, nil
}
