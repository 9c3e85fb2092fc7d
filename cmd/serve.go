package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/schedule"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Long: `Serves the control API on server.port. Crawls and exports are started and
monitored over HTTP; when schedule.enabled is set crawls also run periodically.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), appInstance)
		},
	}
}

func serve(ctx context.Context, a App) error {
	cfg := a.Config()
	logger := a.Logger()

	apiServer := api.NewServer(a, api.Config{APIKey: cfg.Server.APIKey}, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if cfg.Schedule.Enabled {
		sched, err := newScheduler(a, false)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}
	return g.Wait()
}

func newScheduleCmd() *cobra.Command {
	var skipFirst bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Crawl now and then periodically until interrupted",
		Long: `Runs a crawl immediately and then every schedule.interval_seconds, or on
schedule.cron when set. A tick that arrives while a crawl is still running is
skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sched, err := newScheduler(appInstance, !skipFirst)
			if err != nil {
				return err
			}
			return sched.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&skipFirst, "skip-first", false, "wait for the first tick instead of crawling immediately")
	return cmd
}

func newScheduler(a App, runOnStart bool) (*schedule.Scheduler, error) {
	cfg := a.Config()
	logger := a.Logger().Named("schedule")
	sched, err := schedule.New(schedule.Config{
		Interval:   cfg.ScheduleInterval(),
		Cron:       cfg.Schedule.Cron,
		RunOnStart: runOnStart,
		Logger:     logger,
	}, scheduledCrawl(a, logger))
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	return sched, nil
}

// scheduledCrawl runs one configured crawl. A crawl already in flight, for
// instance one started over the API, turns the tick into a no-op.
func scheduledCrawl(a App, logger *zap.Logger) schedule.Job {
	return func(ctx context.Context) error {
		run, _, err := a.RunCrawl(ctx, app.CrawlRequest{})
		if errors.Is(err, app.ErrCrawlInProgress) {
			logger.Info("Skipping scheduled crawl; another crawl is running")
			return nil
		}
		if err != nil {
			return runError("crawl", run.ID, err)
		}
		return nil
	}
}
