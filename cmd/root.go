package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/covers"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
	"github.com/JakeFAU/catalog-harvester/internal/spreadsheet"
	"github.com/JakeFAU/catalog-harvester/internal/stats"
)

const (
	defaultConfigFile = "harvester.yaml"
	closeTimeout      = 30 * time.Second
	// skipAppAnnotation marks commands that run without application services.
	skipAppAnnotation = "harvester/skip-app"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the application surface the commands use. *app.App satisfies it;
// tests inject a fake through newApp.
type App interface {
	api.Harvester
	Config() config.Config
	Logger() *zap.Logger
	RunCrawl(ctx context.Context, req app.CrawlRequest) (catalog.Run, crawler.Outcome, error)
	RunExport(ctx context.Context, req app.ExportRequest) (catalog.Run, spreadsheet.Report, error)
	DownloadCovers(ctx context.Context) (covers.Report, error)
	Stats() (stats.Summary, error)
	Close(ctx context.Context) error
}

// loadConfig and newApp are variables so tests can replace them.
var (
	loadConfig = config.Load

	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		return app.NewApp(ctx, cfg, logger)
	}
)

// newRootCmd builds the command tree. The returned func releases whatever the
// pre-run hook built; it is safe to call more than once.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile  string
		instance App
	)
	cleanup := func() {
		if instance == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := instance.Close(ctx); err != nil {
			zap.L().Warn("Failed to close application", zap.Error(err))
		}
		instance = nil
	}

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests a paginated movie catalog into snapshots and spreadsheets.",
		Long: `harvester pages through a recommendation listing API, stores every
harvest as a timestamped JSON snapshot, and turns snapshots into spreadsheets
with embedded cover thumbnails. It can run once, on a schedule, or as a
service with an HTTP control API.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipAppAnnotation] == "true" {
				return nil
			}
			cfg, err := loadConfig(resolveConfigFile(cfgFile))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			instance = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			cleanup()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./"+defaultConfigFile+" when present)")

	cmd.AddCommand(
		newCrawlCmd(),
		newExportCmd(),
		newCoversCmd(),
		newStatsCmd(),
		newServeCmd(),
		newScheduleCmd(),
		newInitCmd(),
	)
	return cmd, cleanup
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	// PersistentPostRun is skipped when RunE fails.
	cleanup()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveConfigFile(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
