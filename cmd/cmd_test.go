package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/covers"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/snapshot"
	"github.com/JakeFAU/catalog-harvester/internal/spreadsheet"
	"github.com/JakeFAU/catalog-harvester/internal/stats"
)

const testRunID = "01890a5d-ac96-774b-bcce-b302099a8057"

type fakeApp struct {
	cfg        config.Config
	crawlErr   error
	exportErr  error
	crawlReqs  []app.CrawlRequest
	exportReqs []app.ExportRequest
	closed     int
}

func (f *fakeApp) GetRun(context.Context, string) (catalog.Run, error) {
	return catalog.Run{}, app.ErrRunNotFound
}

func (f *fakeApp) ListRuns(context.Context, catalog.RunKind) ([]catalog.Run, error) {
	return nil, nil
}

func (f *fakeApp) StartCrawl(context.Context, app.CrawlRequest) (catalog.Run, error) {
	return catalog.Run{ID: testRunID}, nil
}

func (f *fakeApp) StartExport(context.Context, app.ExportRequest) (catalog.Run, error) {
	return catalog.Run{ID: testRunID}, nil
}

func (f *fakeApp) DefaultExportRequest() app.ExportRequest {
	return app.ExportRequest{IncludeImages: true, AllFiles: false}
}

func (f *fakeApp) CancelRun(context.Context, string) error { return app.ErrRunNotActive }

func (f *fakeApp) Snapshots() ([]snapshot.Info, error) { return nil, nil }

func (f *fakeApp) Config() config.Config { return f.cfg }

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) RunCrawl(_ context.Context, req app.CrawlRequest) (catalog.Run, crawler.Outcome, error) {
	f.crawlReqs = append(f.crawlReqs, req)
	run := catalog.Run{ID: testRunID, Kind: catalog.RunKindCrawl}
	if f.crawlErr != nil {
		return run, crawler.Outcome{}, f.crawlErr
	}
	return run, crawler.Outcome{
		Snapshot: catalog.Snapshot{Count: 45, Total: 45},
		Path:     "data/movie_data_20250301_120000.json",
		Pages:    3,
		Attempts: 1,
	}, nil
}

func (f *fakeApp) RunExport(_ context.Context, req app.ExportRequest) (catalog.Run, spreadsheet.Report, error) {
	f.exportReqs = append(f.exportReqs, req)
	run := catalog.Run{ID: testRunID, Kind: catalog.RunKindExport}
	if f.exportErr != nil {
		return run, spreadsheet.Report{}, f.exportErr
	}
	return run, spreadsheet.Report{Path: "exports/movies.xlsx", Rows: 45, ImagesEmbedded: 44, ImagesFailed: 1}, nil
}

func (f *fakeApp) DownloadCovers(context.Context) (covers.Report, error) {
	return covers.Report{Downloaded: 40, Skipped: 3, Failed: 1, NoCover: 1}, nil
}

func (f *fakeApp) Stats() (stats.Summary, error) {
	return stats.Summary{SnapshotDir: "data", Snapshots: 2, Items: 90}, nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

// withFakeApp swaps the config loader and app factory for the test.
func withFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	prevLoad, prevNew := loadConfig, newApp
	t.Cleanup(func() { loadConfig, newApp = prevLoad, prevNew })

	loadConfig = func(string) (config.Config, error) {
		cfg := config.Default()
		cfg.Logging.Level = "error"
		cfg.Logging.File = ""
		return cfg, nil
	}
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, cleanup := newRootCmd()
	defer cleanup()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommand(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	out, err := execute(t, "crawl", "--tags", "Drama", "--sort", "s", "--max-items", "25")
	require.NoError(t, err)
	assert.Equal(t, "saved 45 of 45 items to data/movie_data_20250301_120000.json\n", out)
	require.Len(t, fake.crawlReqs, 1)
	assert.Equal(t, app.CrawlRequest{Tags: "Drama", Sort: "s", MaxItems: 25}, fake.crawlReqs[0])
	assert.Equal(t, 1, fake.closed)
}

func TestCrawlCommandFailure(t *testing.T) {
	fake := &fakeApp{crawlErr: crawler.ErrAttemptsExhausted}
	withFakeApp(t, fake)

	_, err := execute(t, "crawl")
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrAttemptsExhausted)
	assert.Contains(t, err.Error(), testRunID)
	// The app is released even though the post-run hook is skipped.
	assert.Equal(t, 1, fake.closed)
}

func TestExportCommandFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want app.ExportRequest
	}{
		{name: "defaults", args: nil, want: app.ExportRequest{IncludeImages: true}},
		{name: "no images", args: []string{"--no-images"}, want: app.ExportRequest{}},
		{name: "all files", args: []string{"--all-files"}, want: app.ExportRequest{IncludeImages: true, AllFiles: true}},
		{
			name: "snapshot",
			args: []string{"--snapshot", "data/a.json", "--no-images=false"},
			want: app.ExportRequest{IncludeImages: true, Snapshot: "data/a.json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeApp{}
			withFakeApp(t, fake)

			_, err := execute(t, append([]string{"export"}, tt.args...)...)
			require.NoError(t, err)
			require.Len(t, fake.exportReqs, 1)
			assert.Equal(t, tt.want, fake.exportReqs[0])
		})
	}
}

func TestExportCommandOutput(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	out, err := execute(t, "export")
	require.NoError(t, err)
	assert.Equal(t, "wrote 45 rows to exports/movies.xlsx\nimages embedded: 44, failed: 1\n", out)

	out, err = execute(t, "export", "--no-images")
	require.NoError(t, err)
	assert.Equal(t, "wrote 45 rows to exports/movies.xlsx\n", out)

	fake.exportErr = snapshot.ErrNoSnapshots
	_, err = execute(t, "export")
	require.ErrorIs(t, err, snapshot.ErrNoSnapshots)
}

func TestCoversAndStatsCommands(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	out, err := execute(t, "covers")
	require.NoError(t, err)
	assert.Equal(t, "downloaded 40, skipped 3, failed 1, without cover 1\n", out)

	out, err = execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "# Harvest Statistics")
	assert.Contains(t, out, "`data`")
}

func TestInitCommandSkipsApp(t *testing.T) {
	prevNew := newApp
	t.Cleanup(func() { newApp = prevNew })
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("app must not be built for init")
	}

	path := filepath.Join(t.TempDir(), "conf", "harvester.yaml")
	out, err := execute(t, "init", "--output", path)
	require.NoError(t, err)
	assert.Equal(t, "wrote "+path+"\n", out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got config.Config
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, config.Default(), got)

	_, err = execute(t, "init", "--output", path)
	require.Error(t, err)
	_, err = execute(t, "init", "--output", path, "--force")
	require.NoError(t, err)
}

func TestScheduledCrawlSkipsBusySlot(t *testing.T) {
	t.Parallel()

	fake := &fakeApp{crawlErr: app.ErrCrawlInProgress}
	job := scheduledCrawl(fake, zap.NewNop())
	require.NoError(t, job(context.Background()))

	fake.crawlErr = errors.New("upstream down")
	err := job(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), testRunID)
}

func TestNewSchedulerUsesConfig(t *testing.T) {
	t.Parallel()

	fake := &fakeApp{cfg: config.Default()}
	fake.cfg.Schedule.Cron = "0 */6 * * *"
	sched, err := newScheduler(fake, false)
	require.NoError(t, err)
	assert.Equal(t, "0 */6 * * *", sched.Spec())

	fake.cfg.Schedule.Cron = ""
	fake.cfg.Schedule.IntervalSeconds = 0
	_, err = newScheduler(fake, false)
	require.Error(t, err)
}

func TestResolveApp(t *testing.T) {
	t.Parallel()

	_, err := resolveApp(context.Background())
	require.Error(t, err)

	fake := &fakeApp{}
	got, err := resolveApp(context.WithValue(context.Background(), appKey, App(fake)))
	require.NoError(t, err)
	assert.Same(t, fake, got)
}
