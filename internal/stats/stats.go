// Package stats summarizes harvested data on disk and renders it as Markdown.
package stats

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nao1215/markdown"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/snapshot"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

// UsageReporter reports how much a blob store holds; local.BlobStore
// satisfies it.
type UsageReporter interface {
	Usage() (local.Usage, error)
}

// Summary is the data inventory.
type Summary struct {
	SnapshotDir  string         `json:"snapshot_dir"`
	Snapshots    int            `json:"snapshots"`
	Items        int            `json:"items"`
	LatestItems  int            `json:"latest_items"`
	LatestTotal  int            `json:"latest_total"`
	DataBytes    int64          `json:"data_bytes"`
	Latest       *snapshot.Info `json:"latest,omitempty"`
	CacheEntries int            `json:"cache_entries"`
	CacheBytes   int64          `json:"cache_bytes"`
	Covers       int            `json:"covers"`
	CoverBytes   int64          `json:"cover_bytes"`
	Unreadable   int            `json:"unreadable"`
}

// Collect scans the snapshot directory and the optional cache and cover
// stores. Unreadable snapshots are counted and logged.
func Collect(snapshotDir string, cache, covers UsageReporter, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	infos, err := snapshot.List(snapshotDir)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{SnapshotDir: snapshotDir, Snapshots: len(infos)}
	for i, info := range infos {
		s.DataBytes += info.Size
		snap, err := snapshot.Load(info.Path)
		if err != nil {
			logger.Warn("Skipping unreadable snapshot", zap.String("path", info.Path), zap.Error(err))
			s.Unreadable++
			continue
		}
		s.Items += len(snap.Items)
		if i == 0 {
			latest := info
			s.Latest = &latest
			s.LatestItems = len(snap.Items)
			s.LatestTotal = snap.Total
		}
	}
	if cache != nil {
		u, err := cache.Usage()
		if err != nil {
			return Summary{}, fmt.Errorf("image cache usage: %w", err)
		}
		s.CacheEntries, s.CacheBytes = u.Files, u.Bytes
	}
	if covers != nil {
		u, err := covers.Usage()
		if err != nil {
			return Summary{}, fmt.Errorf("cover usage: %w", err)
		}
		s.Covers, s.CoverBytes = u.Files, u.Bytes
	}
	return s, nil
}

// Render writes s as a Markdown report.
func Render(w io.Writer, s Summary, now time.Time) error {
	md := markdown.NewMarkdown(w)
	md.H1("Harvest Statistics")
	md.PlainText("")

	latest := "none"
	updated := "never"
	if s.Latest != nil {
		latest = "`" + s.Latest.Name + "`"
		updated = fmt.Sprintf("%s (%s)", s.Latest.ModTime.Format("2006-01-02 15:04:05"), humanize.RelTime(s.Latest.ModTime, now, "ago", "from now"))
	}

	md.H2("Snapshots")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Directory", "`" + s.SnapshotDir + "`"},
			{"Files", strconv.Itoa(s.Snapshots)},
			{"Items (all files)", humanize.Comma(int64(s.Items))},
			{"Data size", humanize.Bytes(uint64(nonNegative(s.DataBytes)))},
			{"Latest file", latest},
			{"Latest items / reported total", fmt.Sprintf("%s / %s", humanize.Comma(int64(s.LatestItems)), humanize.Comma(int64(s.LatestTotal)))},
			{"Last updated", updated},
		},
	})
	md.PlainText("")

	md.H2("Images")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Store", "Files", "Size"},
		Rows: [][]string{
			{"Image cache", strconv.Itoa(s.CacheEntries), humanize.Bytes(uint64(nonNegative(s.CacheBytes)))},
			{"Covers", strconv.Itoa(s.Covers), humanize.Bytes(uint64(nonNegative(s.CoverBytes)))},
		},
	})
	if s.Unreadable > 0 {
		md.PlainText("")
		md.BulletList(fmt.Sprintf("%d snapshot file(s) could not be read", s.Unreadable))
	}
	if err := md.Build(); err != nil {
		return fmt.Errorf("render stats: %w", err)
	}
	return nil
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
