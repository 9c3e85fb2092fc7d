// Package covers saves full-size cover images next to the snapshots, one
// human-readable file per item.
package covers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/imagecache"
)

// Images supplies cover bytes; imagecache.Cache satisfies it.
type Images interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Store is where cover files land; local.BlobStore satisfies it.
type Store interface {
	Exists(path string) (bool, error)
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Report counts the outcome of one download pass.
type Report struct {
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	NoCover    int `json:"no_cover"`
}

// Downloader copies item covers into a Store.
type Downloader struct {
	images      Images
	store       Store
	concurrency int
	logger      *zap.Logger
}

// New builds a Downloader.
func New(images Images, store Store, concurrency int, logger *zap.Logger) (*Downloader, error) {
	if images == nil || store == nil {
		return nil, errors.New("image source and store are required")
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{images: images, store: store, concurrency: concurrency, logger: logger}, nil
}

// FileName returns "<safe title>_<id><ext>" for item, using the extension of
// the large cover URL.
func FileName(item catalog.Item) string {
	title := SafeTitle(item.Title)
	if title == "" {
		title = "untitled"
	}
	return fmt.Sprintf("%s_%s%s", title, item.ID, imagecache.Extension(item.Pic.Large))
}

// SafeTitle keeps letters, digits, spaces, '-' and '_' and trims trailing spaces.
func SafeTitle(title string) string {
	kept := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			return r
		}
		return -1
	}, title)
	return strings.TrimRight(kept, " ")
}

// Download saves the large cover of every item. Existing files are skipped
// and individual failures are counted, not returned.
func (d *Downloader) Download(ctx context.Context, items []catalog.Item) (Report, error) {
	var downloaded, skipped, failed, noCover atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, item := range items {
		if item.Pic.Large == "" {
			noCover.Add(1)
			continue
		}
		g.Go(func() error {
			name := FileName(item)
			exists, err := d.store.Exists(name)
			if err != nil {
				d.logger.Warn("Checking cover failed", zap.String("file", name), zap.Error(err))
				failed.Add(1)
				return nil
			}
			if exists {
				d.logger.Debug("Cover exists; skipping", zap.String("file", name))
				skipped.Add(1)
				return nil
			}
			data, err := d.images.Fetch(gctx, item.Pic.Large)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				d.logger.Warn("Cover download failed", zap.String("id", item.ID), zap.String("url", item.Pic.Large), zap.Error(err))
				failed.Add(1)
				return nil
			}
			if _, err := d.store.PutObject(gctx, name, "", bytes.NewReader(data)); err != nil {
				d.logger.Warn("Saving cover failed", zap.String("file", name), zap.Error(err))
				failed.Add(1)
				return nil
			}
			downloaded.Add(1)
			d.logger.Info("Cover saved", zap.String("file", name))
			return nil
		})
	}
	err := g.Wait()
	report := Report{
		Downloaded: int(downloaded.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
		NoCover:    int(noCover.Load()),
	}
	if err != nil {
		return report, fmt.Errorf("download covers: %w", err)
	}
	d.logger.Info("Cover download finished",
		zap.Int("downloaded", report.Downloaded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("no_cover", report.NoCover),
	)
	return report, nil
}
