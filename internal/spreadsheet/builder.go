// Package spreadsheet turns snapshot items into a styled XLSX workbook with
// optional embedded cover thumbnails.
package spreadsheet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// DefaultPrefix names export files when no prefix is configured.
const DefaultPrefix = "douban_movies_report"

// SheetName is the worksheet holding the rows.
const SheetName = "Movies"

// Header is the fixed column set, in order.
var Header = []string{
	"ID", "Title", "Year", "Rating", "Rating Count",
	"Country", "Type", "Director", "Cast", "Cover URL", "Cover",
}

const (
	ratingColumn = 4
	coverColumn  = 11
	// progressEvery controls how often image progress is logged.
	progressEvery = 5
)

// ImageSource returns image bytes for a URL. imagecache.Cache satisfies it.
type ImageSource interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Config wires a Builder.
type Config struct {
	Dir    string
	Prefix string
	Images ImageSource
	// ThumbnailWidth is the embedded cover width in pixels.
	ThumbnailWidth int
	// Concurrency bounds parallel image fetches.
	Concurrency int
	Clock       catalog.Clock
	Logger      *zap.Logger
}

// Options select what one export produces.
type Options struct {
	Tags          string
	IncludeImages bool
}

// Report summarizes one export.
type Report struct {
	Path           string `json:"path"`
	Rows           int    `json:"rows"`
	ImagesEmbedded int    `json:"images_embedded"`
	ImagesFailed   int    `json:"images_failed"`
}

// Builder writes one workbook per Build call.
type Builder struct {
	dir         string
	prefix      string
	images      ImageSource
	thumbWidth  int
	concurrency int
	clock       catalog.Clock
	logger      *zap.Logger
}

// New builds a Builder. Images may be nil when exports never embed covers.
func New(cfg Config) (*Builder, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("export directory is required")
	}
	b := &Builder{
		dir:         cfg.Dir,
		prefix:      cfg.Prefix,
		images:      cfg.Images,
		thumbWidth:  cfg.ThumbnailWidth,
		concurrency: cfg.Concurrency,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if b.prefix == "" {
		b.prefix = DefaultPrefix
	}
	if b.thumbWidth <= 0 {
		b.thumbWidth = DefaultThumbnailWidth
	}
	if b.concurrency <= 0 {
		b.concurrency = 4
	}
	if b.clock == nil {
		b.clock = system.New()
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b, nil
}

// Build writes items to a new workbook. Image failures are counted in the
// report and never abort the export.
func (b *Builder) Build(ctx context.Context, items []catalog.Item, opts Options) (Report, error) {
	if opts.IncludeImages && b.images == nil {
		return Report{}, errors.New("image source is required to embed covers")
	}
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			b.logger.Warn("Closing workbook failed", zap.Error(err))
		}
	}()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return Report{}, fmt.Errorf("rename sheet: %w", err)
	}
	st, err := newStyles(f)
	if err != nil {
		return Report{}, err
	}

	widths := make([]int, len(Header))
	if err := b.writeHeader(f, st, widths); err != nil {
		return Report{}, err
	}
	for i, item := range items {
		if err := b.writeRow(f, st, i+2, item, widths); err != nil {
			return Report{}, err
		}
	}

	report := Report{Rows: len(items)}
	maxThumb := 0
	if opts.IncludeImages {
		thumbs, failed, err := b.prefetch(ctx, items)
		if err != nil {
			return Report{}, err
		}
		report.ImagesFailed = failed
		for i, thumb := range thumbs {
			if thumb == nil {
				continue
			}
			row := i + 2
			if err := b.embed(f, row, *thumb); err != nil {
				b.logger.Warn("Embedding cover failed", zap.String("id", items[i].ID), zap.Error(err))
				report.ImagesFailed++
				continue
			}
			report.ImagesEmbedded++
			if thumb.Width > maxThumb {
				maxThumb = thumb.Width
			}
		}
	}

	if err := b.layout(f, len(items), widths, maxThumb, opts.IncludeImages); err != nil {
		return Report{}, err
	}

	path, err := b.save(f, opts.Tags)
	if err != nil {
		return Report{}, err
	}
	report.Path = path
	metrics.ObserveExport(report.Rows, report.ImagesEmbedded, report.ImagesFailed)
	b.logger.Info("Export written",
		zap.String("path", path),
		zap.Int("rows", report.Rows),
		zap.Int("images_embedded", report.ImagesEmbedded),
		zap.Int("images_failed", report.ImagesFailed),
	)
	return report, nil
}

// Row renders the cell values of item in Header order, minus the cover.
func Row(item catalog.Item) []any {
	sub := ParseSubtitle(item.CardSubtitle)
	year := item.Year
	if year == "" {
		year = sub.Year
	}
	return []any{
		item.ID,
		item.Title,
		year,
		item.Rating.Value,
		item.Rating.Count,
		sub.Country,
		sub.Type,
		sub.Director,
		sub.Cast,
		item.Pic.Normal,
	}
}

func (b *Builder) writeHeader(f *excelize.File, st *styles, widths []int) error {
	for col, title := range Header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(SheetName, cell, title); err != nil {
			return fmt.Errorf("write header %s: %w", cell, err)
		}
		widths[col] = displayWidth(title)
	}
	last, err := excelize.CoordinatesToCellName(len(Header), 1)
	if err != nil {
		return fmt.Errorf("header cell: %w", err)
	}
	if err := f.SetCellStyle(SheetName, "A1", last, st.header); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	return nil
}

func (b *Builder) writeRow(f *excelize.File, st *styles, row int, item catalog.Item, widths []int) error {
	values := Row(item)
	striped := row%2 == 0
	for col := 1; col <= len(Header); col++ {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return fmt.Errorf("row %d cell: %w", row, err)
		}
		key := styleKey{striped: striped}
		if col <= len(values) {
			value := values[col-1]
			if err := f.SetCellValue(SheetName, cell, value); err != nil {
				return fmt.Errorf("write %s: %w", cell, err)
			}
			if w := displayWidth(fmt.Sprint(value)); w > widths[col-1] {
				widths[col-1] = w
			}
			if col == ratingColumn {
				key.band = bandFor(item.Rating.Value)
			}
		}
		styleID, err := st.cell(key)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetName, cell, cell, styleID); err != nil {
			return fmt.Errorf("style %s: %w", cell, err)
		}
	}
	return nil
}

// prefetch resolves every cover concurrently. The result is index-aligned
// with items; nil marks an item without an embeddable cover.
func (b *Builder) prefetch(ctx context.Context, items []catalog.Item) ([]*Thumbnail, int, error) {
	thumbs := make([]*Thumbnail, len(items))
	failed := make([]bool, len(items))
	wanted := 0
	for _, item := range items {
		if item.Pic.Large != "" {
			wanted++
		}
	}
	b.logger.Info("Fetching covers", zap.Int("images", wanted), zap.Int("concurrency", b.concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	var done progressCounter
	for i, item := range items {
		if item.Pic.Large == "" {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := b.images.Fetch(gctx, item.Pic.Large)
			if err == nil {
				var thumb Thumbnail
				thumb, err = PrepareThumbnail(data, b.thumbWidth)
				if err == nil {
					thumbs[i] = &thumb
				}
			}
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed[i] = true
				b.logger.Debug("Cover unavailable", zap.String("id", item.ID), zap.String("url", item.Pic.Large), zap.Error(err))
			}
			if n := done.inc(); n%progressEvery == 0 || n == wanted {
				b.logger.Info("Cover progress", zap.Int("done", n), zap.Int("of", wanted))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("fetch covers: %w", err)
	}
	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return thumbs, n, nil
}

func (b *Builder) embed(f *excelize.File, row int, thumb Thumbnail) error {
	cell, err := excelize.CoordinatesToCellName(coverColumn, row)
	if err != nil {
		return fmt.Errorf("cover cell: %w", err)
	}
	err = f.AddPictureFromBytes(SheetName, cell, &excelize.Picture{
		Extension: thumb.Extension,
		File:      thumb.Data,
		Format: &excelize.GraphicOptions{
			ScaleX:          thumb.Scale,
			ScaleY:          thumb.Scale,
			LockAspectRatio: true,
			Positioning:     "oneCell",
		},
	})
	if err != nil {
		return fmt.Errorf("add picture at %s: %w", cell, err)
	}
	if err := f.SetRowHeight(SheetName, row, coverRowHeight); err != nil {
		return fmt.Errorf("row %d height: %w", row, err)
	}
	return nil
}

func (b *Builder) layout(f *excelize.File, rows int, widths []int, maxThumb int, withImages bool) error {
	for col := 1; col < coverColumn; col++ {
		name, err := excelize.ColumnNumberToName(col)
		if err != nil {
			return fmt.Errorf("column %d: %w", col, err)
		}
		if err := f.SetColWidth(SheetName, name, name, fitWidth(widths[col-1])); err != nil {
			return fmt.Errorf("width of %s: %w", name, err)
		}
	}
	coverName, err := excelize.ColumnNumberToName(coverColumn)
	if err != nil {
		return fmt.Errorf("cover column: %w", err)
	}
	cw := coverColumnWidth
	if withImages {
		cw = coverWidth(maxThumb)
	}
	if err := f.SetColWidth(SheetName, coverName, coverName, cw); err != nil {
		return fmt.Errorf("width of cover column: %w", err)
	}

	if err := f.SetRowHeight(SheetName, 1, headerRowHeight); err != nil {
		return fmt.Errorf("header height: %w", err)
	}
	for row := 2; row <= rows+1; row++ {
		h, err := f.GetRowHeight(SheetName, row)
		if err != nil {
			return fmt.Errorf("row %d height: %w", row, err)
		}
		if h < coverRowHeight {
			if err := f.SetRowHeight(SheetName, row, plainRowHeight); err != nil {
				return fmt.Errorf("row %d height: %w", row, err)
			}
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	return nil
}

func (b *Builder) save(f *excelize.File, tags string) (string, error) {
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return "", fmt.Errorf("create export dir %s: %w", b.dir, err)
	}
	base := FileName(b.prefix, tags, b.clock.Now())
	stem := strings.TrimSuffix(base, ".xlsx")
	for n := 0; n < 1000; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s_%d.xlsx", stem, n)
		}
		target := filepath.Join(b.dir, name)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := f.SaveAs(target); err != nil {
			return "", fmt.Errorf("save workbook %s: %w", target, err)
		}
		return target, nil
	}
	return "", fmt.Errorf("no free export name for %s in %s", stem, b.dir)
}

type progressCounter struct{ n atomic.Int64 }

func (c *progressCounter) inc() int {
	return int(c.n.Add(1))
}
