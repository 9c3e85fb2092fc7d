// Package snapshot persists crawl results as timestamped JSON files and reads
// them back for export.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
)

// DefaultPrefix names snapshot files when no prefix is configured.
const DefaultPrefix = "douban_movies"

// TimestampLayout is the suffix format shared by snapshots and exports.
const TimestampLayout = "20060102_150405"

// maxCollisions bounds the numeric suffix search within one second.
const maxCollisions = 1000

// Writer saves snapshots under a directory. Every Write creates a new file.
type Writer struct {
	dir    string
	prefix string
	clock  catalog.Clock
	logger *zap.Logger
}

// NewWriter returns a Writer rooted at dir. A nil clock uses wall time.
func NewWriter(dir, prefix string, clock catalog.Clock, logger *zap.Logger) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{dir: dir, prefix: prefix, clock: clock, logger: logger}, nil
}

// Dir returns the snapshot directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Write encodes snap and stores it as <prefix>_YYYYMMDD_HHMMSS.json. When a
// file with that name already exists a _N suffix is appended.
func (w *Writer) Write(ctx context.Context, snap catalog.Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context canceled: %w", err)
	}
	if snap.Items == nil {
		snap.Items = []catalog.Item{}
	}
	snap.Count = len(snap.Items)
	if len(snap.RecommendCategories) == 0 {
		snap.RecommendCategories = json.RawMessage("[]")
	}
	payload, err := Encode(snap)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("create snapshot dir %s: %w", w.dir, err)
	}

	stamp := w.clock.Now().Format(TimestampLayout)
	base := fmt.Sprintf("%s_%s", w.prefix, stamp)
	for n := 0; n < maxCollisions; n++ {
		name := base + ".json"
		if n > 0 {
			name = fmt.Sprintf("%s_%d.json", base, n)
		}
		target := filepath.Join(w.dir, name)
		// #nosec G304 -- target is built from the configured directory.
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create snapshot %s: %w", target, err)
		}
		if _, err := f.Write(payload); err != nil {
			_ = f.Close()
			_ = os.Remove(target)
			return "", fmt.Errorf("write snapshot %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close snapshot %s: %w", target, err)
		}
		w.logger.Info("Snapshot written",
			zap.String("path", target),
			zap.Int("count", snap.Count),
			zap.Int("total", snap.Total),
		)
		return target, nil
	}
	return "", fmt.Errorf("no free snapshot name for %s in %s", base, w.dir)
}

// Encode renders snap as indented UTF-8 JSON without HTML escaping.
func Encode(snap catalog.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
