package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
)

// ErrNoSnapshots is returned when a directory holds no snapshot files.
var ErrNoSnapshots = errors.New("no snapshot files found")

// Info describes one snapshot file on disk.
type Info struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified_at"`
}

// Load decodes the snapshot stored at path.
func Load(path string) (catalog.Snapshot, error) {
	// #nosec G304 -- callers pass paths from the snapshot directory or the CLI.
	data, err := os.ReadFile(path)
	if err != nil {
		return catalog.Snapshot{}, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap catalog.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return catalog.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap.Items == nil {
		snap.Items = []catalog.Item{}
	}
	return snap, nil
}

// List returns the *.json files in dir, newest first. A missing directory
// yields an empty list.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots in %s: %w", dir, err)
	}
	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Path:    filepath.Join(dir, entry.Name()),
			Name:    entry.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].ModTime.Equal(infos[j].ModTime) {
			return infos[i].Name > infos[j].Name
		}
		return infos[i].ModTime.After(infos[j].ModTime)
	})
	return infos, nil
}

// Latest returns the most recently modified snapshot in dir.
func Latest(dir string) (Info, error) {
	infos, err := List(dir)
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, fmt.Errorf("%w in %s", ErrNoSnapshots, dir)
	}
	return infos[0], nil
}

// Selection chooses which snapshots feed an export.
type Selection struct {
	// Path names one snapshot explicitly and wins over the other fields.
	Path string
	// All concatenates every snapshot in Dir, oldest first.
	All bool
	Dir string
}

// Collect loads the items picked by sel. With All set, unreadable files are
// logged and skipped; the returned paths list the files actually used.
func Collect(sel Selection, logger *zap.Logger) ([]catalog.Item, []string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sel.Path != "" {
		snap, err := Load(sel.Path)
		if err != nil {
			return nil, nil, err
		}
		return snap.Items, []string{sel.Path}, nil
	}
	if !sel.All {
		latest, err := Latest(sel.Dir)
		if err != nil {
			return nil, nil, err
		}
		snap, err := Load(latest.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using latest snapshot", zap.String("path", latest.Path), zap.Int("items", len(snap.Items)))
		return snap.Items, []string{latest.Path}, nil
	}

	infos, err := List(sel.Dir)
	if err != nil {
		return nil, nil, err
	}
	if len(infos) == 0 {
		return nil, nil, fmt.Errorf("%w in %s", ErrNoSnapshots, sel.Dir)
	}
	var (
		items []catalog.Item
		used  []string
	)
	for i := len(infos) - 1; i >= 0; i-- {
		snap, err := Load(infos[i].Path)
		if err != nil {
			logger.Warn("Skipping unreadable snapshot", zap.String("path", infos[i].Path), zap.Error(err))
			continue
		}
		logger.Info("Loaded snapshot", zap.String("path", infos[i].Path), zap.Int("items", len(snap.Items)))
		items = append(items, snap.Items...)
		used = append(used, infos[i].Path)
	}
	if len(used) == 0 {
		return nil, nil, fmt.Errorf("%w in %s: every file failed to load", ErrNoSnapshots, sel.Dir)
	}
	if items == nil {
		items = []catalog.Item{}
	}
	return items, used, nil
}
