package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var stamp = time.Date(2025, 3, 9, 14, 5, 7, 0, time.UTC)

func decodeItems(t *testing.T, raw string) []catalog.Item {
	t.Helper()
	var items []catalog.Item
	require.NoError(t, json.Unmarshal([]byte(raw), &items))
	return items
}

func TestWriteNamesFileByTimestamp(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	w, err := NewWriter(dir, "", fixedClock{stamp}, nil)
	require.NoError(t, err)

	items := decodeItems(t, `[{"id":"1","title":"霸王别姬","extra":{"a":1}},{"id":"2","title":"<b>Tom & Jerry</b>"}]`)
	snap := catalog.NewSnapshot(catalog.PageResult{Total: 45, RecommendCategories: json.RawMessage(`[{"x":1}]`), ShowRatingFilter: true}, items)

	path, err := w.Write(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "douban_movies_20250309_140507.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "霸王别姬")
	assert.Contains(t, text, "<b>Tom & Jerry</b>")
	assert.Contains(t, text, "\n  \"count\": 2")
	assert.Contains(t, text, `"extra"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Count)
	assert.Equal(t, 45, loaded.Total)
	assert.True(t, loaded.ShowRatingFilter)
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, "霸王别姬", loaded.Items[0].Title)
	assert.JSONEq(t, `[{"x":1}]`, string(loaded.RecommendCategories))
}

func TestWriteNeverOverwrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir, "snap", fixedClock{stamp}, nil)
	require.NoError(t, err)

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := w.Write(context.Background(), catalog.NewSnapshot(catalog.PageResult{}, nil))
		require.NoError(t, err)
		paths = append(paths, filepath.Base(p))
	}
	assert.Equal(t, []string{
		"snap_20250309_140507.json",
		"snap_20250309_140507_1.json",
		"snap_20250309_140507_2.json",
	}, paths)
}

func TestWriteEmptySnapshotHasArrays(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(t.TempDir(), "", fixedClock{stamp}, nil)
	require.NoError(t, err)
	path, err := w.Write(context.Background(), catalog.Snapshot{})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, []any{}, generic["items"])
	assert.Equal(t, []any{}, generic["recommend_categories"])
	assert.EqualValues(t, 0, generic["count"])
}

func TestWriteHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir, "", fixedClock{stamp}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Write(ctx, catalog.Snapshot{})
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewWriterRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := NewWriter("  ", "", nil, nil)
	require.Error(t, err)
}

func TestLatestAndListOrderByModTime(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	older := writeSnapshotFile(t, dir, "b.json", `{"count":1,"total":1,"items":[{"id":"old"}]}`, stamp)
	newer := writeSnapshotFile(t, dir, "a.json", `{"count":1,"total":1,"items":[{"id":"new"}]}`, stamp.Add(time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	infos, err := List(dir)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, newer, infos[0].Path)
	assert.Equal(t, older, infos[1].Path)

	latest, err := Latest(dir)
	require.NoError(t, err)
	assert.Equal(t, newer, latest.Path)
}

func TestLatestOnMissingDir(t *testing.T) {
	t.Parallel()

	_, err := Latest(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, ErrNoSnapshots)
}

func TestCollect(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := writeSnapshotFile(t, dir, "first.json", `{"items":[{"id":"1"},{"id":"2"}]}`, stamp)
	writeSnapshotFile(t, dir, "broken.json", `{"items":`, stamp.Add(time.Minute))
	second := writeSnapshotFile(t, dir, "second.json", `{"items":[{"id":"3"}]}`, stamp.Add(time.Hour))

	t.Run("latest", func(t *testing.T) {
		items, used, err := Collect(Selection{Dir: dir}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{second}, used)
		require.Len(t, items, 1)
		assert.Equal(t, "3", items[0].ID)
	})

	t.Run("all files skips unreadable", func(t *testing.T) {
		items, used, err := Collect(Selection{Dir: dir, All: true}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{first, second}, used)
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		assert.Equal(t, []string{"1", "2", "3"}, ids)
	})

	t.Run("explicit path", func(t *testing.T) {
		items, used, err := Collect(Selection{Dir: dir, Path: first}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{first}, used)
		assert.Len(t, items, 2)
	})

	t.Run("empty dir", func(t *testing.T) {
		_, _, err := Collect(Selection{Dir: t.TempDir(), All: true}, nil)
		require.ErrorIs(t, err, ErrNoSnapshots)
	})
}

func TestEncodeKeepsNonASCII(t *testing.T) {
	t.Parallel()

	items := decodeItems(t, `[{"id":"9","title":"千与千寻"}]`)
	out, err := Encode(catalog.NewSnapshot(catalog.PageResult{Total: 1}, items))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), "千与千寻"))
	assert.NotContains(t, string(out), `\u`)
}

func writeSnapshotFile(t *testing.T, dir, name, body string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}
