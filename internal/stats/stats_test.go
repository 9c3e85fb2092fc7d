package stats

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

type fixedUsage struct {
	u   local.Usage
	err error
}

func (f fixedUsage) Usage() (local.Usage, error) { return f.u, f.err }

func writeFile(t *testing.T, dir, name, body string, mod time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestCollectAndRender(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	writeFile(t, dir, "old.json", `{"total":10,"items":[{"id":"1"},{"id":"2"}]}`, base)
	writeFile(t, dir, "new.json", `{"total":1500,"items":[{"id":"3"}]}`, base.Add(time.Hour))
	writeFile(t, dir, "bad.json", `nope`, base.Add(-time.Hour))

	s, err := Collect(dir, fixedUsage{u: local.Usage{Files: 4, Bytes: 2048}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Snapshots)
	assert.Equal(t, 3, s.Items)
	assert.Equal(t, 1, s.LatestItems)
	assert.Equal(t, 1500, s.LatestTotal)
	assert.Equal(t, 1, s.Unreadable)
	require.NotNil(t, s.Latest)
	assert.Equal(t, "new.json", s.Latest.Name)
	assert.Equal(t, 4, s.CacheEntries)
	assert.Zero(t, s.Covers)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, s, base.Add(3*time.Hour)))
	out := buf.String()
	assert.Contains(t, out, "# Harvest Statistics")
	assert.Contains(t, out, "`new.json`")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "could not be read")
}

func TestCollectEmptyDir(t *testing.T) {
	t.Parallel()

	s, err := Collect(filepath.Join(t.TempDir(), "none"), nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, s.Snapshots)
	assert.Nil(t, s.Latest)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, s, time.Now()))
	assert.Contains(t, buf.String(), "never")
}

func TestCollectPropagatesUsageErrors(t *testing.T) {
	t.Parallel()

	_, err := Collect(t.TempDir(), fixedUsage{err: errors.New("denied")}, nil, nil)
	require.Error(t, err)
}
