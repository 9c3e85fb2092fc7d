package gcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix, key, want string
	}{
		{"", "snap.json", "snap.json"},
		{"snapshots", "snap.json", "snapshots/snap.json"},
		{"snapshots", "/snap.json", "snapshots/snap.json"},
		{"a/b", "c/d.json", "a/b/c/d.json"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, objectName(tc.prefix, tc.key))
	}
}

func TestObjectNameTrimsConfiguredPrefix(t *testing.T) {
	t.Parallel()

	s := &BlobStore{bucket: "b", prefix: "x"}
	assert.Equal(t, "x/y.json", s.ObjectName("y.json"))
}
