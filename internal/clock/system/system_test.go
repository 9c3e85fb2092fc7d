package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
)

var _ catalog.Clock = Clock{}

func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	after := time.Now().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "now %v outside [%v, %v]", got, before, after)
}

func TestNowDoesNotGoBackwards(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	assert.False(t, clk.Now().Before(first))
}
