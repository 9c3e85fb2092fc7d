package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerPauseHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := TimerPause{}.Pause(ctx, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second, "pause should exit immediately when context is done")
}

func TestTimerPauseWaits(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, TimerPause{}.Pause(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.NoError(t, TimerPause{}.Pause(context.Background(), 0))
}
