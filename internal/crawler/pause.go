package crawler

import (
	"context"
	"fmt"
	"time"
)

// Pauser blocks the calling goroutine for a duration or until ctx is done.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPause sleeps on a timer.
type TimerPause struct{}

// Pause waits for delay. It returns the context error if ctx ends first.
func (TimerPause) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pause canceled: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
