package crawler

import "time"

// Bounds of the inter-page delay.
const (
	MinPageDelay = 500 * time.Millisecond
	MaxPageDelay = 2 * time.Second
)

// AdaptiveDelay computes the wait before the next page from the fill ratio of
// the previous one: 2.0 - ratio*1.5 seconds, clamped to [0.5s, 2s].
func AdaptiveDelay(itemsInLastPage, pageSize int) time.Duration {
	if pageSize <= 0 {
		return MaxPageDelay
	}
	if itemsInLastPage < 0 {
		itemsInLastPage = 0
	}
	ratio := float64(itemsInLastPage) / float64(pageSize)
	seconds := 2.0 - ratio*1.5
	delay := time.Duration(seconds * float64(time.Second))
	switch {
	case delay < MinPageDelay:
		return MinPageDelay
	case delay > MaxPageDelay:
		return MaxPageDelay
	default:
		return delay
	}
}
