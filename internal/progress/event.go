package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported stages.
const (
	StageCrawlStart  Stage = "CRAWL_START"
	StagePageFetched Stage = "PAGE_FETCHED"
	StagePageDelay   Stage = "PAGE_DELAY"
	StageCrawlRetry  Stage = "CRAWL_RETRY"
	StageCrawlDone   Stage = "CRAWL_DONE"
	StageCrawlError  Stage = "CRAWL_ERROR"
	StageExportStart Stage = "EXPORT_START"
	StageExportDone  Stage = "EXPORT_DONE"
	StageExportError Stage = "EXPORT_ERROR"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageCrawlDone, StageCrawlError, StageExportDone, StageExportError:
		return true
	default:
		return false
	}
}

// Event is one progress milestone.
type Event struct {
	// RunID ties the event to a crawl or export run.
	RunID string
	// TS is the UTC time recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Page is the zero-based page index for page events.
	Page   int
	Offset int
	// PageItems counts items in the page just fetched.
	PageItems int
	// Items is the running total of harvested items (or exported rows).
	Items int
	// Total is the listing size reported by the first page.
	Total int
	// Attempt is the zero-based whole-crawl attempt.
	Attempt int
	Dur     time.Duration
	// Path is the snapshot or spreadsheet written by a finished run.
	Path string
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlRetry, StageCrawlDone, StageCrawlError,
		StageExportStart, StageExportDone, StageExportError:
	case StagePageFetched, StagePageDelay:
		if e.Page < 0 || e.Offset < 0 {
			return errors.New("page events require non-negative page and offset")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
