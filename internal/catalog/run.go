package catalog

import (
	"context"
	"time"
)

// RunKind distinguishes crawl runs from export runs.
type RunKind string

// Supported run kinds.
const (
	RunKindCrawl  RunKind = "crawl"
	RunKindExport RunKind = "export"
)

// RunStatus enumerates the lifecycle of a run.
type RunStatus string

// Supported run statuses.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// RunProgress holds the counters and result location of a run.
type RunProgress struct {
	Pages    int    `json:"pages"`
	Items    int    `json:"items"`
	Total    int    `json:"total"`
	Attempts int    `json:"attempts"`
	Path     string `json:"path,omitempty"`
}

// Run is one crawl or export triggered through the CLI, API or scheduler.
type Run struct {
	ID        string      `json:"id"`
	Kind      RunKind     `json:"kind"`
	Status    RunStatus   `json:"status"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	Progress  RunProgress `json:"progress"`
	ErrorText string      `json:"error,omitempty"`
}

// RunStore tracks runs for status reporting.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errText string) error
	RecordProgress(ctx context.Context, id string, progress RunProgress) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, kind RunKind) ([]Run, error)
}
