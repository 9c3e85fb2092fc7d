package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// RunStore keeps run records for the lifetime of the process.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]catalog.Run
	now  func() time.Time
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]catalog.Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run catalog.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	if run.Status == "" {
		run.Status = catalog.RunStatusQueued
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRunStatus moves a run to status. Terminal runs are never reopened.
func (s *RunStore) UpdateRunStatus(_ context.Context, id string, status catalog.RunStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = status
	run.ErrorText = errText
	now := s.now()
	if status == catalog.RunStatusRunning && run.Started == nil {
		run.Started = pointerTime(now)
	}
	if status.Terminal() {
		if run.Started == nil {
			run.Started = pointerTime(now)
		}
		run.Finished = pointerTime(now)
	}
	s.runs[id] = run
	return nil
}

// RecordProgress merges counters into a run. Zero fields leave the stored
// value untouched so partial updates from progress events do not erase data.
func (s *RunStore) RecordProgress(_ context.Context, id string, progress catalog.RunProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if progress.Pages > 0 {
		run.Progress.Pages = progress.Pages
	}
	if progress.Items > 0 {
		run.Progress.Items = progress.Items
	}
	if progress.Total > 0 {
		run.Progress.Total = progress.Total
	}
	if progress.Attempts > 0 {
		run.Progress.Attempts = progress.Attempts
	}
	if progress.Path != "" {
		run.Progress.Path = progress.Path
	}
	s.runs[id] = run
	return nil
}

// GetRun fetches a run by id.
func (s *RunStore) GetRun(_ context.Context, id string) (catalog.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return catalog.Run{}, ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns runs of kind (all kinds when empty), newest first.
func (s *RunStore) ListRuns(_ context.Context, kind catalog.RunKind) ([]catalog.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if kind != "" && run.Kind != kind {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID > out[j].ID
		}
		return out[i].Submitted.After(out[j].Submitted)
	})
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
