package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// RunStoreSink folds page and attempt events into run counters. Terminal
// status is written by the run manager, not here.
type RunStoreSink struct {
	store  catalog.RunStore
	logger *zap.Logger
}

// NewRunStoreSink constructs a RunStoreSink.
func NewRunStoreSink(store catalog.RunStore, logger *zap.Logger) *RunStoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunStoreSink{store: store, logger: logger}
}

// Consume records progress counters for each relevant event.
func (s *RunStoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		var update catalog.RunProgress
		switch evt.Stage {
		case progress.StagePageFetched:
			update = catalog.RunProgress{Pages: evt.Page + 1, Items: evt.Items, Total: evt.Total}
		case progress.StageCrawlStart, progress.StageCrawlRetry:
			update = catalog.RunProgress{Attempts: evt.Attempt + 1}
		case progress.StageCrawlDone, progress.StageExportDone:
			update = catalog.RunProgress{Items: evt.Items, Total: evt.Total, Path: evt.Path}
		default:
			continue
		}
		if err := s.store.RecordProgress(ctx, evt.RunID, update); err != nil {
			errs = append(errs, fmt.Errorf("record progress for %s: %w", evt.RunID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *RunStoreSink) Close(context.Context) error {
	return nil
}
