package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Page-level events go to debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("page", evt.Page),
			zap.Int("offset", evt.Offset),
			zap.Int("items", evt.Items),
			zap.Int("total", evt.Total),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Path != "" {
			fields = append(fields, zap.String("path", evt.Path))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StagePageFetched, progress.StagePageDelay:
			s.logger.Debug("progress event", fields...)
		case progress.StageCrawlError, progress.StageExportError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
