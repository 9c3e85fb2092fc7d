package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// PrometheusSink derives run lifecycle metrics from progress events.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	crawlRetries  prometheus.Counter

	mu     sync.Mutex
	active map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Runs started, partitioned by kind.",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Runs completed, partitioned by kind and result.",
		}, []string{"kind", "result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_active",
			Help: "Runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind", "result"}),
		crawlRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_crawl_retries_total",
			Help: "Whole-crawl retries after a failed attempt.",
		}),
		active: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.crawlRetries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCrawlStart:
			s.start(evt, "crawl")
		case progress.StageExportStart:
			s.start(evt, "export")
		case progress.StageCrawlRetry:
			s.crawlRetries.Inc()
		case progress.StageCrawlDone:
			s.finish(evt, "crawl", "success")
		case progress.StageCrawlError:
			s.finish(evt, "crawl", "error")
		case progress.StageExportDone:
			s.finish(evt, "export", "success")
		case progress.StageExportError:
			s.finish(evt, "export", "error")
		}
	}
	return nil
}

func (s *PrometheusSink) start(evt progress.Event, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[evt.RunID]; ok {
		return
	}
	s.active[evt.RunID] = struct{}{}
	s.runsStarted.WithLabelValues(kind).Inc()
	s.runsActive.Inc()
}

func (s *PrometheusSink) finish(evt progress.Event, kind, result string) {
	s.runsCompleted.WithLabelValues(kind, result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[evt.RunID]; ok {
		delete(s.active, evt.RunID)
		s.runsActive.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
