// Package schedule re-runs harvests periodically using robfig/cron.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job performs one scheduled harvest.
type Job func(ctx context.Context) error

// Config selects when the job fires. Cron wins over Interval.
type Config struct {
	Interval time.Duration
	// Cron accepts five or six fields (seconds optional) or descriptors
	// such as "@hourly".
	Cron string
	// RunOnStart fires the job once as soon as Run is called.
	RunOnStart bool
	Logger     *zap.Logger
}

// Scheduler fires a Job on a cron schedule. A tick that arrives while the
// previous run is still going is skipped.
type Scheduler struct {
	cron       *cron.Cron
	entry      cron.EntryID
	spec       string
	job        Job
	runOnStart bool
	logger     *zap.Logger

	mu   sync.Mutex
	ctx  context.Context
	runs atomic.Int64
	fail atomic.Int64
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Spec renders the cron spec for cfg.
func Spec(cfg Config) (string, error) {
	if expr := strings.TrimSpace(cfg.Cron); expr != "" {
		return expr, nil
	}
	if cfg.Interval <= 0 {
		return "", errors.New("either a cron expression or a positive interval is required")
	}
	if cfg.Interval < time.Second {
		return "", fmt.Errorf("interval %s is below the one second resolution", cfg.Interval)
	}
	return "@every " + cfg.Interval.String(), nil
}

// New validates cfg and registers job.
func New(cfg Config, job Job) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	spec, err := Spec(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := NewLogger(logger)
	s := &Scheduler{
		spec:       spec,
		job:        job,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
		ctx:        context.Background(),
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	s.entry, err = s.cron.AddFunc(spec, s.fire)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Spec returns the active cron spec.
func (s *Scheduler) Spec() string {
	return s.spec
}

// Next returns the next planned fire time, zero before Run starts.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Runs counts completed job invocations.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// Failures counts job invocations that returned an error.
func (s *Scheduler) Failures() int64 {
	return s.fail.Load()
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running job to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.String("spec", s.spec), zap.Time("next", s.Next()))
	var first sync.WaitGroup
	if s.runOnStart {
		// Routed through the entry's wrapped job so overlap rules apply.
		job := s.cron.Entry(s.entry).WrappedJob
		first.Add(1)
		go func() {
			defer first.Done()
			job.Run()
		}()
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	first.Wait()
	s.logger.Info("Scheduler stopped", zap.Int64("runs", s.runs.Load()), zap.Int64("failures", s.fail.Load()))
	return nil
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	err := s.job(ctx)
	s.runs.Add(1)
	if err != nil {
		s.fail.Add(1)
		s.logger.Error("Scheduled run failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return
	}
	s.logger.Info("Scheduled run finished", zap.Duration("elapsed", time.Since(started)), zap.Time("next", s.Next()))
}
