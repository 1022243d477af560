// Package scheduler runs the periodic maintenance jobs for rtspserver,
// driving segment garbage collection and thumbnail refreshes from a
// cron runner with @every schedules derived from the cleanup config.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/internal/supervisor"
)

// Job is a named unit of periodic work.
type Job struct {
	// Name identifies the job in logs.
	Name string

	// Every is the interval between runs.
	Every time.Duration

	// Run performs the work. The context is cancelled when the
	// scheduler stops.
	Run func(ctx context.Context) error
}

// Maintenance returns the standard maintenance jobs for a supervisor:
// segment garbage collection and thumbnail refreshes, at the intervals
// from the cleanup config.
func Maintenance(cfg *config.Config, sup *supervisor.Supervisor) []Job {
	return []Job{
		{
			Name:  "segment-cleanup",
			Every: cfg.Cleanup.SegmentCleanupInterval,
			Run:   sup.CleanupSegments,
		},
		{
			Name:  "thumbnail-refresh",
			Every: cfg.Cleanup.ThumbnailRefreshInterval,
			Run:   sup.RefreshThumbnails,
		},
	}
}

// Scheduler runs maintenance jobs at fixed intervals. Runs of the same
// job never overlap; while one is still in flight its next tick is
// skipped.
type Scheduler struct {
	mu sync.Mutex

	jobs   []Job
	logger *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
}

// New creates a scheduler for the given jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Start registers all jobs with the cron runner and begins execution.
// The first run of each job happens one interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	cronLog := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog), cron.Recover(cronLog)),
	)

	for _, job := range s.jobs {
		if job.Every <= 0 {
			cancel()
			return fmt.Errorf("job %s: interval must be positive", job.Name)
		}
		spec := fmt.Sprintf("@every %s", job.Every)
		if _, err := c.AddFunc(spec, func() { s.runJob(runCtx, job) }); err != nil {
			cancel()
			return fmt.Errorf("scheduling job %s: %w", job.Name, err)
		}
	}

	c.Start()
	s.cron = c
	s.cancel = cancel

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels the job context and waits for in-flight runs to finish.
// The scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()

	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("maintenance job failed",
			slog.String("job", job.Name),
			slog.Any("error", err))
		return
	}
	s.logger.Debug("maintenance job finished",
		slog.String("job", job.Name),
		slog.Duration("elapsed", time.Since(start)))
}

// cronLogger adapts slog to the cron.Logger interface. Cron internals
// log at debug; errors keep their level.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
