package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"compliance-backend/internal/shared/telemetry"
)

// JobReconciler fails jobs whose progress stopped.
type JobReconciler interface {
	SweepStale(ctx context.Context, pendingGrace, runningGrace time.Duration) (int, error)
}

// CachePruner drops expired parameter cache entries.
type CachePruner interface {
	PruneExpired() int
}

// LeaseReleaser returns tasks with expired locks to the pending pool.
type LeaseReleaser interface {
	ReleaseExpired(ctx context.Context) (int, error)
}

// Options control grace periods and the per-run deadline.
type Options struct {
	PendingGrace time.Duration
	RunningGrace time.Duration
	RunTimeout   time.Duration
}

// Report summarises one sweep.
type Report struct {
	FailedJobs     int
	PrunedEntries  int
	ReleasedLeases int
}

// Sweeper runs the reconciliation passes. Nil dependencies are skipped.
type Sweeper struct {
	Jobs   JobReconciler
	Cache  CachePruner
	Leases LeaseReleaser
	Opts   Options

	mu   sync.Mutex
	cron *cron.Cron
}

// New returns a Sweeper with default grace periods filled in.
func New(jobs JobReconciler, cache CachePruner, leases LeaseReleaser, opts Options) *Sweeper {
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = 10 * time.Minute
	}
	if opts.RunningGrace <= 0 {
		opts.RunningGrace = 5 * time.Minute
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = time.Minute
	}
	return &Sweeper{Jobs: jobs, Cache: cache, Leases: leases, Opts: opts}
}

// RunOnce executes every pass. A failing pass is logged and does not stop
// the others; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var firstErr error

	if s.Leases != nil {
		n, err := s.Leases.ReleaseExpired(ctx)
		if err != nil {
			telemetry.Error("sweeper.release_failed", map[string]any{"error": err.Error()})
			firstErr = err
		}
		report.ReleasedLeases = n
	}
	if s.Jobs != nil {
		n, err := s.Jobs.SweepStale(ctx, s.Opts.PendingGrace, s.Opts.RunningGrace)
		if err != nil {
			telemetry.Error("sweeper.jobs_failed", map[string]any{"error": err.Error()})
			if firstErr == nil {
				firstErr = err
			}
		}
		report.FailedJobs = n
	}
	if s.Cache != nil {
		report.PrunedEntries = s.Cache.PruneExpired()
	}

	if report.FailedJobs+report.PrunedEntries+report.ReleasedLeases > 0 {
		telemetry.Info("sweeper.run", map[string]any{
			"failed_jobs":     report.FailedJobs,
			"pruned_entries":  report.PrunedEntries,
			"released_leases": report.ReleasedLeases,
		})
	}
	return report, firstErr
}

// Start schedules RunOnce on schedule (standard five-field cron or descriptors
// such as "@every 1m"). Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, s.Opts.RunTimeout)
		defer cancel()
		_, _ = s.RunOnce(runCtx)
	}); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c

	telemetry.Info("sweeper.started", map[string]any{
		"schedule":      schedule,
		"pending_grace": s.Opts.PendingGrace.String(),
		"running_grace": s.Opts.RunningGrace.String(),
	})
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
