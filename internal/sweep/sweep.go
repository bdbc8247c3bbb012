// Package sweep runs the periodic pass that picks up jobs whose retry time
// has elapsed and pushes them back through the executor. One sweep runs at a
// time per process; jobs within a sweep run sequentially to bound load on the
// analysis provider.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"repo-analysis-engine/internal/executor"
	"repo-analysis-engine/internal/models"
	"repo-analysis-engine/internal/scheduler"
	"repo-analysis-engine/internal/telemetry"
)

// JobStore is the subset of job persistence the sweep needs.
type JobStore interface {
	Get(ctx context.Context, id string) (models.Job, error)
	ClaimPending(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string, result models.AnalysisResult) error
	CountReady(ctx context.Context) (int64, error)
}

// Scheduler arms retries and lists due jobs.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, jobID, errMsg string) (scheduler.ScheduleResult, error)
	JobsReadyForRetry(ctx context.Context, limit int) []string
}

// Locker bounds duplicate sweeps across process instances. Acquire returning
// false means another instance holds the sweep; errors are advisory only.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Loop is the sweep lifecycle. Construct once, Start from the process
// bootstrap, Stop on shutdown; the in-flight tick finishes before Stop returns.
type Loop struct {
	jobs      JobStore
	sched     Scheduler
	exec      executor.Executor
	lock      Locker
	log       *slog.Logger
	batchSize int

	running sync.Mutex

	lifecycle sync.Mutex
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func New(jobs JobStore, sched Scheduler, exec executor.Executor, lock Locker, batchSize int, log *slog.Logger) *Loop {
	if batchSize <= 0 {
		batchSize = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{jobs: jobs, sched: sched, exec: exec, lock: lock, log: log, batchSize: batchSize}
}

// Start launches the periodic sweep. Calling Start on a running loop is a no-op.
func (l *Loop) Start(interval time.Duration) {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.started {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.started = true
	go l.run(interval)
	l.log.Info("sweep loop started", "interval", interval, "batch_size", l.batchSize)
}

// Stop halts the timer and waits for any in-flight tick to finish.
func (l *Loop) Stop() {
	l.lifecycle.Lock()
	if !l.started {
		l.lifecycle.Unlock()
		return
	}
	l.started = false
	stop, done := l.stop, l.done
	l.lifecycle.Unlock()

	close(stop)
	<-done
	l.log.Info("sweep loop stopped")
}

func (l *Loop) run(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.RunOnce(context.Background())
		}
	}
}

// RunOnce performs a single sweep. An overlapping call while a sweep is in
// progress is skipped, not queued: the next tick will pick up whatever is due.
func (l *Loop) RunOnce(ctx context.Context) {
	if !l.running.TryLock() {
		telemetry.SweepOverlapSkips.Inc()
		l.log.Debug("sweep already running, skipping tick")
		return
	}
	defer l.running.Unlock()

	if l.lock != nil {
		acquired, err := l.lock.Acquire(ctx)
		if err != nil {
			// Lock trouble must not stall retries; duplicate pickup is
			// deduped by ClaimPending anyway.
			l.log.Warn("sweep lock unavailable, sweeping without it", "error", err)
		} else if !acquired {
			l.log.Debug("another instance holds the sweep lock, skipping")
			return
		} else {
			defer func() {
				if err := l.lock.Release(ctx); err != nil {
					l.log.Warn("sweep lock release failed", "error", err)
				}
			}()
		}
	}

	start := time.Now()
	ids := l.sched.JobsReadyForRetry(ctx, l.batchSize)
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.Process(ctx, id)
	}

	if n, err := l.jobs.CountReady(ctx); err == nil {
		telemetry.JobsReadyGauge.Set(float64(n))
	}
	telemetry.SweepRuns.Inc()
	telemetry.SweepDuration.Observe(time.Since(start).Seconds())
	if len(ids) > 0 {
		l.log.Info("sweep finished", "picked_up", len(ids), "duration", time.Since(start))
	}
}

// Process runs one pending job through the executor: claim, execute, then
// complete or hand the failure to the scheduler. Any error or panic is
// contained to this job.
func (l *Loop) Process(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic while processing job", "job", jobID, "panic", r)
			if _, err := l.sched.ScheduleRetry(ctx, jobID, fmt.Sprintf("TEMPORARY_FAILURE: panic: %v", r)); err != nil {
				l.log.Error("failed to schedule retry after panic", "job", jobID, "error", err)
			}
		}
	}()

	claimed, err := l.jobs.ClaimPending(ctx, jobID)
	if err != nil {
		l.log.Warn("claim failed", "job", jobID, "error", err)
		return
	}
	if !claimed {
		// Someone else took it, or it already finished.
		l.log.Debug("job no longer pending, skipping", "job", jobID)
		return
	}
	telemetry.SweepJobsProcessed.Inc()

	job, err := l.jobs.Get(ctx, jobID)
	if err != nil {
		// The job is claimed as processing by now; leaving it there would
		// strand it outside both the retry scan and manual bulk retry.
		l.log.Error("load claimed job failed", "job", jobID, "error", err)
		l.scheduleRetry(ctx, jobID, fmt.Sprintf("TEMPORARY_FAILURE: load claimed job: %v", err))
		return
	}

	result, err := l.exec.Execute(ctx, job)
	if err != nil {
		l.scheduleRetry(ctx, jobID, err.Error())
		return
	}

	if err := l.jobs.Complete(ctx, jobID, result); err != nil {
		// Re-running the analysis is tolerated; a stuck processing row is not.
		l.log.Error("complete job failed", "job", jobID, "error", err)
		l.scheduleRetry(ctx, jobID, fmt.Sprintf("TEMPORARY_FAILURE: persist result: %v", err))
		return
	}
	telemetry.AnalysesCompleted.Inc()
	l.log.Info("analysis completed", "job", jobID)
}

func (l *Loop) scheduleRetry(ctx context.Context, jobID, errMsg string) {
	if _, err := l.sched.ScheduleRetry(ctx, jobID, errMsg); err != nil {
		l.log.Error("schedule retry failed", "job", jobID, "error", err)
	}
}
