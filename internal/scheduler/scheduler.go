// Package scheduler decides what happens to a failed analysis job: re-armed
// for a later retry, or terminally failed. It owns every job status
// transition out of a failure, each persisted as a single update so readers
// never observe a partial state.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"repo-analysis-engine/internal/models"
	"repo-analysis-engine/internal/policy"
	"repo-analysis-engine/internal/telemetry"
)

// JobStore is the persistence the scheduler drives.
type JobStore interface {
	Get(ctx context.Context, id string) (models.Job, error)
	SetRetryState(ctx context.Context, id, status string, retry *models.RetryMetadata) error
	ReadyForRetry(ctx context.Context, limit int) ([]string, error)
}

// ScheduleResult reports the outcome of scheduling one retry.
type ScheduleResult struct {
	Scheduled   bool       `json:"scheduled"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

// BulkRetryFailure explains why one job in a manual batch was not reset.
type BulkRetryFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkRetryResult reports per-item outcomes of a manual bulk retry.
type BulkRetryResult struct {
	Successful []string           `json:"successful"`
	Failed     []BulkRetryFailure `json:"failed"`
}

// Scheduler applies the retry policy to persisted jobs.
type Scheduler struct {
	jobs   JobStore
	policy policy.Policy
	log    *slog.Logger
	now    func() time.Time
}

func New(jobs JobStore, p policy.Policy, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{jobs: jobs, policy: p, log: log, now: time.Now}
}

// ScheduleRetry records a failure against the job and either re-arms it
// (status pending, future retry time) or fails it terminally. Returns
// models.ErrJobNotFound for an unknown job; that is a bug or race signal, not
// something to swallow.
func (s *Scheduler) ScheduleRetry(ctx context.Context, jobID, errMsg string) (ScheduleResult, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return ScheduleResult{}, err
	}

	meta := s.policy.Next(job.Retry, errMsg, s.now().UTC())
	if meta.IsRetryable {
		if err := s.jobs.SetRetryState(ctx, jobID, models.StatusPending, &meta); err != nil {
			return ScheduleResult{}, err
		}
		telemetry.RetriesScheduled.Inc()
		s.log.Info("retry scheduled", "job", jobID, "attempt", meta.RetryCount, "next_retry_at", meta.NextRetryAt)
		return ScheduleResult{Scheduled: true, NextRetryAt: meta.NextRetryAt, RetryCount: meta.RetryCount}, nil
	}

	if err := s.jobs.SetRetryState(ctx, jobID, models.StatusFailed, &meta); err != nil {
		return ScheduleResult{}, err
	}
	telemetry.AnalysesFailed.Inc()
	s.log.Warn("job terminally failed", "job", jobID, "attempts", meta.RetryCount, "error", errMsg)
	return ScheduleResult{Scheduled: false, RetryCount: meta.RetryCount}, nil
}

// JobsReadyForRetry returns pending jobs whose retry time has elapsed, oldest
// first. A store fault degrades to an empty batch: the sweep loop tolerates a
// missed tick, it must not crash on one.
func (s *Scheduler) JobsReadyForRetry(ctx context.Context, limit int) []string {
	if limit <= 0 {
		limit = 10
	}
	ids, err := s.jobs.ReadyForRetry(ctx, limit)
	if err != nil {
		s.log.Warn("ready-for-retry query failed", "error", err)
		return nil
	}
	return ids
}

// BulkRetry resets failed jobs to pending for immediate reprocessing,
// bypassing the backoff delay and recording who triggered it. Each job is
// validated independently; one bad id never aborts the batch.
func (s *Scheduler) BulkRetry(ctx context.Context, jobIDs []string, actor string) BulkRetryResult {
	result := BulkRetryResult{Successful: []string{}, Failed: []BulkRetryFailure{}}
	for _, id := range jobIDs {
		if err := s.retryOne(ctx, id, actor); err != "" {
			result.Failed = append(result.Failed, BulkRetryFailure{ID: id, Error: err})
			continue
		}
		result.Successful = append(result.Successful, id)
	}
	return result
}

// retryOne returns a human-readable reason when the job cannot be reset.
func (s *Scheduler) retryOne(ctx context.Context, jobID, actor string) string {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return "Analysis not found or access denied"
	}
	if job.Status != models.StatusFailed {
		return "Analysis is not in a failed state"
	}

	meta := s.policy.Materialize(job.Retry)
	if meta.RetryCount >= meta.MaxRetries {
		return "Analysis has exhausted its retry limit"
	}

	now := s.now().UTC()
	meta.IsRetryable = true
	meta.NextRetryAt = &now
	meta.RetriedBy = actor
	if err := s.jobs.SetRetryState(ctx, jobID, models.StatusPending, &meta); err != nil {
		return "Failed to reset analysis: " + err.Error()
	}
	s.log.Info("manual retry", "job", jobID, "actor", actor)
	return ""
}
