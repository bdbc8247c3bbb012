package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"repo-analysis-engine/internal/config"
	"repo-analysis-engine/internal/models"
	"repo-analysis-engine/internal/policy"
)

type fakeJobs struct {
	jobs     map[string]models.Job
	ready    []string
	readyErr error
	setCalls int
}

func newFakeJobs(jobs ...models.Job) *fakeJobs {
	f := &fakeJobs{jobs: map[string]models.Job{}}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) Get(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, models.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) SetRetryState(_ context.Context, id, status string, retry *models.RetryMetadata) error {
	job, ok := f.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	f.setCalls++
	job.Status = status
	job.Retry = retry
	f.jobs[id] = job
	return nil
}

func (f *fakeJobs) ReadyForRetry(_ context.Context, limit int) ([]string, error) {
	if f.readyErr != nil {
		return nil, f.readyErr
	}
	if len(f.ready) > limit {
		return f.ready[:limit], nil
	}
	return f.ready, nil
}

func testPolicy() policy.Policy {
	return policy.Policy{
		RetryableTags: config.DefaultRetryableErrors,
		MaxRetries:    3,
		BaseDelay:     10 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      time.Second,
	}
}

func TestScheduleRetryArmsPendingJob(t *testing.T) {
	jobs := newFakeJobs(models.Job{ID: "j1", Status: models.StatusProcessing})
	s := New(jobs, testPolicy(), nil)

	result, err := s.ScheduleRetry(context.Background(), "j1", "NETWORK_ERROR: reset")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Scheduled {
		t.Fatal("transient first failure should schedule a retry")
	}
	if result.NextRetryAt == nil || !result.NextRetryAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("next retry at = %v", result.NextRetryAt)
	}
	if result.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", result.RetryCount)
	}

	job := jobs.jobs["j1"]
	if job.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.Retry == nil || !job.Retry.IsRetryable {
		t.Errorf("persisted retry metadata = %+v", job.Retry)
	}
	if jobs.setCalls != 1 {
		t.Errorf("persistence calls = %d, want a single update", jobs.setCalls)
	}
}

func TestScheduleRetryExhaustedLimit(t *testing.T) {
	p := testPolicy()
	jobs := newFakeJobs(models.Job{
		ID:     "j1",
		Status: models.StatusProcessing,
		Retry:  &models.RetryMetadata{RetryCount: p.MaxRetries - 1, MaxRetries: p.MaxRetries, IsRetryable: true},
	})
	s := New(jobs, p, nil)

	result, err := s.ScheduleRetry(context.Background(), "j1", "TIMEOUT_ERROR: slow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Scheduled {
		t.Fatal("exhausted job must not be rescheduled")
	}
	if jobs.jobs["j1"].Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", jobs.jobs["j1"].Status)
	}
}

func TestScheduleRetryPermanentError(t *testing.T) {
	jobs := newFakeJobs(models.Job{ID: "j1", Status: models.StatusProcessing})
	s := New(jobs, testPolicy(), nil)

	result, err := s.ScheduleRetry(context.Background(), "j1", "INVALID_API_KEY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Scheduled {
		t.Fatal("permanent error must not be rescheduled")
	}
	job := jobs.jobs["j1"]
	if job.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", job.Status)
	}
	if job.Retry == nil || job.Retry.LastError != "INVALID_API_KEY" {
		t.Errorf("retry metadata = %+v", job.Retry)
	}
}

func TestScheduleRetryUnknownJob(t *testing.T) {
	s := New(newFakeJobs(), testPolicy(), nil)
	_, err := s.ScheduleRetry(context.Background(), "missing", "NETWORK_ERROR")
	if !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("error = %v, want ErrJobNotFound", err)
	}
}

func TestJobsReadyForRetryDegradesOnFault(t *testing.T) {
	jobs := newFakeJobs()
	jobs.readyErr = errors.New("connection refused")
	s := New(jobs, testPolicy(), nil)

	if got := s.JobsReadyForRetry(context.Background(), 10); len(got) != 0 {
		t.Fatalf("store fault should yield an empty batch, got %v", got)
	}
}

func TestJobsReadyForRetryDefaultsLimit(t *testing.T) {
	jobs := newFakeJobs()
	jobs.ready = make([]string, 25)
	for i := range jobs.ready {
		jobs.ready[i] = "j"
	}
	s := New(jobs, testPolicy(), nil)

	if got := s.JobsReadyForRetry(context.Background(), 0); len(got) != 10 {
		t.Fatalf("default limit should cap at 10, got %d", len(got))
	}
}

func TestBulkRetryMixedBatch(t *testing.T) {
	p := testPolicy()
	jobs := newFakeJobs(
		models.Job{
			ID:     "eligible",
			Status: models.StatusFailed,
			Retry:  &models.RetryMetadata{RetryCount: 1, MaxRetries: p.MaxRetries, LastError: "INVALID_API_KEY"},
		},
	)
	s := New(jobs, p, nil)

	result := s.BulkRetry(context.Background(), []string{"eligible", "missing"}, "ops@example.com")
	if len(result.Successful) != 1 || result.Successful[0] != "eligible" {
		t.Fatalf("successful = %v", result.Successful)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("failed = %v", result.Failed)
	}
	if result.Failed[0].ID != "missing" || result.Failed[0].Error != "Analysis not found or access denied" {
		t.Errorf("failure entry = %+v", result.Failed[0])
	}

	job := jobs.jobs["eligible"]
	if job.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.Retry.RetriedBy != "ops@example.com" {
		t.Errorf("retried by = %q", job.Retry.RetriedBy)
	}
	if job.Retry.NextRetryAt == nil || job.Retry.NextRetryAt.After(time.Now()) {
		t.Errorf("manual retry should bypass the backoff delay: %v", job.Retry.NextRetryAt)
	}
}

func TestBulkRetryRejectsNonFailedJob(t *testing.T) {
	jobs := newFakeJobs(models.Job{ID: "done", Status: models.StatusCompleted})
	s := New(jobs, testPolicy(), nil)

	result := s.BulkRetry(context.Background(), []string{"done"}, "ops")
	if len(result.Failed) != 1 || result.Failed[0].Error != "Analysis is not in a failed state" {
		t.Fatalf("result = %+v", result)
	}
}

func TestBulkRetryRejectsExhaustedJob(t *testing.T) {
	p := testPolicy()
	jobs := newFakeJobs(models.Job{
		ID:     "spent",
		Status: models.StatusFailed,
		Retry:  &models.RetryMetadata{RetryCount: p.MaxRetries, MaxRetries: p.MaxRetries},
	})
	s := New(jobs, p, nil)

	result := s.BulkRetry(context.Background(), []string{"spent"}, "ops")
	if len(result.Failed) != 1 || result.Failed[0].Error != "Analysis has exhausted its retry limit" {
		t.Fatalf("result = %+v", result)
	}
}
