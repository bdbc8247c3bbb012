package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"repo-analysis-engine/internal/models"
)

// JobStore persists analysis jobs. The retry metadata lives in a JSONB column
// written in the same UPDATE as the status, so readers never observe a status
// without its matching retry state. next_retry_at is denormalized into its own
// column purely so the ready-for-retry scan can use an index.
type JobStore struct {
	pool *pgxpool.Pool
}

// Create inserts a pending job and returns it with id and timestamps filled.
func (s *JobStore) Create(ctx context.Context, accountID string, metrics models.RepositoryMetrics, creditsCost int) (models.Job, error) {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metrics: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, account_id, status, credits_cost, metrics, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, accountID, models.StatusPending, creditsCost, metricsJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		AccountID:   accountID,
		Status:      models.StatusPending,
		CreditsCost: creditsCost,
		Metrics:     metrics,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get fetches a job by id, models.ErrJobNotFound when absent.
func (s *JobStore) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrJobNotFound
	}
	return job, err
}

const jobColumns = `SELECT id, account_id, status, credits_cost, metrics, retry, result, last_error, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var metricsJSON, retryJSON, resultJSON []byte
	var lastErr pgtype.Text
	var completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.AccountID, &job.Status, &job.CreditsCost, &metricsJSON, &retryJSON, &resultJSON, &lastErr, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, err
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(metricsJSON, &job.Metrics); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if len(retryJSON) > 0 {
		var retry models.RetryMetadata
		if err := json.Unmarshal(retryJSON, &retry); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal retry metadata: %w", err)
		}
		job.Retry = &retry
	}
	if len(resultJSON) > 0 {
		var result models.AnalysisResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// SetRetryState writes status, retry metadata and last error in one UPDATE.
// next_retry_at mirrors retry.NextRetryAt for the ready-for-retry index.
func (s *JobStore) SetRetryState(ctx context.Context, id, status string, retry *models.RetryMetadata) error {
	var retryJSON []byte
	var nextRetryAt *time.Time
	var lastError *string
	if retry != nil {
		b, err := json.Marshal(retry)
		if err != nil {
			return fmt.Errorf("marshal retry metadata: %w", err)
		}
		retryJSON = b
		nextRetryAt = retry.NextRetryAt
		if retry.LastError != "" {
			lastError = &retry.LastError
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, retry = $3, next_retry_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, retryJSON, nextRetryAt, lastError)
	if err != nil {
		return fmt.Errorf("update retry state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// ClaimPending flips a pending job to processing. Returns false when the job
// is no longer pending, which dedupes at-least-once sweep pickup across
// processes.
func (s *JobStore) ClaimPending(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete marks a job completed with its result attached.
func (s *JobStore) Complete(ctx context.Context, id string, result models.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, last_error = NULL, next_retry_at = NULL, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, resultJSON)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// ReadyForRetry returns ids of pending jobs whose retry time has elapsed,
// oldest-created first. Pending jobs with no retry time at all are picked up
// once they go stale: those were submitted and debited, but the process that
// would have executed them died before its async handoff ran.
func (s *JobStore) ReadyForRetry(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = $1 AND (
			(next_retry_at IS NOT NULL AND next_retry_at <= NOW())
			OR (next_retry_at IS NULL AND updated_at <= NOW() - INTERVAL '5 minutes')
		)
		ORDER BY created_at ASC
		LIMIT $2
	`, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query ready jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountReady returns how many jobs are currently due for retry.
func (s *JobStore) CountReady(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = $1 AND (
			(next_retry_at IS NOT NULL AND next_retry_at <= NOW())
			OR (next_retry_at IS NULL AND updated_at <= NOW() - INTERVAL '5 minutes')
		)
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

// ListByAccount returns the most recent jobs for an account.
func (s *JobStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, jobColumns+` FROM jobs WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
