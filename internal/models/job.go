package models

import (
	"time"
)

// JobStatus enumerates analysis job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job represents one unit of asynchronous, potentially-retryable analysis work.
// Retry is nil until the first failure.
type Job struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Status      string            `json:"status"`
	CreditsCost int               `json:"credits_cost"`
	Metrics     RepositoryMetrics `json:"metrics"`
	Retry       *RetryMetadata    `json:"retry,omitempty"`
	Result      *AnalysisResult   `json:"result,omitempty"`
	LastError   *string           `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RepositoryMetrics are the pricing inputs for one analysis.
type RepositoryMetrics struct {
	SizeKB     int `json:"size_kb"`
	FileCount  int `json:"file_count"`
	Complexity int `json:"complexity"`
}

// AnalysisResult is the outcome attached to a completed job. The engine treats
// it as opaque; only the executor produces it.
type AnalysisResult struct {
	Summary  string         `json:"summary"`
	Findings map[string]any `json:"findings,omitempty"`
}

// RetryMetadata is the retry history embedded in a job row (JSONB column).
// The zero value means "never failed": count 0, retryable, no attempts.
type RetryMetadata struct {
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	Attempts    []RetryAttempt `json:"attempts,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	IsRetryable bool           `json:"is_retryable"`
	RetriedBy   string         `json:"retried_by,omitempty"`
}

// RetryAttempt records a single failed execution.
type RetryAttempt struct {
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Error         string    `json:"error"`
	DelayMs       int64     `json:"delay_ms,omitempty"`
}
