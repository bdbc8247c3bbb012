// Package executor defines the boundary to the analysis collaborator. The
// engine never looks inside an analysis; it only runs it and interprets
// success or the returned error message.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"repo-analysis-engine/internal/models"
)

// Executor performs one analysis job.
type Executor interface {
	Execute(ctx context.Context, job models.Job) (models.AnalysisResult, error)
}

type timeoutExecutor struct {
	inner   Executor
	timeout time.Duration
}

// WithTimeout bounds each Execute call. Expiry surfaces as a TIMEOUT_ERROR
// message, which the retry policy classifies as transient.
func WithTimeout(inner Executor, timeout time.Duration) Executor {
	if timeout <= 0 {
		return inner
	}
	return &timeoutExecutor{inner: inner, timeout: timeout}
}

func (e *timeoutExecutor) Execute(ctx context.Context, job models.Job) (models.AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.inner.Execute(ctx, job)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.AnalysisResult{}, fmt.Errorf("TIMEOUT_ERROR: analysis exceeded %s: %w", e.timeout, err)
	}
	return result, err
}

// HTTPExecutor submits jobs to the analysis service over HTTP. Transport and
// upstream failures are tagged so the retry policy can classify them.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

func NewHTTP(url string) *HTTPExecutor {
	return &HTTPExecutor{url: url, client: &http.Client{}}
}

type executeRequest struct {
	JobID     string                   `json:"job_id"`
	AccountID string                   `json:"account_id"`
	Metrics   models.RepositoryMetrics `json:"metrics"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, job models.Job) (models.AnalysisResult, error) {
	body, err := json.Marshal(executeRequest{JobID: job.ID, AccountID: job.AccountID, Metrics: job.Metrics})
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("NETWORK_ERROR: analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.AnalysisResult{}, fmt.Errorf("RATE_LIMIT_ERROR: analysis service throttled the request")
	case resp.StatusCode >= 500:
		return models.AnalysisResult{}, fmt.Errorf("AI_PROVIDER_ERROR: analysis service returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.AnalysisResult{}, fmt.Errorf("analysis rejected with %d: %s", resp.StatusCode, msg)
	}

	var result models.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("AI_PROVIDER_ERROR: malformed analysis response: %w", err)
	}
	return result, nil
}
