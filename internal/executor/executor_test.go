package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"repo-analysis-engine/internal/models"
)

func testJob() models.Job {
	return models.Job{
		ID:        "job-1",
		AccountID: "acct-1",
		Metrics:   models.RepositoryMetrics{SizeKB: 100, FileCount: 10, Complexity: 5},
	}
}

func TestHTTPExecutorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":"no issues found"}`))
	}))
	defer srv.Close()

	result, err := NewHTTP(srv.URL).Execute(context.Background(), testJob())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Summary != "no issues found" {
		t.Errorf("summary = %q", result.Summary)
	}
}

func TestHTTPExecutorTagsUpstreamFailures(t *testing.T) {
	cases := []struct {
		status int
		tag    string
	}{
		{http.StatusTooManyRequests, "RATE_LIMIT_ERROR"},
		{http.StatusBadGateway, "AI_PROVIDER_ERROR"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := NewHTTP(srv.URL).Execute(context.Background(), testJob())
		srv.Close()
		if err == nil || !strings.Contains(err.Error(), tc.tag) {
			t.Errorf("status %d: error = %v, want tag %s", tc.status, err, tc.tag)
		}
	}
}

func TestHTTPExecutorTagsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately, so the request fails at the transport

	_, err := NewHTTP(srv.URL).Execute(context.Background(), testJob())
	if err == nil || !strings.Contains(err.Error(), "NETWORK_ERROR") {
		t.Fatalf("error = %v, want NETWORK_ERROR tag", err)
	}
}

func TestWithTimeoutTagsExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	exec := WithTimeout(NewHTTP(srv.URL), 20*time.Millisecond)
	_, err := exec.Execute(context.Background(), testJob())
	if err == nil || !strings.Contains(err.Error(), "TIMEOUT_ERROR") {
		t.Fatalf("error = %v, want TIMEOUT_ERROR tag", err)
	}
}

func TestWithTimeoutPassesThroughFastCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"summary":"ok"}`))
	}))
	defer srv.Close()

	result, err := WithTimeout(NewHTTP(srv.URL), time.Second).Execute(context.Background(), testJob())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Summary != "ok" {
		t.Errorf("summary = %q", result.Summary)
	}
}
