package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"repo-analysis-engine/internal/ledger"
	"repo-analysis-engine/internal/models"
	"repo-analysis-engine/internal/scheduler"
	"repo-analysis-engine/internal/telemetry"
)

type fakeLedgerStore struct {
	mu        sync.Mutex
	balances  map[string]int64
	txs       []models.Transaction
	creditErr error
}

func newFakeLedgerStore(balances map[string]int64) *fakeLedgerStore {
	return &fakeLedgerStore{balances: balances}
}

func (f *fakeLedgerStore) Balance(_ context.Context, accountID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[accountID], nil
}

func (f *fakeLedgerStore) Debit(_ context.Context, accountID string, amount int64, description string, _ map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[accountID] < amount {
		return 0, models.ErrInsufficientCredits
	}
	f.balances[accountID] -= amount
	f.txs = append(f.txs, models.Transaction{AccountID: accountID, Type: models.TxDeduction, Amount: -amount, Description: description})
	return f.balances[accountID], nil
}

func (f *fakeLedgerStore) Credit(_ context.Context, accountID string, amount int64, txType, description string, _ map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditErr != nil {
		return 0, f.creditErr
	}
	f.balances[accountID] += amount
	f.txs = append(f.txs, models.Transaction{AccountID: accountID, Type: txType, Amount: amount, Description: description})
	return f.balances[accountID], nil
}

func (f *fakeLedgerStore) Transactions(_ context.Context, accountID string, _ int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, tx := range f.txs {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

type fakeJobs struct {
	mu        sync.Mutex
	created   []models.Job
	createErr error
}

func (f *fakeJobs) Create(_ context.Context, accountID string, metrics models.RepositoryMetrics, creditsCost int) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return models.Job{}, f.createErr
	}
	job := models.Job{ID: "job-1", AccountID: accountID, Status: models.StatusPending, CreditsCost: creditsCost, Metrics: metrics}
	f.created = append(f.created, job)
	return job, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.created {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, models.ErrJobNotFound
}

func (f *fakeJobs) ListByAccount(_ context.Context, accountID string, _ int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.created {
		if j.AccountID == accountID {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeProcessor struct {
	processed chan string
}

func (f *fakeProcessor) Process(_ context.Context, jobID string) {
	f.processed <- jobID
}

type fakeRetrySched struct{}

func (fakeRetrySched) BulkRetry(context.Context, []string, string) scheduler.BulkRetryResult {
	return scheduler.BulkRetryResult{}
}

func newTestServer(store *fakeLedgerStore, jobs *fakeJobs, proc *fakeProcessor) *Server {
	return New(ledger.New(store, nil), jobs, fakeRetrySched{}, proc, nil, nil)
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitDebitsAndStartsProcessing(t *testing.T) {
	store := newFakeLedgerStore(map[string]int64{"acct-1": 100})
	jobs := &fakeJobs{}
	proc := &fakeProcessor{processed: make(chan string, 1)}
	srv := newTestServer(store, jobs, proc)

	rec := postJSON(t, srv.Router(), "/analyses", submitRequest{
		AccountID: "acct-1",
		Metrics:   models.RepositoryMetrics{SizeKB: 100, FileCount: 10, Complexity: 1},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CreditsCost != 3 || resp.NewBalance != 97 {
		t.Errorf("cost=%d balance=%d, want 3 and 97", resp.CreditsCost, resp.NewBalance)
	}

	select {
	case id := <-proc.processed:
		if id != resp.Job.ID {
			t.Errorf("processed %q, want %q", id, resp.Job.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("accepted analysis was never handed to the processor")
	}
}

func TestSubmitRejectsInsufficientCredits(t *testing.T) {
	store := newFakeLedgerStore(map[string]int64{"acct-1": 1})
	jobs := &fakeJobs{}
	proc := &fakeProcessor{processed: make(chan string, 1)}
	srv := newTestServer(store, jobs, proc)

	rec := postJSON(t, srv.Router(), "/analyses", submitRequest{
		AccountID: "acct-1",
		Metrics:   models.RepositoryMetrics{SizeKB: 100, FileCount: 10, Complexity: 1},
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != models.ErrInsufficientCredits.Error() {
		t.Errorf("error = %v", resp["error"])
	}
	if resp["balance"] != float64(1) || resp["credits_cost"] != float64(3) {
		t.Errorf("balance=%v cost=%v", resp["balance"], resp["credits_cost"])
	}
	if len(jobs.created) != 0 {
		t.Error("no job should be created for a rejected submission")
	}
}

func TestSubmitRefundsWhenCreateFails(t *testing.T) {
	store := newFakeLedgerStore(map[string]int64{"acct-1": 100})
	jobs := &fakeJobs{createErr: errors.New("insert job: connection reset")}
	proc := &fakeProcessor{processed: make(chan string, 1)}
	srv := newTestServer(store, jobs, proc)

	rec := postJSON(t, srv.Router(), "/analyses", submitRequest{
		AccountID: "acct-1",
		Metrics:   models.RepositoryMetrics{SizeKB: 100, FileCount: 10, Complexity: 1},
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.balances["acct-1"] != 100 {
		t.Errorf("balance = %d, want the debit refunded back to 100", store.balances["acct-1"])
	}
	var refunds int
	for _, tx := range store.txs {
		if tx.Type == models.TxRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Errorf("refund transactions = %d, want 1", refunds)
	}
}

func TestSubmitCountsFailedRefund(t *testing.T) {
	store := newFakeLedgerStore(map[string]int64{"acct-1": 100})
	store.creditErr = errors.New("connection reset")
	jobs := &fakeJobs{createErr: errors.New("insert job: connection reset")}
	proc := &fakeProcessor{processed: make(chan string, 1)}
	srv := newTestServer(store, jobs, proc)

	before := testutil.ToFloat64(telemetry.RefundFailures)
	rec := postJSON(t, srv.Router(), "/analyses", submitRequest{
		AccountID: "acct-1",
		Metrics:   models.RepositoryMetrics{SizeKB: 100, FileCount: 10, Complexity: 1},
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := testutil.ToFloat64(telemetry.RefundFailures); got != before+1 {
		t.Errorf("refund failure counter = %v, want %v", got, before+1)
	}
}
