package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"repo-analysis-engine/internal/ledger"
	"repo-analysis-engine/internal/models"
	"repo-analysis-engine/internal/ratelimit"
	"repo-analysis-engine/internal/scheduler"
	"repo-analysis-engine/internal/telemetry"
)

// JobStore is the job persistence the API reads and writes.
type JobStore interface {
	Create(ctx context.Context, accountID string, metrics models.RepositoryMetrics, creditsCost int) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Job, error)
}

// RetryScheduler handles manual bulk retries.
type RetryScheduler interface {
	BulkRetry(ctx context.Context, jobIDs []string, actor string) scheduler.BulkRetryResult
}

// Processor runs one submitted job through the executor.
type Processor interface {
	Process(ctx context.Context, jobID string)
}

// Server wires the HTTP handlers exposed to request-handling code:
// submission, balance and top-up, job status, and manual bulk retry.
type Server struct {
	ledger  *ledger.Ledger
	jobs    JobStore
	sched   RetryScheduler
	sweeper Processor
	limiter *ratelimit.SubmissionLimiter
	log     *slog.Logger
}

// New constructs the API server.
func New(l *ledger.Ledger, jobs JobStore, sched RetryScheduler, sweeper Processor, limiter *ratelimit.SubmissionLimiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{ledger: l, jobs: jobs, sched: sched, sweeper: sweeper, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/analyses", s.handleSubmit)
	r.Post("/analyses/estimate", s.handleEstimate)
	r.Post("/analyses/retry", s.handleBulkRetry)
	r.Get("/analyses/{id}", s.handleGetAnalysis)

	r.Get("/accounts/{id}/balance", s.handleBalance)
	r.Get("/accounts/{id}/transactions", s.handleTransactions)
	r.Get("/accounts/{id}/analyses", s.handleAccountAnalyses)
	r.Post("/accounts/{id}/credits", s.handleCredit)
	return r
}

type submitRequest struct {
	AccountID string                   `json:"account_id"`
	Metrics   models.RepositoryMetrics `json:"metrics"`
}

type submitResponse struct {
	Job         models.Job `json:"job"`
	CreditsCost int        `json:"credits_cost"`
	NewBalance  int64      `json:"new_balance"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if req.Metrics.SizeKB < 0 || req.Metrics.FileCount < 0 {
		http.Error(w, "metrics must be non-negative", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.AccountID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	cost := s.ledger.EstimateCost(req.Metrics)
	debit := s.ledger.Debit(r.Context(), req.AccountID, int64(cost), "Repository analysis", map[string]string{"source": "submission"})
	if !debit.Success {
		if debit.Error == models.ErrInsufficientCredits.Error() {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":        debit.Error,
				"balance":      debit.NewBalance,
				"credits_cost": cost,
			})
			return
		}
		http.Error(w, debit.Error, http.StatusInternalServerError)
		return
	}

	job, err := s.jobs.Create(r.Context(), req.AccountID, req.Metrics, cost)
	if err != nil {
		// The debit already landed; give the credits back so the ledger
		// stays paired one transaction per mutation.
		refund := s.ledger.Credit(r.Context(), req.AccountID, int64(cost), models.TxRefund, "Refund: analysis submission failed", map[string]string{"source": "submission"})
		if !refund.Success {
			telemetry.RefundFailures.Inc()
			s.log.Error("compensating refund failed, transaction pairing broken", "account", req.AccountID, "amount", cost, "error", refund.Error)
		}
		s.log.Error("create job failed", "account", req.AccountID, "error", err)
		http.Error(w, "failed to create analysis", http.StatusInternalServerError)
		return
	}
	telemetry.AnalysesSubmitted.Inc()

	go s.sweeper.Process(context.WithoutCancel(r.Context()), job.ID)

	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, CreditsCost: cost, NewBalance: debit.NewBalance})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var metrics models.RepositoryMetrics
	if err := json.NewDecoder(r.Body).Decode(&metrics); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits_cost": s.ledger.EstimateCost(metrics)})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			http.Error(w, "analysis not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type bulkRetryRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleBulkRetry(w http.ResponseWriter, r *http.Request) {
	var req bulkRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}
	actor := r.Header.Get("X-Actor-ID")
	if actor == "" {
		actor = "api"
	}
	writeJSON(w, http.StatusOK, s.sched.BulkRetry(r.Context(), req.IDs, actor))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := s.ledger.GetBalance(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "balance": balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	txs, err := s.ledger.Transactions(r.Context(), id, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleAccountAnalyses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs, err := s.jobs.ListByAccount(r.Context(), id, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": jobs})
}

type creditRequest struct {
	Amount      int64             `json:"amount"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = models.TxPurchase
	}
	result := s.ledger.Credit(r.Context(), id, req.Amount, req.Type, req.Description, req.Metadata)
	if !result.Success {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
