// Package ledger is the subsystem of record for credit balances. Every
// balance change goes through Debit or Credit and writes exactly one
// transaction row, so the transaction log always reconstructs the balance.
package ledger

import (
	"context"
	"errors"
	"log/slog"

	"repo-analysis-engine/internal/models"
	"repo-analysis-engine/internal/pricing"
	"repo-analysis-engine/internal/telemetry"
)

// Store is the transactional persistence the ledger runs on. Debit must
// serialize balance reads and writes per account and return
// models.ErrInsufficientCredits when the balance cannot cover the amount.
type Store interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	Debit(ctx context.Context, accountID string, amount int64, description string, metadata map[string]string) (int64, error)
	Credit(ctx context.Context, accountID string, amount int64, txType, description string, metadata map[string]string) (int64, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error)
}

// Result reports the outcome of a balance mutation. Mutations never return a
// Go error past this boundary; callers branch on Success.
type Result struct {
	Success    bool   `json:"success"`
	NewBalance int64  `json:"new_balance"`
	Error      string `json:"error,omitempty"`
}

// Ledger wraps the store with the credit operations exposed to request handlers.
type Ledger struct {
	store Store
	log   *slog.Logger
}

func New(store Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, log: log}
}

// GetBalance returns the current balance, 0 for an unknown account.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return l.store.Balance(ctx, accountID)
}

// HasSufficientCredits reports whether the balance covers the amount.
func (l *Ledger) HasSufficientCredits(ctx context.Context, accountID string, amount int64) (bool, error) {
	balance, err := l.store.Balance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// EstimateCost prices an analysis without touching the ledger.
func (l *Ledger) EstimateCost(m models.RepositoryMetrics) int {
	return pricing.Cost(m)
}

// Debit removes credits from the account. On insufficient balance or a store
// fault the result carries Success=false with the error message and a
// best-effort balance read outside the failed transaction.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, description string, metadata map[string]string) Result {
	if amount <= 0 {
		return Result{Success: false, Error: "amount must be positive"}
	}
	newBalance, err := l.store.Debit(ctx, accountID, amount, description, metadata)
	if err == nil {
		telemetry.CreditsDebited.Add(float64(amount))
		return Result{Success: true, NewBalance: newBalance}
	}

	if errors.Is(err, models.ErrInsufficientCredits) {
		telemetry.CreditsInsufficient.Inc()
	} else {
		l.log.Error("ledger debit failed", "account", accountID, "amount", amount, "error", err)
	}
	return Result{Success: false, NewBalance: l.bestEffortBalance(ctx, accountID), Error: err.Error()}
}

// Credit adds credits to the account as a PURCHASE, REFUND or BONUS.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, txType, description string, metadata map[string]string) Result {
	if amount <= 0 {
		return Result{Success: false, Error: "amount must be positive"}
	}
	switch txType {
	case models.TxPurchase, models.TxRefund, models.TxBonus:
	default:
		return Result{Success: false, Error: "invalid transaction type: " + txType}
	}

	newBalance, err := l.store.Credit(ctx, accountID, amount, txType, description, metadata)
	if err != nil {
		l.log.Error("ledger credit failed", "account", accountID, "amount", amount, "type", txType, "error", err)
		return Result{Success: false, NewBalance: l.bestEffortBalance(ctx, accountID), Error: err.Error()}
	}
	telemetry.CreditsGranted.Add(float64(amount))
	return Result{Success: true, NewBalance: newBalance}
}

// Transactions lists the most recent audit-trail rows for an account.
func (l *Ledger) Transactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	return l.store.Transactions(ctx, accountID, limit)
}

func (l *Ledger) bestEffortBalance(ctx context.Context, accountID string) int64 {
	balance, err := l.store.Balance(ctx, accountID)
	if err != nil {
		return 0
	}
	return balance
}
