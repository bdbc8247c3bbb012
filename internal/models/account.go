package models

import (
	"time"
)

// Transaction types. DEDUCTION rows carry a negative amount; all others positive.
const (
	TxPurchase  = "PURCHASE"
	TxDeduction = "DEDUCTION"
	TxRefund    = "REFUND"
	TxBonus     = "BONUS"
)

// Account holds a prepaid credit balance. The balance is mutated only through
// ledger debit/credit operations and never goes negative.
type Account struct {
	ID            string    `json:"id"`
	CreditBalance int64     `json:"credit_balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Transaction is one append-only row per balance mutation. Rows are never
// updated or deleted; the sum over an account reconstructs its balance.
type Transaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Type        string            `json:"type"`
	Amount      int64             `json:"amount"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
