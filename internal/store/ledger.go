package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"repo-analysis-engine/internal/models"
)

// LedgerStore persists accounts and their append-only transaction log.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// Balance returns the current credit balance, 0 for an unknown account.
func (s *LedgerStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		SELECT credit_balance FROM accounts WHERE id = $1
	`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// Debit atomically decrements the balance and appends a DEDUCTION transaction.
// The balance row is locked for the duration of the transaction, so two
// concurrent debits against the same account serialize and cannot both spend
// the same credits. Returns models.ErrInsufficientCredits when the balance
// cannot cover the amount.
func (s *LedgerStore) Debit(ctx context.Context, accountID string, amount int64, description string, metadata map[string]string) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var balance int64
	err = tx.QueryRow(ctx, `
		SELECT credit_balance FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("lock balance: %w", err)
	}
	if balance < amount {
		return 0, models.ErrInsufficientCredits
	}

	newBalance := balance - amount
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET credit_balance = $2, updated_at = NOW() WHERE id = $1
	`, accountID, newBalance); err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	if err := insertTransaction(ctx, tx, accountID, models.TxDeduction, -amount, description, metadata); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newBalance, nil
}

// Credit atomically increments the balance and appends a transaction of the
// given type. The account row is created on first credit if missing.
func (s *LedgerStore) Credit(ctx context.Context, accountID string, amount int64, txType, description string, metadata map[string]string) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance int64
	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (id, credit_balance, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET credit_balance = accounts.credit_balance + $2, updated_at = NOW()
		RETURNING credit_balance
	`, accountID, amount).Scan(&newBalance)
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	if err := insertTransaction(ctx, tx, accountID, txType, amount, description, metadata); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newBalance, nil
}

// Transactions lists the most recent transactions for an account.
func (s *LedgerStore) Transactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, type, amount, description, metadata, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var metaJSON []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.Description, &metaJSON, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal transaction metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, accountID, txType string, amount int64, description string, metadata map[string]string) error {
	var metaJSON []byte
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal transaction metadata: %w", err)
		}
		metaJSON = b
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, account_id, type, amount, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), accountID, txType, amount, description, metaJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
