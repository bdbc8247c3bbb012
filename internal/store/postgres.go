// Package store provides the Postgres persistence for the engine. The ledger
// store owns accounts and transactions; the job store owns jobs and their
// embedded retry metadata. The two never cross-write: they are related only
// by account_id, which keeps each subsystem's transactional boundary clean.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ledger returns the account/transaction store view.
func (s *Store) Ledger() *LedgerStore {
	return &LedgerStore{pool: s.pool}
}

// Jobs returns the job store view.
func (s *Store) Jobs() *JobStore {
	return &JobStore{pool: s.pool}
}
