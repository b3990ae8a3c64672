// Package pgstore implements store.Store on Postgres. Each Update is one
// transaction holding a transaction-scoped advisory lock on its key; rows it
// reads for modification are taken FOR UPDATE.
package pgstore

import (
	"context"
	"fmt"

	"escrowflow/db"
	"escrowflow/store"
)

type Store struct {
	pool db.TxBeginner
}

// New wires the store over a pool, usually a *pgxpool.Pool.
func New(pool db.TxBeginner) *Store {
	return &Store{pool: pool}
}

func (s *Store) Update(ctx context.Context, lockKey string, fn func(store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := db.AdvisoryLock(ctx, tx, lockKey); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return fn(&pgTx{tx: tx, readOnly: true})
}
