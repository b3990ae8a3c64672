package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/blake2b"

	"escrowflow/db"
)

const headLockKey = "ledger:head"

// Postgres is a ledger kept in the ledger_balances and ledger_batches tables.
// It stands in for an external settlement service in development deployments.
type Postgres struct {
	pool db.TxBeginner
	q    querier
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgres wires a ledger over a pool. pool usually is a *pgxpool.Pool.
func NewPostgres(pool interface {
	db.TxBeginner
	querier
}) *Postgres {
	return &Postgres{pool: pool, q: pool}
}

func (p *Postgres) Apply(ctx context.Context, batch Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize postings so the head chain stays linear.
	if err := db.AdvisoryLock(ctx, tx, headLockKey); err != nil {
		return err
	}

	var prev []byte
	err = tx.QueryRow(ctx, `SELECT head FROM ledger_batches ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ledger: load head: %w", err)
	}
	var stored []byte
	err = tx.QueryRow(ctx, `SELECT digest FROM ledger_batches WHERE key = $1`, batch.Key).Scan(&stored)
	switch {
	case err == nil:
		return replayed(stored, batch)
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("ledger: load batch %s: %w", batch.Key, err)
	}

	var prevHead [blake2b.Size256]byte
	copy(prevHead[:], prev)
	head := chain(prevHead, batch)

	transfers, err := json.Marshal(batch.Transfers)
	if err != nil {
		return fmt.Errorf("ledger: marshal transfers: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ledger_batches (key, head, transfers, digest) VALUES ($1, $2, $3::jsonb, $4)`,
		batch.Key, head[:], transfers, batch.Digest()); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrAlreadyApplied
		}
		return fmt.Errorf("ledger: insert batch: %w", err)
	}

	for i, t := range batch.Transfers {
		if t.Amount > math.MaxInt64 {
			return fmt.Errorf("ledger: transfer %d: amount overflows storage", i)
		}
		amount := int64(t.Amount)
		tag, err := tx.Exec(ctx, `
			UPDATE ledger_balances
			SET amount = amount - $1
			WHERE account = $2 AND asset = $3 AND amount >= $1
		`, amount, string(t.From), t.Asset)
		if err != nil {
			return fmt.Errorf("ledger: debit %s: %w", t.From, err)
		}
		if tag.RowsAffected() == 0 && amount > 0 {
			return fmt.Errorf("%w: transfer %d from %s", ErrInsufficientFunds, i, t.From)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_balances (account, asset, amount)
			VALUES ($1, $2, $3)
			ON CONFLICT (account, asset) DO UPDATE SET amount = ledger_balances.amount + EXCLUDED.amount
		`, string(t.To), t.Asset, amount); err != nil {
			return fmt.Errorf("ledger: credit %s: %w", t.To, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

func (p *Postgres) Balance(ctx context.Context, account Account, asset string) (uint64, error) {
	var amount int64
	err := p.q.QueryRow(ctx, `SELECT amount FROM ledger_balances WHERE account = $1 AND asset = $2`, string(account), asset).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return uint64(amount), nil
}

func (p *Postgres) Head(ctx context.Context) ([]byte, error) {
	var head []byte
	err := p.q.QueryRow(ctx, `SELECT head FROM ledger_batches ORDER BY seq DESC LIMIT 1`).Scan(&head)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return make([]byte, blake2b.Size256), nil
		}
		return nil, fmt.Errorf("ledger: head: %w", err)
	}
	return head, nil
}

// Fund credits an account directly. Used to seed development balances.
func (p *Postgres) Fund(ctx context.Context, account Account, asset string, amount uint64) error {
	if amount > math.MaxInt64 {
		return fmt.Errorf("ledger: fund amount overflows storage")
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_balances (account, asset, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (account, asset) DO UPDATE SET amount = ledger_balances.amount + EXCLUDED.amount
	`, string(account), asset, int64(amount)); err != nil {
		return fmt.Errorf("ledger: fund %s: %w", account, err)
	}
	return tx.Commit(ctx)
}
