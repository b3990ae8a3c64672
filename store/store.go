// Package store defines the authoritative state the protocol mutates and an
// in-memory implementation of it. Every mutation runs inside Update, which
// serializes callers sharing a lock key and commits all staged writes at once.
package store

import (
	"context"
	"errors"
	"time"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

var (
	ErrReadOnly = errors.New("store: write in read-only transaction")
	ErrConflict = errors.New("store: record already exists")
)

// Lock keys. Dispute operations lock the escrow id itself.
func BuyerKey(buyer string) string       { return "buyer:" + buyer }
func ArbiterKey(arbiterID string) string { return "arbiter:" + arbiterID }

const ProtocolKey = "protocol"

// Event is a domain event written to the outbox in the same transaction as
// the state change that produced it.
type Event struct {
	ID        int64
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// Stats are protocol-wide totals.
type Stats struct {
	Escrows  uint64
	Disputes uint64
	Arbiters uint64
	Paused   bool
}

// Tx is the view of state available inside Update or View.
type Tx interface {
	Escrow(ctx context.Context, id string) (escrow.Escrow, error)
	InsertEscrow(ctx context.Context, e escrow.Escrow) error
	UpdateEscrow(ctx context.Context, e escrow.Escrow) error
	// NextEscrowSeq allocates the buyer's next escrow sequence number.
	NextEscrowSeq(ctx context.Context, buyer string) (uint64, error)

	Round(ctx context.Context, id string) (dispute.Round, error)
	Rounds(ctx context.Context, escrowID string) (dispute.Chain, error)
	InsertRound(ctx context.Context, r dispute.Round) error
	UpdateRound(ctx context.Context, r dispute.Round) error

	Arbiter(ctx context.Context, id string) (arbiter.Arbiter, error)
	Arbiters(ctx context.Context) ([]arbiter.Arbiter, error)
	InsertArbiter(ctx context.Context, a arbiter.Arbiter) error
	SetArbiterActive(ctx context.Context, id string, active bool) error
	// AdjustArbiter adds d to the arbiter's counters as one atomic step.
	AdjustArbiter(ctx context.Context, d arbiter.Delta) error

	Enqueue(ctx context.Context, ev Event) error

	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
	Stats(ctx context.Context) (Stats, error)

	// DueEscrows lists active, undisputed escrows whose auto-release passed.
	DueEscrows(ctx context.Context, now time.Time, limit int) ([]string, error)
	// DueSettlements lists unsettled resolved rounds that are final: resolved
	// at or before resolvedBefore, or past the appeal ceiling.
	DueSettlements(ctx context.Context, resolvedBefore time.Time, maxAppeals, limit int) ([]string, error)
}

// Store runs transactions.
type Store interface {
	// Update runs fn exclusively with respect to other Updates on lockKey.
	// Writes become visible only if fn returns nil.
	Update(ctx context.Context, lockKey string, fn func(Tx) error) error
	// View runs fn against committed state. Writes fail with ErrReadOnly.
	View(ctx context.Context, fn func(Tx) error) error
}
