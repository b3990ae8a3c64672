// Package ledger describes the settlement layer the protocol instructs. The
// protocol never moves value itself: it hands the ledger a Batch of transfers
// and the ledger applies all of them or none.
package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInsufficientFunds is returned when a transfer would overdraw its source.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrAlreadyApplied signals that an identical batch was posted before.
	// Callers treat it as success: replays never move value twice.
	ErrAlreadyApplied = errors.New("ledger: batch already applied")
	// ErrKeyConflict signals a key that was posted before with different
	// transfers. It is never folded into success.
	ErrKeyConflict = errors.New("ledger: batch key reused with different transfers")
	// ErrEmptyBatch is returned for batches without a key or transfers.
	ErrEmptyBatch = errors.New("ledger: empty batch")
)

// Account names a balance holder on the ledger.
type Account string

const (
	// Treasury receives slashed arbiter stake.
	Treasury Account = "treasury"
)

// Party is the spendable account of a buyer, seller or arbiter.
func Party(id string) Account { return Account("party:" + id) }

// EscrowVault holds the custodial value of a single escrow.
func EscrowVault(escrowID string) Account { return Account("vault:escrow:" + escrowID) }

// StakeVault holds an arbiter's collateral.
func StakeVault(arbiterID string) Account { return Account("vault:stake:" + arbiterID) }

// Transfer moves Amount of Asset between two accounts.
type Transfer struct {
	From   Account
	To     Account
	Amount uint64
	Asset  string
	Memo   string
}

// Batch is the unit of atomicity and idempotency. Key must be derived from
// stable inputs so that a retried instruction carries the same key.
type Batch struct {
	Key       string
	Transfers []Transfer
}

// Validate checks structural constraints shared by every implementation.
func (b Batch) Validate() error {
	if b.Key == "" || len(b.Transfers) == 0 {
		return ErrEmptyBatch
	}
	for i, t := range b.Transfers {
		if t.From == "" || t.To == "" || t.Asset == "" {
			return fmt.Errorf("ledger: transfer %d: missing account or asset", i)
		}
		if t.From == t.To {
			return fmt.Errorf("ledger: transfer %d: self transfer", i)
		}
	}
	return nil
}

// Digest binds a batch key to its content. Two batches share a digest only
// when they carry the same key and the same transfers in the same order.
func (b Batch) Digest() []byte {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	field := func(v string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(v)))
		h.Write(buf[:])
		h.Write([]byte(v))
	}
	field(b.Key)
	for _, t := range b.Transfers {
		field(string(t.From))
		field(string(t.To))
		field(t.Asset)
		field(t.Memo)
		binary.BigEndian.PutUint64(buf[:], t.Amount)
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

// replayed classifies a key seen before: identical content is a replay,
// anything else a conflict. A stored digest of nil predates digests and is
// taken as a replay.
func replayed(stored []byte, batch Batch) error {
	if stored == nil || bytes.Equal(stored, batch.Digest()) {
		return ErrAlreadyApplied
	}
	return fmt.Errorf("%w: %s", ErrKeyConflict, batch.Key)
}

// Ledger is the external settlement collaborator.
type Ledger interface {
	// Apply posts every transfer in the batch or none of them.
	Apply(ctx context.Context, batch Batch) error
	// Balance reports the current balance of an account for an asset.
	Balance(ctx context.Context, account Account, asset string) (uint64, error)
	// Head returns a digest of the most recent applied batch. It is public and
	// changes with every posting, which makes it usable as a randomness seed.
	Head(ctx context.Context) ([]byte, error)
}

// Post applies batch and folds ErrAlreadyApplied into success. ErrKeyConflict
// and every other rejection are returned.
func Post(ctx context.Context, l Ledger, batch Batch) error {
	if err := l.Apply(ctx, batch); err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			return nil
		}
		return err
	}
	return nil
}
