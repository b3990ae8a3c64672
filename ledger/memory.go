package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

type balanceKey struct {
	account Account
	asset   string
}

// Memory is an in-process ledger. Each applied batch extends a blake2b hash
// chain whose tip is exposed through Head.
type Memory struct {
	mu       sync.Mutex
	balances map[balanceKey]uint64
	applied  map[string][]byte
	head     [blake2b.Size256]byte
	postings []Batch
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[balanceKey]uint64),
		applied:  make(map[string][]byte),
	}
}

// Fund credits an account out of thin air. It exists for seeding test and
// development ledgers.
func (m *Memory) Fund(account Account, asset string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey{account, asset}] += amount
}

func (m *Memory) Apply(_ context.Context, batch Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if digest, ok := m.applied[batch.Key]; ok {
		return replayed(digest, batch)
	}

	// Work on a scratch copy of the touched balances so a failing transfer
	// leaves the ledger untouched.
	scratch := make(map[balanceKey]uint64, len(batch.Transfers)*2)
	get := func(k balanceKey) uint64 {
		if v, ok := scratch[k]; ok {
			return v
		}
		return m.balances[k]
	}
	for i, t := range batch.Transfers {
		from := balanceKey{t.From, t.Asset}
		to := balanceKey{t.To, t.Asset}
		have := get(from)
		if have < t.Amount {
			return fmt.Errorf("%w: transfer %d from %s has %d, needs %d", ErrInsufficientFunds, i, t.From, have, t.Amount)
		}
		scratch[from] = have - t.Amount
		scratch[to] = get(to) + t.Amount
	}
	for k, v := range scratch {
		m.balances[k] = v
	}

	m.applied[batch.Key] = batch.Digest()
	m.postings = append(m.postings, batch)
	m.head = chain(m.head, batch)
	return nil
}

func (m *Memory) Balance(_ context.Context, account Account, asset string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey{account, asset}], nil
}

func (m *Memory) Head(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.head))
	copy(out, m.head[:])
	return out, nil
}

// Postings returns the applied batches in order.
func (m *Memory) Postings() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Batch, len(m.postings))
	copy(out, m.postings)
	return out
}

func chain(prev [blake2b.Size256]byte, batch Batch) [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	h.Write(prev[:])
	h.Write([]byte(batch.Key))
	var buf [8]byte
	for _, t := range batch.Transfers {
		h.Write([]byte(t.From))
		h.Write([]byte(t.To))
		h.Write([]byte(t.Asset))
		binary.BigEndian.PutUint64(buf[:], t.Amount)
		h.Write(buf[:])
	}
	var out [blake2b.Size256]byte
	copy(out[:], h.Sum(nil))
	return out
}
