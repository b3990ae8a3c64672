package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

var t0 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func seedEscrow(t *testing.T, m *Memory, buyer string, autoRelease *time.Time) escrow.Escrow {
	t.Helper()
	var out escrow.Escrow
	err := m.Update(context.Background(), BuyerKey(buyer), func(tx Tx) error {
		seq, err := tx.NextEscrowSeq(context.Background(), buyer)
		if err != nil {
			return err
		}
		out, err = escrow.New(escrow.CreateParams{Buyer: buyer, Seller: "S", Amount: 10, Asset: "USDC", AutoReleaseAt: autoRelease}, seq, t0)
		if err != nil {
			return err
		}
		return tx.InsertEscrow(context.Background(), out)
	})
	require.NoError(t, err)
	return out
}

func TestMemoryUpdate_DiscardsWritesOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")

	err := m.Update(ctx, BuyerKey("B"), func(tx Tx) error {
		seq, err := tx.NextEscrowSeq(ctx, "B")
		require.NoError(t, err)
		e, err := escrow.New(escrow.CreateParams{Buyer: "B", Seller: "S", Amount: 1, Asset: "USDC"}, seq, t0)
		require.NoError(t, err)
		require.NoError(t, tx.InsertEscrow(ctx, e))
		require.NoError(t, tx.Enqueue(ctx, Event{Topic: "escrow.created", Key: e.ID}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, m.Events())

	e := seedEscrow(t, m, "B", nil)
	require.Equal(t, uint64(1), e.Seq, "sequence from the failed update must not be consumed")

	err = m.View(ctx, func(tx Tx) error {
		s, err := tx.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), s.Escrows)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryUpdate_ReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	e := seedEscrow(t, m, "B", nil)

	err := m.Update(ctx, e.ID, func(tx Tx) error {
		disputed, err := e.MarkDisputed()
		require.NoError(t, err)
		require.NoError(t, tx.UpdateEscrow(ctx, disputed))

		got, err := tx.Escrow(ctx, e.ID)
		require.NoError(t, err)
		require.True(t, got.IsDisputed)

		r := dispute.NewRound(e.ID, 1, "S", escrow.RoleSeller, "late", "A1", []byte{1}, t0)
		require.NoError(t, tx.InsertRound(ctx, r))
		require.ErrorIs(t, tx.InsertRound(ctx, r), ErrConflict)

		chain, err := tx.Rounds(ctx, e.ID)
		require.NoError(t, err)
		require.Len(t, chain, 1)
		return nil
	})
	require.NoError(t, err)

	err = m.View(ctx, func(tx Tx) error {
		require.ErrorIs(t, tx.UpdateEscrow(ctx, e), ErrReadOnly)
		_, err := tx.Escrow(ctx, "missing")
		require.ErrorIs(t, err, escrow.ErrNotFound)
		_, err = tx.Round(ctx, "missing")
		require.ErrorIs(t, err, dispute.ErrNotFound)
		s, err := tx.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), s.Disputes)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryArbiters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := arbiter.DefaultPolicy()
	a, err := arbiter.Register("A1", p.MinStake, t0, p)
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, ArbiterKey("A1"), func(tx Tx) error {
		return tx.InsertArbiter(ctx, a)
	}))
	err = m.Update(ctx, ArbiterKey("A1"), func(tx Tx) error {
		return tx.InsertArbiter(ctx, a)
	})
	require.ErrorIs(t, err, arbiter.ErrAlreadyRegistered)

	require.NoError(t, m.Update(ctx, ArbiterKey("A1"), func(tx Tx) error {
		require.NoError(t, tx.SetArbiterActive(ctx, "A1", false))
		got, err := tx.Arbiter(ctx, "A1")
		require.NoError(t, err)
		require.False(t, got.IsActive)
		return nil
	}))

	err = m.Update(ctx, "x", func(tx Tx) error {
		return tx.AdjustArbiter(ctx, arbiter.Delta{ArbiterID: "ghost", Reputation: 1})
	})
	require.ErrorIs(t, err, arbiter.ErrNotFound)
}

func TestMemoryAdjustArbiter_NoLostIncrements(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := arbiter.DefaultPolicy()
	a, _ := arbiter.Register("A1", p.MinStake, t0, p)
	require.NoError(t, m.Update(ctx, ArbiterKey("A1"), func(tx Tx) error { return tx.InsertArbiter(ctx, a) }))

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct lock keys: only the per-arbiter increment protects the counters.
			key := "escrow-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
			err := m.Update(ctx, key, func(tx Tx) error {
				return tx.AdjustArbiter(ctx, arbiter.Delta{ArbiterID: "A1", CasesResolved: 1, Reputation: 10})
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, m.View(ctx, func(tx Tx) error {
		got, err := tx.Arbiter(ctx, "A1")
		require.NoError(t, err)
		require.Equal(t, uint64(workers), got.CasesResolved)
		require.Equal(t, p.BaselineReputation+10*workers, got.Reputation)
		return nil
	}))
}

func TestMemoryDueEscrowsAndSettlements(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	past := t0.Add(-time.Hour)
	future := t0.Add(time.Hour)
	due := seedEscrow(t, m, "B1", &past)
	seedEscrow(t, m, "B2", &future)
	seedEscrow(t, m, "B3", nil)

	disputed := seedEscrow(t, m, "B4", &past)
	require.NoError(t, m.Update(ctx, disputed.ID, func(tx Tx) error {
		d, err := disputed.MarkDisputed()
		if err != nil {
			return err
		}
		if err := tx.UpdateEscrow(ctx, d); err != nil {
			return err
		}
		r := dispute.NewRound(d.ID, 1, "B4", escrow.RoleBuyer, "", "A1", nil, t0)
		r, err = r.Resolve("A1", true, dispute.FavorSeller{}, "", past)
		if err != nil {
			return err
		}
		return tx.InsertRound(ctx, r)
	}))

	require.NoError(t, m.View(ctx, func(tx Tx) error {
		ids, err := tx.DueEscrows(ctx, t0, 10)
		require.NoError(t, err)
		require.Equal(t, []string{due.ID}, ids)

		rounds, err := tx.DueSettlements(ctx, t0.Add(-2*time.Hour), 1, 10)
		require.NoError(t, err)
		require.Empty(t, rounds)

		rounds, err = tx.DueSettlements(ctx, t0, 1, 10)
		require.NoError(t, err)
		require.Len(t, rounds, 1)
		return nil
	}))
}

func TestMemoryPendingAndAck(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Update(ctx, "k", func(tx Tx) error {
		require.NoError(t, tx.Enqueue(ctx, Event{Topic: "a"}))
		return tx.Enqueue(ctx, Event{Topic: "b"})
	}))

	pending, err := m.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Less(t, pending[0].ID, pending[1].ID)

	require.NoError(t, m.Ack(ctx, pending[0].ID))
	pending, err = m.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].Topic)
}

func TestMemoryUpdate_SerializesSameKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Update(ctx, "same", func(Tx) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInside)
}
