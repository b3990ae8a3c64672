package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// Memory is a Store held in process memory. Updates sharing a lock key run
// one at a time; writes are staged on the transaction and published under a
// single write lock on commit.
type Memory struct {
	locks keyedLocks

	mu       sync.RWMutex
	escrows  map[string]escrow.Escrow
	seqs     map[string]uint64
	rounds   map[string]dispute.Round
	chains   map[string][]string
	arbiters map[string]*arbiterCell
	events   []Event
	acked    map[int64]struct{}

	paused    atomic.Bool
	escrowsN  atomic.Uint64
	disputesN atomic.Uint64
	eventSeq  atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{
		locks:    keyedLocks{held: make(map[string]*keyedLock)},
		escrows:  make(map[string]escrow.Escrow),
		seqs:     make(map[string]uint64),
		rounds:   make(map[string]dispute.Round),
		chains:   make(map[string][]string),
		arbiters: make(map[string]*arbiterCell),
		acked:    make(map[int64]struct{}),
	}
}

func (m *Memory) Update(ctx context.Context, lockKey string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.locks.lock(lockKey)
	defer unlock()

	tx := newMemTx(m, false)
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newMemTx(m, true))
}

// Events returns every event enqueued so far, in commit order.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Pending returns up to limit events not yet acknowledged.
func (m *Memory) Pending(_ context.Context, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, limit)
	for _, ev := range m.events {
		if len(out) == limit {
			break
		}
		if _, ok := m.acked[ev.ID]; !ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Ack marks events as delivered.
func (m *Memory) Ack(_ context.Context, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.acked[id] = struct{}{}
	}
	return nil
}

func (m *Memory) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for buyer, seq := range tx.seqs {
		m.seqs[buyer] = seq
	}
	for id, e := range tx.escrows {
		if _, ok := m.escrows[id]; !ok {
			m.escrowsN.Inc()
		}
		m.escrows[id] = e
	}
	for _, id := range tx.newRounds {
		r := tx.rounds[id]
		m.chains[r.EscrowID] = append(m.chains[r.EscrowID], id)
		if r.Number == 1 {
			m.disputesN.Inc()
		}
	}
	for id, r := range tx.rounds {
		m.rounds[id] = r
	}
	for id, a := range tx.newArbiters {
		m.arbiters[id] = newArbiterCell(a)
	}
	for id, active := range tx.active {
		m.arbiters[id].setActive(active)
	}
	for _, d := range arbiter.Merge(tx.deltas...) {
		m.arbiters[d.ArbiterID].apply(d)
	}
	for _, ev := range tx.events {
		ev.ID = m.eventSeq.Inc()
		m.events = append(m.events, ev)
	}
	if tx.paused != nil {
		m.paused.Store(*tx.paused)
	}
}

type memTx struct {
	m        *Memory
	readOnly bool

	seqs        map[string]uint64
	escrows     map[string]escrow.Escrow
	rounds      map[string]dispute.Round
	newRounds   []string
	newArbiters map[string]arbiter.Arbiter
	active      map[string]bool
	deltas      []arbiter.Delta
	events      []Event
	paused      *bool
}

func newMemTx(m *Memory, readOnly bool) *memTx {
	return &memTx{
		m:           m,
		readOnly:    readOnly,
		seqs:        make(map[string]uint64),
		escrows:     make(map[string]escrow.Escrow),
		rounds:      make(map[string]dispute.Round),
		newArbiters: make(map[string]arbiter.Arbiter),
		active:      make(map[string]bool),
	}
}

func (t *memTx) Escrow(_ context.Context, id string) (escrow.Escrow, error) {
	if e, ok := t.escrows[id]; ok {
		return e, nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	e, ok := t.m.escrows[id]
	if !ok {
		return escrow.Escrow{}, escrow.ErrNotFound
	}
	return e, nil
}

func (t *memTx) InsertEscrow(ctx context.Context, e escrow.Escrow) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Escrow(ctx, e.ID); err == nil {
		return ErrConflict
	}
	t.escrows[e.ID] = e
	return nil
}

func (t *memTx) UpdateEscrow(ctx context.Context, e escrow.Escrow) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Escrow(ctx, e.ID); err != nil {
		return err
	}
	t.escrows[e.ID] = e
	return nil
}

func (t *memTx) NextEscrowSeq(_ context.Context, buyer string) (uint64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	last, ok := t.seqs[buyer]
	if !ok {
		t.m.mu.RLock()
		last = t.m.seqs[buyer]
		t.m.mu.RUnlock()
	}
	t.seqs[buyer] = last + 1
	return last + 1, nil
}

func (t *memTx) Round(_ context.Context, id string) (dispute.Round, error) {
	if r, ok := t.rounds[id]; ok {
		return r, nil
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	r, ok := t.m.rounds[id]
	if !ok {
		return dispute.Round{}, dispute.ErrNotFound
	}
	return r, nil
}

func (t *memTx) Rounds(ctx context.Context, escrowID string) (dispute.Chain, error) {
	t.m.mu.RLock()
	ids := append([]string(nil), t.m.chains[escrowID]...)
	t.m.mu.RUnlock()
	for _, id := range t.newRounds {
		if t.rounds[id].EscrowID == escrowID {
			ids = append(ids, id)
		}
	}

	chain := make(dispute.Chain, 0, len(ids))
	for _, id := range ids {
		r, err := t.Round(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Number < chain[j].Number })
	return chain, nil
}

func (t *memTx) InsertRound(ctx context.Context, r dispute.Round) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Round(ctx, r.ID); err == nil {
		return ErrConflict
	}
	t.rounds[r.ID] = r
	t.newRounds = append(t.newRounds, r.ID)
	return nil
}

func (t *memTx) UpdateRound(ctx context.Context, r dispute.Round) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Round(ctx, r.ID); err != nil {
		return err
	}
	t.rounds[r.ID] = r
	return nil
}

func (t *memTx) Arbiter(_ context.Context, id string) (arbiter.Arbiter, error) {
	a, ok := t.newArbiters[id]
	if !ok {
		t.m.mu.RLock()
		cell, found := t.m.arbiters[id]
		t.m.mu.RUnlock()
		if !found {
			return arbiter.Arbiter{}, arbiter.ErrNotFound
		}
		a = cell.snapshot()
	}
	return t.overlay(a), nil
}

func (t *memTx) overlay(a arbiter.Arbiter) arbiter.Arbiter {
	if active, ok := t.active[a.ID]; ok {
		a.IsActive = active
	}
	for _, d := range t.deltas {
		if d.ArbiterID == a.ID {
			a = a.Apply(d)
		}
	}
	return a
}

func (t *memTx) Arbiters(ctx context.Context) ([]arbiter.Arbiter, error) {
	t.m.mu.RLock()
	out := make([]arbiter.Arbiter, 0, len(t.m.arbiters)+len(t.newArbiters))
	for _, cell := range t.m.arbiters {
		out = append(out, t.overlay(cell.snapshot()))
	}
	t.m.mu.RUnlock()
	for _, a := range t.newArbiters {
		out = append(out, t.overlay(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertArbiter(ctx context.Context, a arbiter.Arbiter) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Arbiter(ctx, a.ID); err == nil {
		return arbiter.ErrAlreadyRegistered
	}
	t.newArbiters[a.ID] = a
	return nil
}

func (t *memTx) SetArbiterActive(ctx context.Context, id string, active bool) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Arbiter(ctx, id); err != nil {
		return err
	}
	t.active[id] = active
	return nil
}

func (t *memTx) AdjustArbiter(ctx context.Context, d arbiter.Delta) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.Arbiter(ctx, d.ArbiterID); err != nil {
		return err
	}
	if !d.Zero() {
		t.deltas = append(t.deltas, d)
	}
	return nil
}

func (t *memTx) Enqueue(_ context.Context, ev Event) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) Paused(context.Context) (bool, error) {
	if t.paused != nil {
		return *t.paused, nil
	}
	return t.m.paused.Load(), nil
}

func (t *memTx) SetPaused(_ context.Context, paused bool) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.paused = &paused
	return nil
}

func (t *memTx) Stats(ctx context.Context) (Stats, error) {
	t.m.mu.RLock()
	s := Stats{
		Escrows:  t.m.escrowsN.Load(),
		Disputes: t.m.disputesN.Load(),
		Arbiters: uint64(len(t.m.arbiters)),
	}
	for id := range t.escrows {
		if _, ok := t.m.escrows[id]; !ok {
			s.Escrows++
		}
	}
	t.m.mu.RUnlock()
	for _, id := range t.newRounds {
		if t.rounds[id].Number == 1 {
			s.Disputes++
		}
	}
	s.Arbiters += uint64(len(t.newArbiters))
	paused, err := t.Paused(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.Paused = paused
	return s, nil
}

func (t *memTx) DueEscrows(_ context.Context, now time.Time, limit int) ([]string, error) {
	t.m.mu.RLock()
	due := make([]escrow.Escrow, 0)
	for _, e := range t.m.escrows {
		if e.Status != escrow.StatusActive || e.IsDisputed || e.AutoReleaseAt == nil {
			continue
		}
		if !now.Before(*e.AutoReleaseAt) {
			due = append(due, e)
		}
	}
	t.m.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].AutoReleaseAt.Equal(*due[j].AutoReleaseAt) {
			return due[i].AutoReleaseAt.Before(*due[j].AutoReleaseAt)
		}
		return due[i].ID < due[j].ID
	})
	out := make([]string, 0, limit)
	for _, e := range due {
		if len(out) == limit {
			break
		}
		out = append(out, e.ID)
	}
	return out, nil
}

func (t *memTx) DueSettlements(_ context.Context, resolvedBefore time.Time, maxAppeals, limit int) ([]string, error) {
	t.m.mu.RLock()
	due := make([]dispute.Round, 0)
	for _, r := range t.m.rounds {
		if r.Status != dispute.StatusResolved || r.SettledAt != nil || r.ResolvedAt == nil {
			continue
		}
		if !r.ResolvedAt.After(resolvedBefore) || r.Number-1 >= maxAppeals {
			due = append(due, r)
		}
	}
	t.m.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].ResolvedAt.Equal(*due[j].ResolvedAt) {
			return due[i].ResolvedAt.Before(*due[j].ResolvedAt)
		}
		return due[i].ID < due[j].ID
	})
	out := make([]string, 0, limit)
	for _, r := range due {
		if len(out) == limit {
			break
		}
		out = append(out, r.ID)
	}
	return out, nil
}

// arbiterCell holds one arbiter. Counters are atomics so readers never see a
// torn value; mu makes a whole Delta land as one step.
type arbiterCell struct {
	mu         sync.Mutex
	profile    arbiter.Arbiter
	reputation atomic.Int64
	resolved   atomic.Uint64
	open       atomic.Int64
	stake      atomic.Uint64
}

func newArbiterCell(a arbiter.Arbiter) *arbiterCell {
	c := &arbiterCell{profile: a}
	c.reputation.Store(a.Reputation)
	c.resolved.Store(a.CasesResolved)
	c.open.Store(a.OpenAssignments)
	c.stake.Store(a.Stake)
	return c
}

func (c *arbiterCell) snapshot() arbiter.Arbiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.profile
	a.Reputation = c.reputation.Load()
	a.CasesResolved = c.resolved.Load()
	a.OpenAssignments = c.open.Load()
	a.Stake = c.stake.Load()
	return a
}

func (c *arbiterCell) setActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile.IsActive = active
}

func (c *arbiterCell) apply(d arbiter.Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reputation.Add(d.Reputation)
	if open := c.open.Add(d.OpenAssignments); open < 0 {
		c.open.Store(0)
	}
	switch {
	case d.CasesResolved >= 0:
		c.resolved.Add(uint64(d.CasesResolved))
	case uint64(-d.CasesResolved) > c.resolved.Load():
		c.resolved.Store(0)
	default:
		c.resolved.Sub(uint64(-d.CasesResolved))
	}
	switch {
	case d.Stake >= 0:
		c.stake.Add(uint64(d.Stake))
	case uint64(-d.Stake) > c.stake.Load():
		c.stake.Store(0)
	default:
		c.stake.Sub(uint64(-d.Stake))
	}
	if d.ResolvedAt != nil {
		at := d.ResolvedAt.UTC()
		c.profile.LastResolvedAt = &at
	}
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

type keyedLocks struct {
	mu   sync.Mutex
	held map[string]*keyedLock
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyedLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
