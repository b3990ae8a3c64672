package outbox

import (
	"context"
	"fmt"
	"sync"

	"escrowflow/db"
	"escrowflow/store"
)

// PGSource claims pending rows with SKIP LOCKED so several relays can share
// one outbox table. A row failing MaxAttempts times is parked as dead.
type PGSource struct {
	pool        db.TxBeginner
	maxAttempts int
}

func NewPGSource(pool db.TxBeginner, maxAttempts int) *PGSource {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PGSource{pool: pool, maxAttempts: maxAttempts}
}

func (s *PGSource) Drain(ctx context.Context, limit int, publish func(context.Context, store.Event) error) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, topic, partition_key, payload, created_at
	                            FROM outbox WHERE status = 'pending'
	                            ORDER BY id FOR UPDATE SKIP LOCKED LIMIT $1`, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	var batch []store.Event
	for rows.Next() {
		var ev store.Event
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Key, &ev.Payload, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}

	delivered := 0
	for _, ev := range batch {
		if err := publish(ctx, ev); err != nil {
			if _, err := tx.Exec(ctx, `UPDATE outbox
			    SET attempts = attempts + 1, last_attempt = NOW(),
			        status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
			    WHERE id = $1`, ev.ID, s.maxAttempts); err != nil {
				return delivered, fmt.Errorf("outbox: mark failed %d: %w", ev.ID, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`, ev.ID); err != nil {
			return delivered, fmt.Errorf("outbox: mark processed %d: %w", ev.ID, err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return delivered, nil
}

// MemorySource drains a store.Memory outbox.
type MemorySource struct {
	store       *store.Memory
	maxAttempts int

	mu       sync.Mutex
	attempts map[int64]int
	dead     []store.Event
}

func NewMemorySource(m *store.Memory, maxAttempts int) *MemorySource {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &MemorySource{store: m, maxAttempts: maxAttempts, attempts: make(map[int64]int)}
}

func (s *MemorySource) Drain(ctx context.Context, limit int, publish func(context.Context, store.Event) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.store.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, ev := range batch {
		if err := publish(ctx, ev); err != nil {
			s.attempts[ev.ID]++
			if s.attempts[ev.ID] >= s.maxAttempts {
				s.dead = append(s.dead, ev)
				delete(s.attempts, ev.ID)
				if err := s.store.Ack(ctx, ev.ID); err != nil {
					return delivered, err
				}
			}
			continue
		}
		delete(s.attempts, ev.ID)
		if err := s.store.Ack(ctx, ev.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// Dead returns events that exhausted their attempts.
func (s *MemorySource) Dead() []store.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Event(nil), s.dead...)
}
