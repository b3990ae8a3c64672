package test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/outbox"
	"escrowflow/pgstore"
	"escrowflow/protocol"
	"escrowflow/store"
	"escrowflow/test/infra"
)

// harness is a protocol deployment over a migrated Postgres schema.
type harness struct {
	pool   *pgxpool.Pool
	ledger *ledger.Postgres
	svc    *protocol.Service
	source *outbox.PGSource
}

func startHarness(t *testing.T, ctx context.Context, dsn string, cfg protocol.Config) *harness {
	t.Helper()
	pgC, dsn, err := infra.Open(ctx, dsn)
	if err != nil {
		t.Skipf("no postgres available: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, pgC.Shared())
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})

	ledgerPool, err := pgxpool.NewWithConfig(ctx, pool.Config())
	if err != nil {
		t.Fatalf("ledger pool: %v", err)
	}
	t.Cleanup(ledgerPool.Close)

	l := ledger.NewPostgres(ledgerPool)
	return &harness{
		pool:   pool,
		ledger: l,
		svc:    protocol.NewService(pgstore.New(pool), l, cfg),
		source: outbox.NewPGSource(pool, 3),
	}
}

func (h *harness) fund(t *testing.T, ctx context.Context, party string, amount uint64) {
	t.Helper()
	if err := h.ledger.Fund(ctx, ledger.Party(party), "USDC", amount); err != nil {
		t.Fatalf("fund %s: %v", party, err)
	}
}

func (h *harness) registerArbiters(t *testing.T, ctx context.Context, n int) []string {
	t.Helper()
	stake := h.svc.Config().Arbiters.MinStake
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("arb-%02d", i)
		h.fund(t, ctx, id, stake)
		if _, err := h.svc.RegisterArbiter(ctx, id, stake); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		out = append(out, id)
	}
	return out
}

func (h *harness) balance(t *testing.T, ctx context.Context, account ledger.Account) uint64 {
	t.Helper()
	b, err := h.ledger.Balance(ctx, account, "USDC")
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return b
}

// quickConfig shortens every timer so settlements happen within a test run.
func quickConfig() protocol.Config {
	cfg := protocol.DefaultConfig()
	cfg.Admins = []string{"ops"}
	cfg.Arbiters.Cooldown = 10 * time.Millisecond
	cfg.Disputes = dispute.Policy{AppealWindow: 200 * time.Millisecond, MaxAppeals: 1}
	return cfg
}

// countingPublisher records how often each event id was delivered.
type countingPublisher struct {
	mu     sync.Mutex
	seen   map[int64]int
	topics []string
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{seen: make(map[int64]int)}
}

func (p *countingPublisher) Publish(_ context.Context, ev store.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[ev.ID]++
	p.topics = append(p.topics, ev.Topic)
	return nil
}

func (p *countingPublisher) duplicates() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for id, n := range p.seen {
		if n > 1 {
			out = append(out, id)
		}
	}
	return out
}
