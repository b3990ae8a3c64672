package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ids"
	"escrowflow/ledger"
	"escrowflow/oracle"
	"escrowflow/store"
)

const (
	usdc       = "USDC"
	stake      = 10_000_000
	buyerFunds = 1_000_000_000
)

type harness struct {
	svc    *Service
	store  *store.Memory
	ledger *ledger.Memory
	now    time.Time
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) balance(t *testing.T, account ledger.Account) uint64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), account, usdc)
	require.NoError(t, err)
	return b
}

func (h *harness) topics() []string {
	var out []string
	for _, ev := range h.store.Events() {
		out = append(out, ev.Topic)
	}
	return out
}

func newHarness(t *testing.T, arbiters ...string) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemory(),
		ledger: ledger.NewMemory(),
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	cfg := DefaultConfig()
	cfg.Admins = []string{"admin"}
	h.svc = NewService(h.store, h.ledger, cfg).WithClock(func() time.Time { return h.now })

	h.ledger.Fund(ledger.Party("alice"), usdc, buyerFunds)
	for _, id := range arbiters {
		h.ledger.Fund(ledger.Party(id), usdc, stake)
		_, err := h.svc.RegisterArbiter(context.Background(), id, stake)
		require.NoError(t, err)
	}
	return h
}

func (h *harness) create(t *testing.T, amount uint64) escrow.Escrow {
	t.Helper()
	e, err := h.svc.CreateEscrow(context.Background(), escrow.CreateParams{
		Buyer: "alice", Seller: "bob", Amount: amount, Asset: usdc, Description: "logo design",
	})
	require.NoError(t, err)
	return e
}

func TestCreateAndRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	e := h.create(t, 100_000_000)
	require.Equal(t, escrow.StatusActive, e.Status)
	require.Equal(t, uint64(100_000_000), h.balance(t, ledger.EscrowVault(e.ID)))
	require.Equal(t, uint64(buyerFunds-100_000_000), h.balance(t, ledger.Party("alice")))

	_, err := h.svc.ReleaseEscrow(ctx, e.ID, "bob")
	require.ErrorIs(t, err, escrow.ErrNotBuyer)

	done, err := h.svc.ReleaseEscrow(ctx, e.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, uint64(100_000_000), h.balance(t, ledger.Party("bob")))
	require.Zero(t, h.balance(t, ledger.EscrowVault(e.ID)))

	_, err = h.svc.ReleaseEscrow(ctx, e.ID, "alice")
	require.ErrorIs(t, err, escrow.ErrNotActive)
	require.Equal(t, KindState, KindOf(err))

	require.Equal(t, []string{TopicEscrowCreated, TopicEscrowReleased}, h.topics())
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, 1)
	second := h.create(t, 1)
	require.Equal(t, uint64(1), first.Seq)
	require.Equal(t, uint64(2), second.Seq)
	require.NotEqual(t, first.ID, second.ID)
}

func TestCreateUnfundedLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.CreateEscrow(ctx, escrow.CreateParams{
		Buyer: "carol", Seller: "bob", Amount: 5, Asset: usdc,
	})
	require.ErrorIs(t, err, ErrSettlement)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, KindSettlement, KindOf(err))

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Escrows)
	require.Empty(t, h.store.Events())
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateEscrow(context.Background(), escrow.CreateParams{
		Buyer: "alice", Seller: "alice", Amount: 5, Asset: usdc,
	})
	require.ErrorIs(t, err, escrow.ErrInvalidParty)
	require.Equal(t, KindValidation, KindOf(err))
	require.Empty(t, h.ledger.Postings())
}

type denyList map[string]bool

func (d denyList) Allow(_ context.Context, party string) (bool, error) {
	return !d[party], nil
}

func TestScreenerRefusal(t *testing.T) {
	h := newHarness(t)
	h.svc.WithScreener(denyList{"bob": true})

	_, err := h.svc.CreateEscrow(context.Background(), escrow.CreateParams{
		Buyer: "alice", Seller: "bob", Amount: 5, Asset: usdc,
	})
	require.ErrorIs(t, err, ErrPartyRefused)
	require.Equal(t, KindAuthorization, KindOf(err))
	require.Empty(t, h.ledger.Postings())
}

func TestPause(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1")
	e := h.create(t, 10)

	require.ErrorIs(t, h.svc.Pause(ctx, "alice"), ErrNotAdmin)
	require.NoError(t, h.svc.Pause(ctx, "admin"))

	_, err := h.svc.CreateEscrow(ctx, escrow.CreateParams{Buyer: "alice", Seller: "bob", Amount: 5, Asset: usdc})
	require.ErrorIs(t, err, ErrPaused)
	_, err = h.svc.OpenDispute(ctx, e.ID, "alice", "late")
	require.ErrorIs(t, err, ErrPaused)

	// Existing escrows can still be closed while paused.
	_, err = h.svc.ReleaseEscrow(ctx, e.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, h.svc.Unpause(ctx, "admin"))
	h.create(t, 5)

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	require.False(t, stats.Paused)
	require.Equal(t, uint64(2), stats.Escrows)
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	at := h.now.Add(48 * time.Hour)
	e, err := h.svc.CreateEscrow(ctx, escrow.CreateParams{
		Buyer: "alice", Seller: "bob", Amount: 70, Asset: usdc, AutoReleaseAt: &at,
	})
	require.NoError(t, err)

	_, err = h.svc.ExpireEscrow(ctx, e.ID)
	require.ErrorIs(t, err, escrow.ErrAutoReleaseNotDue)

	due, err := h.svc.DueEscrows(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	h.advance(48 * time.Hour)
	due, err = h.svc.DueEscrows(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{e.ID}, due)

	out, err := h.svc.ExpireEscrow(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, out.Status)
	require.Equal(t, uint64(70), h.balance(t, ledger.Party("bob")))

	_, err = h.svc.ExpireEscrow(ctx, e.ID)
	require.ErrorIs(t, err, escrow.ErrNotActive)
	require.Equal(t, KindState, KindOf(err))
	require.Equal(t, uint64(70), h.balance(t, ledger.Party("bob")))
	require.Zero(t, h.balance(t, ledger.EscrowVault(e.ID)))
	require.Equal(t, []string{TopicEscrowCreated, TopicEscrowExpired}, h.topics())
}

func TestMutualCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.create(t, 40)

	_, err := h.svc.ApproveCancel(ctx, e.ID, "mallory")
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	half, err := h.svc.ApproveCancel(ctx, e.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusActive, half.Status)
	require.True(t, half.SellerCancel)
	require.Equal(t, uint64(buyerFunds-40), h.balance(t, ledger.Party("alice")))

	out, err := h.svc.ApproveCancel(ctx, e.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCancelled, out.Status)
	require.Equal(t, uint64(buyerFunds), h.balance(t, ledger.Party("alice")))
	require.Equal(t, []string{TopicEscrowCreated, TopicEscrowCancelled}, h.topics())
}

func TestDisputeRefundAfterWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1", "arb-2")
	e := h.create(t, 100_000_000)

	r, err := h.svc.OpenDispute(ctx, e.ID, "alice", "never delivered")
	require.NoError(t, err)
	require.Equal(t, 1, r.Number)
	require.Equal(t, escrow.RoleBuyer, r.OpenerRole)
	require.Contains(t, []string{"arb-1", "arb-2"}, r.Arbiter)

	_, err = h.svc.ReleaseEscrow(ctx, e.ID, "alice")
	require.ErrorIs(t, err, escrow.ErrEscrowDisputed)
	_, err = h.svc.OpenDispute(ctx, e.ID, "bob", "me too")
	require.ErrorIs(t, err, escrow.ErrAlreadyDisputed)

	a, err := h.svc.Arbiter(ctx, r.Arbiter)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.OpenAssignments)

	resolved, err := h.svc.ResolveDispute(ctx, r.ID, r.Arbiter, dispute.FavorBuyer{}, "no delivery proof")
	require.NoError(t, err)
	require.Equal(t, dispute.StatusResolved, resolved.Status)
	require.Nil(t, resolved.SettledAt)

	_, err = h.svc.FinalizeDispute(ctx, r.ID)
	require.ErrorIs(t, err, dispute.ErrNotFinal)

	h.advance(dispute.DefaultPolicy().AppealWindow)
	due, err := h.svc.DueSettlements(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{r.ID}, due)

	out, err := h.svc.FinalizeDispute(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, out.Status)
	require.True(t, out.IsDisputed)
	require.Equal(t, uint64(buyerFunds), h.balance(t, ledger.Party("alice")))
	require.Zero(t, h.balance(t, ledger.Party("bob")))

	// Finalizing again changes nothing.
	again, err := h.svc.FinalizeDispute(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, out.CompletedAt, again.CompletedAt)

	_, err = h.svc.AppealDispute(ctx, r.ID, "bob")
	require.ErrorIs(t, err, dispute.ErrAppealWindowClosed)

	a, err = h.svc.Arbiter(ctx, r.Arbiter)
	require.NoError(t, err)
	require.Equal(t, int64(0), a.OpenAssignments)
	require.Equal(t, uint64(1), a.CasesResolved)
	require.Equal(t, int64(110), a.Reputation)
}

func TestAppealOverturnSlashes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1", "arb-2", "arb-3")
	e := h.create(t, 100_000_000)

	first, err := h.svc.OpenDispute(ctx, e.ID, "alice", "wrong colors")
	require.NoError(t, err)
	_, err = h.svc.ResolveDispute(ctx, first.ID, first.Arbiter, dispute.FavorSeller{}, "matches brief")
	require.NoError(t, err)

	_, err = h.svc.AppealDispute(ctx, first.ID, "mallory")
	require.ErrorIs(t, err, dispute.ErrUnauthorized)

	second, err := h.svc.AppealDispute(ctx, first.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, second.Number)
	require.NotEqual(t, first.Arbiter, second.Arbiter)
	require.Equal(t, first.Reason, second.Reason)

	_, err = h.svc.AppealDispute(ctx, first.ID, "alice")
	require.ErrorIs(t, err, dispute.ErrAlreadyAppealed)

	final, err := h.svc.ResolveDispute(ctx, second.ID, second.Arbiter, dispute.FavorBuyer{}, "brief says blue")
	require.NoError(t, err)
	require.NotNil(t, final.SettledAt)

	got, err := h.svc.Escrow(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, got.Status)
	require.Equal(t, uint64(buyerFunds), h.balance(t, ledger.Party("alice")))

	slashed, err := h.svc.Arbiter(ctx, first.Arbiter)
	require.NoError(t, err)
	require.Equal(t, uint64(9_000_000), slashed.Stake)
	require.Equal(t, int64(100+10-25), slashed.Reputation)
	require.Equal(t, uint64(9_000_000), h.balance(t, ledger.StakeVault(first.Arbiter)))
	require.Equal(t, uint64(1_000_000), h.balance(t, ledger.Treasury))

	upheld, err := h.svc.Arbiter(ctx, second.Arbiter)
	require.NoError(t, err)
	require.Equal(t, uint64(stake), upheld.Stake)
	require.Equal(t, int64(110), upheld.Reputation)

	_, err = h.svc.AppealDispute(ctx, second.ID, "bob")
	require.ErrorIs(t, err, dispute.ErrAppealLimitReached)

	chain, err := h.svc.Rounds(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, dispute.StatusAppealed, chain[0].Status)

	require.Equal(t, []string{
		TopicArbiterRegistered, TopicArbiterRegistered, TopicArbiterRegistered,
		TopicEscrowCreated, TopicDisputeOpened, TopicDisputeResolved, TopicDisputeAppealed,
		TopicDisputeResolved, TopicDisputeSettled, TopicArbiterSlashed,
	}, h.topics())
}

func TestSplitDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1")
	e := h.create(t, 101)

	r, err := h.svc.OpenDispute(ctx, e.ID, "bob", "partial delivery")
	require.NoError(t, err)
	require.Equal(t, escrow.RoleSeller, r.OpenerRole)

	_, err = h.svc.ResolveDispute(ctx, r.ID, r.Arbiter, dispute.Split{BuyerPercent: 101}, "")
	require.ErrorIs(t, err, dispute.ErrInvalidDecision)

	_, err = h.svc.ResolveDispute(ctx, r.ID, r.Arbiter, dispute.Split{BuyerPercent: 50}, "half done")
	require.NoError(t, err)

	h.advance(dispute.DefaultPolicy().AppealWindow)
	_, err = h.svc.FinalizeDispute(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(buyerFunds-101+50), h.balance(t, ledger.Party("alice")))
	require.Equal(t, uint64(51), h.balance(t, ledger.Party("bob")))
}

func TestResolveAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1", "arb-2")
	e := h.create(t, 10)
	r, err := h.svc.OpenDispute(ctx, e.ID, "alice", "late")
	require.NoError(t, err)

	_, err = h.svc.ResolveDispute(ctx, r.ID, "alice", dispute.FavorBuyer{}, "")
	require.ErrorIs(t, err, dispute.ErrUnauthorized)

	_, err = h.svc.DeactivateArbiter(ctx, "alice", r.Arbiter)
	require.ErrorIs(t, err, ErrNotAdmin)
	_, err = h.svc.DeactivateArbiter(ctx, "admin", r.Arbiter)
	require.NoError(t, err)

	_, err = h.svc.ResolveDispute(ctx, r.ID, r.Arbiter, dispute.FavorBuyer{}, "")
	require.ErrorIs(t, err, dispute.ErrArbiterInactive)

	back, err := h.svc.ReactivateArbiter(ctx, "admin", r.Arbiter)
	require.NoError(t, err)
	require.True(t, back.IsActive)

	_, err = h.svc.ResolveDispute(ctx, r.ID, r.Arbiter, dispute.FavorBuyer{}, "")
	require.NoError(t, err)
	_, err = h.svc.ResolveDispute(ctx, r.ID, r.Arbiter, dispute.FavorSeller{}, "")
	require.ErrorIs(t, err, dispute.ErrNotOpen)
}

func TestOpenDisputeWithoutArbiters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.create(t, 10)

	_, err := h.svc.OpenDispute(ctx, e.ID, "alice", "late")
	require.ErrorIs(t, err, arbiter.ErrNoEligibleArbiter)

	got, err := h.svc.Escrow(ctx, e.ID)
	require.NoError(t, err)
	require.False(t, got.IsDisputed)
}

func TestRegisterArbiter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1")

	_, err := h.svc.RegisterArbiter(ctx, "arb-1", stake)
	require.ErrorIs(t, err, arbiter.ErrAlreadyRegistered)

	_, err = h.svc.RegisterArbiter(ctx, "arb-9", stake-1)
	require.ErrorIs(t, err, arbiter.ErrInsufficientStake)

	_, err = h.svc.RegisterArbiter(ctx, "arb-9", stake)
	require.ErrorIs(t, err, ErrSettlement)

	_, err = h.svc.Arbiter(ctx, "arb-9")
	require.ErrorIs(t, err, arbiter.ErrNotFound)
	require.Equal(t, uint64(stake), h.balance(t, ledger.StakeVault("arb-1")))
}

func TestConcurrentResolutionsKeepCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1")

	const n = 32
	rounds := make([]dispute.Round, n)
	for i := range rounds {
		e := h.create(t, 10)
		r, err := h.svc.OpenDispute(ctx, e.ID, "alice", fmt.Sprintf("case %d", i))
		require.NoError(t, err)
		rounds[i] = r
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, r := range rounds {
		wg.Add(1)
		go func(r dispute.Round) {
			defer wg.Done()
			if _, err := h.svc.ResolveDispute(ctx, r.ID, "arb-1", dispute.FavorSeller{}, ""); err != nil {
				errs <- err
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	a, err := h.svc.Arbiter(ctx, "arb-1")
	require.NoError(t, err)
	require.Equal(t, uint64(n), a.CasesResolved)
	require.Equal(t, int64(0), a.OpenAssignments)
	require.Equal(t, int64(100+10*n), a.Reputation)
}

var errOutboxDown = errors.New("outbox unavailable")

// flakyStore fails the next failures Enqueue calls, so the ledger posts while
// the local transaction rolls back.
type flakyStore struct {
	*store.Memory
	failures int
}

func (f *flakyStore) Update(ctx context.Context, lockKey string, fn func(store.Tx) error) error {
	return f.Memory.Update(ctx, lockKey, func(tx store.Tx) error {
		return fn(flakyTx{Tx: tx, f: f})
	})
}

type flakyTx struct {
	store.Tx
	f *flakyStore
}

func (tx flakyTx) Enqueue(ctx context.Context, ev store.Event) error {
	if tx.f.failures > 0 {
		tx.f.failures--
		return errOutboxDown
	}
	return tx.Tx.Enqueue(ctx, ev)
}

// withFlakyStore rebuilds the service over a store that fails the next
// Enqueue. State already in h.store is kept.
func (h *harness) withFlakyStore() *flakyStore {
	f := &flakyStore{Memory: h.store, failures: 1}
	h.svc = NewService(f, h.ledger, h.svc.Config()).WithClock(func() time.Time { return h.now })
	return f
}

func TestCreateRetryAfterLocalFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.withFlakyStore()
	orphan := ids.Escrow("alice", 1)

	_, err := h.svc.CreateEscrow(ctx, escrow.CreateParams{Buyer: "alice", Seller: "bob", Amount: 100, Asset: usdc})
	require.ErrorIs(t, err, errOutboxDown)
	require.Equal(t, uint64(100), h.balance(t, ledger.EscrowVault(orphan)))

	// Same sequence, different amount: the deposit key is taken by other transfers.
	_, err = h.svc.CreateEscrow(ctx, escrow.CreateParams{Buyer: "alice", Seller: "bob", Amount: 500, Asset: usdc})
	require.ErrorIs(t, err, ErrSettlement)
	require.ErrorIs(t, err, ledger.ErrKeyConflict)
	require.Equal(t, KindSettlement, KindOf(err))
	require.Equal(t, uint64(100), h.balance(t, ledger.EscrowVault(orphan)))

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Escrows)

	// Retrying the identical instruction adopts the deposit already posted.
	e, err := h.svc.CreateEscrow(ctx, escrow.CreateParams{Buyer: "alice", Seller: "bob", Amount: 100, Asset: usdc})
	require.NoError(t, err)
	require.Equal(t, orphan, e.ID)
	require.Equal(t, uint64(100), h.balance(t, ledger.EscrowVault(e.ID)))
	require.Equal(t, uint64(buyerFunds-100), h.balance(t, ledger.Party("alice")))

	_, err = h.svc.ReleaseEscrow(ctx, e.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(100), h.balance(t, ledger.Party("bob")))
}

func TestSettlementConflictAfterLostRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1")
	e := h.create(t, 100)
	h.withFlakyStore()

	_, err := h.svc.ReleaseEscrow(ctx, e.ID, "alice")
	require.ErrorIs(t, err, errOutboxDown)
	require.Equal(t, uint64(100), h.balance(t, ledger.Party("bob")))

	got, err := h.svc.Escrow(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusActive, got.Status)

	r, err := h.svc.OpenDispute(ctx, e.ID, "alice", "never delivered")
	require.NoError(t, err)
	_, err = h.svc.ResolveDispute(ctx, r.ID, r.Arbiter, dispute.FavorBuyer{}, "no delivery")
	require.NoError(t, err)
	h.advance(dispute.DefaultPolicy().AppealWindow)

	// The refund would reuse the settle key the release already consumed.
	_, err = h.svc.FinalizeDispute(ctx, r.ID)
	require.ErrorIs(t, err, ErrSettlement)
	require.ErrorIs(t, err, ledger.ErrKeyConflict)

	got, err = h.svc.Escrow(ctx, e.ID)
	require.NoError(t, err)
	require.False(t, got.Status.Terminal())
	require.Equal(t, uint64(buyerFunds-100), h.balance(t, ledger.Party("alice")))
	require.Equal(t, uint64(100), h.balance(t, ledger.Party("bob")))
}

func TestIdenticalReleaseRetryRecovers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.create(t, 100)
	h.withFlakyStore()

	_, err := h.svc.ReleaseEscrow(ctx, e.ID, "alice")
	require.ErrorIs(t, err, errOutboxDown)

	out, err := h.svc.ReleaseEscrow(ctx, e.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, out.Status)
	require.Equal(t, uint64(100), h.balance(t, ledger.Party("bob")))
	require.Zero(t, h.balance(t, ledger.EscrowVault(e.ID)))
}

func TestReassignFromDeactivatedArbiter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "arb-1", "arb-2")
	e := h.create(t, 100)

	r, err := h.svc.OpenDispute(ctx, e.ID, "alice", "late")
	require.NoError(t, err)
	first := r.Arbiter

	_, err = h.svc.ReassignDispute(ctx, "admin", r.ID)
	require.ErrorIs(t, err, dispute.ErrArbiterActive)
	require.Equal(t, KindState, KindOf(err))

	_, err = h.svc.DeactivateArbiter(ctx, "admin", first)
	require.NoError(t, err)
	_, err = h.svc.ResolveDispute(ctx, r.ID, first, dispute.FavorBuyer{}, "")
	require.ErrorIs(t, err, dispute.ErrArbiterInactive)

	_, err = h.svc.ReassignDispute(ctx, "alice", r.ID)
	require.ErrorIs(t, err, ErrNotAdmin)

	moved, err := h.svc.ReassignDispute(ctx, "admin", r.ID)
	require.NoError(t, err)
	require.NotEqual(t, first, moved.Arbiter)
	require.Contains(t, []string{"arb-1", "arb-2"}, moved.Arbiter)
	require.Equal(t, dispute.StatusOpen, moved.Status)

	old, err := h.svc.Arbiter(ctx, first)
	require.NoError(t, err)
	require.Equal(t, int64(0), old.OpenAssignments)
	replacement, err := h.svc.Arbiter(ctx, moved.Arbiter)
	require.NoError(t, err)
	require.Equal(t, int64(1), replacement.OpenAssignments)

	resolved, err := h.svc.ResolveDispute(ctx, r.ID, moved.Arbiter, dispute.FavorBuyer{}, "no delivery")
	require.NoError(t, err)
	require.Equal(t, dispute.StatusResolved, resolved.Status)

	_, err = h.svc.ReassignDispute(ctx, "admin", r.ID)
	require.ErrorIs(t, err, dispute.ErrNotOpen)
	require.Contains(t, h.topics(), TopicDisputeReassigned)
}

func TestValuation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.create(t, 2_500_000)

	_, err := h.svc.Valuation(ctx, e.ID)
	require.ErrorIs(t, err, ErrNoOracle)

	prices, err := oracle.ParseStatic("USDC=1.00:6")
	require.NoError(t, err)
	h.svc.WithQuoter(prices)

	v, err := h.svc.Valuation(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, "2.5", v.USD.String())
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{escrow.ErrInvalidAmount, KindValidation},
		{fmt.Errorf("wrapped: %w", dispute.ErrUnauthorized), KindAuthorization},
		{arbiter.ErrNotFound, KindNotFound},
		{dispute.ErrAppealWindowClosed, KindState},
		{fmt.Errorf("%w: %w", ErrSettlement, ledger.ErrInsufficientFunds), KindSettlement},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
