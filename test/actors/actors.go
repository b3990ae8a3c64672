package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/atomic"

	"escrowflow/crank"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/protocol"
)

// Counters are shared by every actor of a run.
type Counters struct {
	Created   atomic.Int64
	Closed    atomic.Int64
	Disputes  atomic.Int64
	Resolved  atomic.Int64
	Appeals   atomic.Int64
	Finalized atomic.Int64
	Published atomic.Int64
	Rejected  atomic.Int64
	Internal  atomic.Int64
}

func (c *Counters) String() string {
	return fmt.Sprintf("created=%d closed=%d disputes=%d resolved=%d appeals=%d finalized=%d published=%d rejected=%d internal=%d",
		c.Created.Load(), c.Closed.Load(), c.Disputes.Load(), c.Resolved.Load(), c.Appeals.Load(),
		c.Finalized.Load(), c.Published.Load(), c.Rejected.Load(), c.Internal.Load())
}

// note records an operation outcome. Domain rejections are expected under
// contention. Internal errors are counted, and returned when tolerate is
// false so the run fails.
func (c *Counters) note(err error, tolerate bool) error {
	if err == nil {
		return nil
	}
	if protocol.KindOf(err) != protocol.KindInternal {
		c.Rejected.Inc()
		return nil
	}
	c.Internal.Inc()
	if tolerate {
		return nil
	}
	return err
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Env is what every actor needs.
type Env struct {
	Svc      *protocol.Service
	Pool     *pgxpool.Pool
	Counters *Counters
	// Tolerate internal errors, which a chaos run produces on purpose.
	Tolerate bool
}

// Buyer opens escrows against seller and then releases, cancels or disputes them.
func Buyer(ctx context.Context, env Env, buyer, seller string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		e, err := env.Svc.CreateEscrow(ctx, escrow.CreateParams{
			Buyer: buyer, Seller: seller, Amount: uint64(1 + rand.Intn(1_000)), Asset: "USDC",
			Description: "stress",
		})
		if err := env.Counters.note(err, env.Tolerate); err != nil {
			return fmt.Errorf("buyer %s create: %w", buyer, err)
		}
		if err != nil {
			pause(10, 20)
			continue
		}
		env.Counters.Created.Inc()

		switch rand.Intn(4) {
		case 0:
			_, err = env.Svc.ReleaseEscrow(ctx, e.ID, buyer)
			if err == nil {
				env.Counters.Closed.Inc()
			}
		case 1:
			if _, err = env.Svc.ApproveCancel(ctx, e.ID, buyer); err == nil {
				_, err = env.Svc.ApproveCancel(ctx, e.ID, seller)
				if err == nil {
					env.Counters.Closed.Inc()
				}
			}
		default:
			opener := buyer
			if rand.Intn(2) == 0 {
				opener = seller
			}
			_, err = env.Svc.OpenDispute(ctx, e.ID, opener, "stress dispute")
			if err == nil {
				env.Counters.Disputes.Inc()
			}
		}
		if err := env.Counters.note(err, env.Tolerate); err != nil {
			return fmt.Errorf("buyer %s escrow %s: %w", buyer, e.ID, err)
		}
		pause(10, 20)
	}
}

var decisions = []dispute.Decision{
	dispute.FavorBuyer{}, dispute.FavorSeller{}, dispute.Split{BuyerPercent: 50}, dispute.Split{BuyerPercent: 30},
}

// Arbiter resolves the open rounds assigned to id.
func Arbiter(ctx context.Context, env Env, id string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		rows, err := env.Pool.Query(ctx, `SELECT id FROM dispute_rounds WHERE arbiter_id = $1 AND status = 'open' LIMIT 10`, id)
		if err != nil {
			if env.Tolerate {
				pause(20, 20)
				continue
			}
			return fmt.Errorf("arbiter %s poll: %w", id, err)
		}
		var open []string
		for rows.Next() {
			var rid string
			if err := rows.Scan(&rid); err == nil {
				open = append(open, rid)
			}
		}
		rows.Close()

		for _, rid := range open {
			_, err := env.Svc.ResolveDispute(ctx, rid, id, decisions[rand.Intn(len(decisions))], "stress ruling")
			if err == nil {
				env.Counters.Resolved.Inc()
			}
			if err := env.Counters.note(err, env.Tolerate); err != nil {
				return fmt.Errorf("arbiter %s resolve %s: %w", id, rid, err)
			}
		}
		pause(20, 30)
	}
}

// Appealer appeals resolved rounds on behalf of either party.
func Appealer(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var roundID, buyer, seller string
		err := env.Pool.QueryRow(ctx, `SELECT d.id, e.buyer_id, e.seller_id FROM dispute_rounds d
            JOIN escrows e ON e.id = d.escrow_id
            WHERE d.status = 'resolved' AND d.settled_at IS NULL
            ORDER BY random() LIMIT 1`).Scan(&roundID, &buyer, &seller)
		if err == nil {
			caller := buyer
			if rand.Intn(2) == 0 {
				caller = seller
			}
			_, err = env.Svc.AppealDispute(ctx, roundID, caller)
			if err == nil {
				env.Counters.Appeals.Inc()
			}
			if err := env.Counters.note(err, env.Tolerate); err != nil {
				return fmt.Errorf("appeal %s: %w", roundID, err)
			}
		}
		pause(30, 40)
	}
}

// Cranker runs the maintenance sweep in a loop.
func Cranker(ctx context.Context, env Env, c *crank.Crank, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		res, err := c.Tick(ctx)
		if err != nil && !env.Tolerate {
			return fmt.Errorf("crank: %w", err)
		}
		env.Counters.Finalized.Add(int64(res.Finalized))
		pause(50, 50)
	}
}

// Relayer drains the outbox in a loop.
func Relayer(ctx context.Context, env Env, r *outbox.Relay, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		n, err := r.Flush(ctx)
		if err != nil && !env.Tolerate {
			return fmt.Errorf("relay: %w", err)
		}
		env.Counters.Published.Add(int64(n))
		pause(20, 30)
	}
}
