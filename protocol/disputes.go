package protocol

import (
	"context"
	"errors"
	"time"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ids"
	"escrowflow/settlement"
	"escrowflow/store"
)

// OpenDispute contests an active escrow and assigns the first arbiter.
func (s *Service) OpenDispute(ctx context.Context, escrowID, caller, reason string) (dispute.Round, error) {
	if err := dispute.ValidateReason(reason); err != nil {
		return dispute.Round{}, err
	}

	var opened dispute.Round
	err := s.store.Update(ctx, escrowID, func(tx store.Tx) error {
		e, err := tx.Escrow(ctx, escrowID)
		if err != nil {
			return err
		}
		role, err := dispute.Authorize(e, caller)
		if err != nil {
			return err
		}
		if err := s.checkPaused(ctx, tx); err != nil {
			return err
		}
		marked, err := e.MarkDisputed()
		if err != nil {
			return err
		}

		now := s.now()
		a, seed, err := s.assign(ctx, tx, e, nil, ids.DisputeRound(e.ID, 1), now)
		if err != nil {
			return err
		}
		r := dispute.NewRound(e.ID, 1, caller, role, reason, a.ID, seed, now)

		if err := tx.UpdateEscrow(ctx, marked); err != nil {
			return err
		}
		if err := tx.InsertRound(ctx, r); err != nil {
			return err
		}
		if err := adjust(ctx, tx, settlement.Assigned(a.ID)); err != nil {
			return err
		}
		opened = r
		return enqueue(ctx, tx, TopicDisputeOpened, e.ID, newDisputeEvent(r, caller, now), now)
	})
	if err != nil {
		return dispute.Round{}, err
	}
	s.log.Infow("dispute opened", "dispute_id", opened.ID, "escrow_id", escrowID, "arbiter", opened.Arbiter)
	return opened, nil
}

// assign draws an arbiter for subject using the ledger head as public seed.
// Parties of the escrow and every earlier arbiter are excluded.
func (s *Service) assign(ctx context.Context, tx store.Tx, e escrow.Escrow, earlier []string, subject string, now time.Time) (arbiter.Arbiter, []byte, error) {
	pool, err := tx.Arbiters(ctx)
	if err != nil {
		return arbiter.Arbiter{}, nil, err
	}
	seed, err := s.ledger.Head(ctx)
	if err != nil {
		return arbiter.Arbiter{}, nil, err
	}
	exclude := append([]string{e.Buyer, e.Seller}, earlier...)
	a, err := s.cfg.Arbiters.Select(pool, exclude, seed, subject, now)
	if err != nil {
		return arbiter.Arbiter{}, nil, err
	}
	return a, seed, nil
}

// escrowOf maps a dispute round to the escrow whose lock guards it.
func (s *Service) escrowOf(ctx context.Context, roundID string) (string, error) {
	var escrowID string
	err := s.store.View(ctx, func(tx store.Tx) error {
		r, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		escrowID = r.EscrowID
		return nil
	})
	return escrowID, err
}

// ResolveDispute records the assigned arbiter's decision. Settlement waits
// until the decision is final; when no appeal is possible it happens here.
func (s *Service) ResolveDispute(ctx context.Context, roundID, caller string, d dispute.Decision, reasoning string) (dispute.Round, error) {
	escrowID, err := s.escrowOf(ctx, roundID)
	if err != nil {
		return dispute.Round{}, err
	}

	var resolved dispute.Round
	var settled bool
	err = s.store.Update(ctx, escrowID, func(tx store.Tx) error {
		r, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		active := false
		if caller != "" && caller == r.Arbiter {
			a, err := tx.Arbiter(ctx, caller)
			if err != nil && !errors.Is(err, arbiter.ErrNotFound) {
				return err
			}
			active = err == nil && a.IsActive
		}

		now := s.now()
		next, err := r.Resolve(caller, active, d, reasoning, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateRound(ctx, next); err != nil {
			return err
		}
		if err := enqueue(ctx, tx, TopicDisputeResolved, escrowID, newDisputeEvent(next, caller, now), now); err != nil {
			return err
		}
		resolved = next
		credit := s.exec.Resolved(caller, now)

		e, err := tx.Escrow(ctx, escrowID)
		if err != nil {
			return err
		}
		chain, err := tx.Rounds(ctx, escrowID)
		if err != nil {
			return err
		}
		final, err := s.cfg.Disputes.Final(chain, now)
		if errors.Is(err, dispute.ErrNotFinal) {
			return adjust(ctx, tx, credit)
		}
		if err != nil {
			return err
		}
		if _, err := s.settle(ctx, tx, e, chain, final, now, credit); err != nil {
			return err
		}
		resolved = final.MarkSettled(now)
		settled = true
		return nil
	})
	if err != nil {
		return dispute.Round{}, err
	}
	s.log.Infow("dispute resolved", "dispute_id", roundID, "decision", resolved.Decision.Kind(), "settled", settled)
	return resolved, nil
}

// AppealDispute supersedes a resolved round and assigns a fresh arbiter to a
// new round. It returns the new round.
func (s *Service) AppealDispute(ctx context.Context, roundID, caller string) (dispute.Round, error) {
	escrowID, err := s.escrowOf(ctx, roundID)
	if err != nil {
		return dispute.Round{}, err
	}

	var next dispute.Round
	err = s.store.Update(ctx, escrowID, func(tx store.Tx) error {
		e, err := tx.Escrow(ctx, escrowID)
		if err != nil {
			return err
		}
		chain, err := tx.Rounds(ctx, escrowID)
		if err != nil {
			return err
		}
		now := s.now()
		appealed, err := s.cfg.Disputes.Appeal(chain, e, roundID, caller, now)
		if err != nil {
			return err
		}
		role, _ := e.RoleOf(caller)

		latest, _ := chain.Latest()
		number := latest.Number + 1
		a, seed, err := s.assign(ctx, tx, e, chain.Arbiters(), ids.DisputeRound(e.ID, number), now)
		if err != nil {
			return err
		}
		next = dispute.NewRound(e.ID, number, caller, role, appealed.Reason, a.ID, seed, now)

		if err := tx.UpdateRound(ctx, appealed); err != nil {
			return err
		}
		if err := tx.InsertRound(ctx, next); err != nil {
			return err
		}
		if err := adjust(ctx, tx, settlement.Assigned(a.ID)); err != nil {
			return err
		}
		return enqueue(ctx, tx, TopicDisputeAppealed, escrowID, newDisputeEvent(next, caller, now), now)
	})
	if err != nil {
		return dispute.Round{}, err
	}
	s.log.Infow("dispute appealed", "dispute_id", roundID, "next_round", next.ID, "arbiter", next.Arbiter)
	return next, nil
}

// ReassignDispute moves an open round away from an arbiter who left the
// active pool. The replacement is drawn like an appeal arbiter: every arbiter
// already on the chain is excluded.
func (s *Service) ReassignDispute(ctx context.Context, caller, roundID string) (dispute.Round, error) {
	if err := s.requireAdmin(caller); err != nil {
		return dispute.Round{}, err
	}
	escrowID, err := s.escrowOf(ctx, roundID)
	if err != nil {
		return dispute.Round{}, err
	}

	var moved dispute.Round
	var previous string
	err = s.store.Update(ctx, escrowID, func(tx store.Tx) error {
		r, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		previous = r.Arbiter
		active := false
		if a, err := tx.Arbiter(ctx, r.Arbiter); err == nil {
			active = a.IsActive
		} else if !errors.Is(err, arbiter.ErrNotFound) {
			return err
		}
		switch {
		case r.Status != dispute.StatusOpen:
			return dispute.ErrNotOpen
		case active:
			return dispute.ErrArbiterActive
		}

		e, err := tx.Escrow(ctx, escrowID)
		if err != nil {
			return err
		}
		chain, err := tx.Rounds(ctx, escrowID)
		if err != nil {
			return err
		}
		now := s.now()
		a, seed, err := s.assign(ctx, tx, e, chain.Arbiters(), r.ID, now)
		if err != nil {
			return err
		}
		next, err := r.Reassign(active, a.ID, seed)
		if err != nil {
			return err
		}
		if err := tx.UpdateRound(ctx, next); err != nil {
			return err
		}
		if err := adjust(ctx, tx, settlement.Unassigned(previous), settlement.Assigned(a.ID)); err != nil {
			return err
		}
		moved = next
		return enqueue(ctx, tx, TopicDisputeReassigned, escrowID, newDisputeEvent(next, caller, now), now)
	})
	if err != nil {
		return dispute.Round{}, err
	}
	s.log.Infow("dispute reassigned", "dispute_id", roundID, "from", previous, "to", moved.Arbiter, "by", caller)
	return moved, nil
}

// FinalizeDispute settles a disputed escrow once its latest decision can no
// longer be appealed. Calling it on an already settled escrow is a no-op.
func (s *Service) FinalizeDispute(ctx context.Context, roundID string) (escrow.Escrow, error) {
	escrowID, err := s.escrowOf(ctx, roundID)
	if err != nil {
		return escrow.Escrow{}, err
	}

	var out escrow.Escrow
	err = s.store.Update(ctx, escrowID, func(tx store.Tx) error {
		e, err := tx.Escrow(ctx, escrowID)
		if err != nil {
			return err
		}
		out = e
		if e.Status.Terminal() {
			return nil
		}
		chain, err := tx.Rounds(ctx, escrowID)
		if err != nil {
			return err
		}
		now := s.now()
		final, err := s.cfg.Disputes.Final(chain, now)
		if errors.Is(err, dispute.ErrAlreadySettled) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = s.settle(ctx, tx, e, chain, final, now)
		return err
	})
	if err != nil {
		return escrow.Escrow{}, err
	}
	return out, nil
}

// settle posts the final distribution and the slashing of overturned
// arbiters, then stages the local writes. extra deltas are applied together
// with the plan's so arbiter rows are locked once, in id order.
func (s *Service) settle(ctx context.Context, tx store.Tx, e escrow.Escrow, chain dispute.Chain, final dispute.Round, now time.Time, extra ...arbiter.Delta) (escrow.Escrow, error) {
	arbiters := make(map[string]arbiter.Arbiter)
	for _, r := range chain.Overturned(final) {
		a, err := tx.Arbiter(ctx, r.Arbiter)
		if err != nil {
			return escrow.Escrow{}, err
		}
		arbiters[a.ID] = a
	}

	plan, err := s.exec.Finalize(e, chain, final, arbiters)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if err := s.post(ctx, plan.Batch); err != nil {
		return escrow.Escrow{}, err
	}

	next, err := e.Settle(plan.Status, now)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if err := tx.UpdateEscrow(ctx, next); err != nil {
		return escrow.Escrow{}, err
	}
	if err := tx.UpdateRound(ctx, final.MarkSettled(now)); err != nil {
		return escrow.Escrow{}, err
	}
	if err := adjust(ctx, tx, append(plan.Deltas, extra...)...); err != nil {
		return escrow.Escrow{}, err
	}

	settledEvent := newDisputeEvent(final, "", now)
	if err := enqueue(ctx, tx, TopicDisputeSettled, e.ID, settledEvent, now); err != nil {
		return escrow.Escrow{}, err
	}
	for _, sl := range plan.Slashes {
		ev := arbiterEvent{ArbiterID: sl.ArbiterID, Slashed: sl.Amount, DisputeID: sl.RoundID, At: now.UTC()}
		if err := enqueue(ctx, tx, TopicArbiterSlashed, sl.ArbiterID, ev, now); err != nil {
			return escrow.Escrow{}, err
		}
		s.log.Warnw("arbiter slashed", "arbiter", sl.ArbiterID, "dispute_id", sl.RoundID, "amount", sl.Amount)
	}
	return next, nil
}
