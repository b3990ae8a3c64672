package protocol

import (
	"context"
	"fmt"

	"escrowflow/escrow"
	"escrowflow/settlement"
	"escrowflow/store"
)

// CreateEscrow locks the buyer's funds in a new Active escrow.
func (s *Service) CreateEscrow(ctx context.Context, p escrow.CreateParams) (escrow.Escrow, error) {
	if err := p.Validate(); err != nil {
		return escrow.Escrow{}, err
	}
	if err := s.screen(ctx, p.Buyer, p.Seller); err != nil {
		return escrow.Escrow{}, err
	}

	var created escrow.Escrow
	err := s.store.Update(ctx, store.BuyerKey(p.Buyer), func(tx store.Tx) error {
		if err := s.checkPaused(ctx, tx); err != nil {
			return err
		}
		now := s.now()
		seq, err := tx.NextEscrowSeq(ctx, p.Buyer)
		if err != nil {
			return err
		}
		e, err := escrow.New(p, seq, now)
		if err != nil {
			return err
		}
		if err := s.post(ctx, settlement.Deposit(e)); err != nil {
			return err
		}
		if err := tx.InsertEscrow(ctx, e); err != nil {
			return err
		}
		created = e
		return enqueue(ctx, tx, TopicEscrowCreated, e.ID, newEscrowEvent(e, p.Buyer, now), now)
	})
	if err != nil {
		return escrow.Escrow{}, err
	}
	s.log.Infow("escrow created", "escrow_id", created.ID, "buyer", created.Buyer, "seller", created.Seller, "amount", created.Amount)
	return created, nil
}

func (s *Service) screen(ctx context.Context, parties ...string) error {
	if s.screener == nil {
		return nil
	}
	for _, party := range parties {
		ok, err := s.screener.Allow(ctx, party)
		if err != nil {
			return fmt.Errorf("protocol: screen %s: %w", party, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrPartyRefused, party)
		}
	}
	return nil
}

// ReleaseEscrow pays the seller on the buyer's instruction.
func (s *Service) ReleaseEscrow(ctx context.Context, id, caller string) (escrow.Escrow, error) {
	return s.close(ctx, id, TopicEscrowReleased, caller, func(e escrow.Escrow) (escrow.Escrow, error) {
		return e.Release(caller, s.now())
	})
}

// ExpireEscrow applies the auto-release outcome. Anyone may call it.
func (s *Service) ExpireEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	return s.close(ctx, id, TopicEscrowExpired, "", func(e escrow.Escrow) (escrow.Escrow, error) {
		return e.Expire(s.now())
	})
}

// close runs a transition that pays the seller in full.
func (s *Service) close(ctx context.Context, id, topic, caller string, transition func(escrow.Escrow) (escrow.Escrow, error)) (escrow.Escrow, error) {
	var out escrow.Escrow
	err := s.store.Update(ctx, id, func(tx store.Tx) error {
		e, err := tx.Escrow(ctx, id)
		if err != nil {
			return err
		}
		next, err := transition(e)
		if err != nil {
			return err
		}
		batch, err := settlement.Release(e)
		if err != nil {
			return err
		}
		if err := s.post(ctx, batch); err != nil {
			return err
		}
		if err := tx.UpdateEscrow(ctx, next); err != nil {
			return err
		}
		out = next
		now := s.now()
		return enqueue(ctx, tx, topic, next.ID, newEscrowEvent(next, caller, now), now)
	})
	if err != nil {
		return escrow.Escrow{}, err
	}
	s.log.Infow("escrow closed", "escrow_id", out.ID, "topic", topic, "status", out.Status)
	return out, nil
}

// ApproveCancel records one party's consent to cancel. The second consent
// refunds the buyer.
func (s *Service) ApproveCancel(ctx context.Context, id, caller string) (escrow.Escrow, error) {
	var out escrow.Escrow
	err := s.store.Update(ctx, id, func(tx store.Tx) error {
		e, err := tx.Escrow(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		next, done, err := e.ApproveCancel(caller, now)
		if err != nil {
			return err
		}
		if done {
			batch, err := settlement.Refund(e)
			if err != nil {
				return err
			}
			if err := s.post(ctx, batch); err != nil {
				return err
			}
		}
		if err := tx.UpdateEscrow(ctx, next); err != nil {
			return err
		}
		out = next
		if !done {
			return nil
		}
		return enqueue(ctx, tx, TopicEscrowCancelled, next.ID, newEscrowEvent(next, caller, now), now)
	})
	if err != nil {
		return escrow.Escrow{}, err
	}
	return out, nil
}
