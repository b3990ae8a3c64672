package protocol

import (
	"context"
	"errors"

	"escrowflow/arbiter"
	"escrowflow/store"
)

// RegisterArbiter moves stake from the caller into their stake vault and adds
// them to the active pool.
func (s *Service) RegisterArbiter(ctx context.Context, id string, stake uint64) (arbiter.Arbiter, error) {
	now := s.now()
	a, err := arbiter.Register(id, stake, now, s.cfg.Arbiters)
	if err != nil {
		return arbiter.Arbiter{}, err
	}

	err = s.store.Update(ctx, store.ArbiterKey(id), func(tx store.Tx) error {
		if err := s.checkPaused(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.Arbiter(ctx, id); err == nil {
			return arbiter.ErrAlreadyRegistered
		} else if !errors.Is(err, arbiter.ErrNotFound) {
			return err
		}
		if err := s.post(ctx, s.exec.Stake(id, stake)); err != nil {
			return err
		}
		if err := tx.InsertArbiter(ctx, a); err != nil {
			return err
		}
		return enqueue(ctx, tx, TopicArbiterRegistered, id, newArbiterEvent(a, now), now)
	})
	if err != nil {
		return arbiter.Arbiter{}, err
	}
	s.log.Infow("arbiter registered", "arbiter", id, "stake", stake)
	return a, nil
}

// DeactivateArbiter removes an arbiter from selection. Open assignments stay
// with them, unresolvable, until ReassignDispute moves them or the arbiter is
// reactivated.
func (s *Service) DeactivateArbiter(ctx context.Context, caller, id string) (arbiter.Arbiter, error) {
	return s.setActive(ctx, caller, id, func(a arbiter.Arbiter) (arbiter.Arbiter, error) {
		return a.Deactivate()
	})
}

// ReactivateArbiter returns an arbiter to the pool if their stake still
// meets the minimum.
func (s *Service) ReactivateArbiter(ctx context.Context, caller, id string) (arbiter.Arbiter, error) {
	return s.setActive(ctx, caller, id, func(a arbiter.Arbiter) (arbiter.Arbiter, error) {
		return a.Reactivate(s.cfg.Arbiters)
	})
}

func (s *Service) setActive(ctx context.Context, caller, id string, transition func(arbiter.Arbiter) (arbiter.Arbiter, error)) (arbiter.Arbiter, error) {
	if err := s.requireAdmin(caller); err != nil {
		return arbiter.Arbiter{}, err
	}
	var out arbiter.Arbiter
	err := s.store.Update(ctx, store.ArbiterKey(id), func(tx store.Tx) error {
		a, err := tx.Arbiter(ctx, id)
		if err != nil {
			return err
		}
		next, err := transition(a)
		if err != nil {
			return err
		}
		if err := tx.SetArbiterActive(ctx, id, next.IsActive); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return arbiter.Arbiter{}, err
	}
	s.log.Infow("arbiter status changed", "arbiter", id, "active", out.IsActive, "by", caller)
	return out, nil
}

// Pause blocks escrow creation, dispute opening and registration. Operations
// on existing escrows keep working so funds are never stuck.
func (s *Service) Pause(ctx context.Context, caller string) error {
	return s.setPaused(ctx, caller, true)
}

func (s *Service) Unpause(ctx context.Context, caller string) error {
	return s.setPaused(ctx, caller, false)
}

func (s *Service) setPaused(ctx context.Context, caller string, paused bool) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	err := s.store.Update(ctx, store.ProtocolKey, func(tx store.Tx) error {
		return tx.SetPaused(ctx, paused)
	})
	if err != nil {
		return err
	}
	s.log.Warnw("protocol pause toggled", "paused", paused, "by", caller)
	return nil
}
