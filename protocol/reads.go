package protocol

import (
	"context"

	"escrowflow/arbiter"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/oracle"
	"escrowflow/store"
)

func (s *Service) Escrow(ctx context.Context, id string) (escrow.Escrow, error) {
	var out escrow.Escrow
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Escrow(ctx, id)
		return err
	})
	return out, err
}

func (s *Service) Dispute(ctx context.Context, roundID string) (dispute.Round, error) {
	var out dispute.Round
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Round(ctx, roundID)
		return err
	})
	return out, err
}

// Rounds returns the dispute chain of an escrow in round order.
func (s *Service) Rounds(ctx context.Context, escrowID string) (dispute.Chain, error) {
	var out dispute.Chain
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Escrow(ctx, escrowID); err != nil {
			return err
		}
		var err error
		out, err = tx.Rounds(ctx, escrowID)
		return err
	})
	return out, err
}

func (s *Service) Arbiter(ctx context.Context, id string) (arbiter.Arbiter, error) {
	var out arbiter.Arbiter
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Arbiter(ctx, id)
		return err
	})
	return out, err
}

func (s *Service) Arbiters(ctx context.Context) ([]arbiter.Arbiter, error) {
	var out []arbiter.Arbiter
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Arbiters(ctx)
		return err
	})
	return out, err
}

func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	var out store.Stats
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Stats(ctx)
		return err
	})
	return out, err
}

// Valuation prices an escrow's locked amount in USD.
func (s *Service) Valuation(ctx context.Context, id string) (oracle.Valuation, error) {
	if s.quoter == nil {
		return oracle.Valuation{}, ErrNoOracle
	}
	e, err := s.Escrow(ctx, id)
	if err != nil {
		return oracle.Valuation{}, err
	}
	return oracle.Value(ctx, s.quoter, e.Asset, e.Amount)
}

// DueEscrows lists escrows whose auto-release time has passed.
func (s *Service) DueEscrows(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.DueEscrows(ctx, s.now(), limit)
		return err
	})
	return out, err
}

// DueSettlements lists dispute rounds whose decision became final and still
// awaits settlement.
func (s *Service) DueSettlements(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		before := s.now().Add(-s.cfg.Disputes.AppealWindow)
		out, err = tx.DueSettlements(ctx, before, s.cfg.Disputes.MaxAppeals, limit)
		return err
	})
	return out, err
}
